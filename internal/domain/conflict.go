package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

type ConflictType string

const (
	ConflictUpdateUpdate ConflictType = "updateUpdate"
	ConflictUpdateDelete ConflictType = "updateDelete"
	ConflictDeleteUpdate ConflictType = "deleteUpdate"
	ConflictDuplicate    ConflictType = "duplicate"
)

type ResolutionPolicy string

const (
	ResolutionUseLocal   ResolutionPolicy = "useLocal"
	ResolutionUseRemote  ResolutionPolicy = "useRemote"
	ResolutionMerge      ResolutionPolicy = "merge"
	ResolutionCreateBoth ResolutionPolicy = "createBoth"
	ResolutionSkip       ResolutionPolicy = "skip"
	ResolutionManual     ResolutionPolicy = "manual"
)

func (p ResolutionPolicy) Valid() bool {
	switch p {
	case ResolutionUseLocal, ResolutionUseRemote, ResolutionMerge,
		ResolutionCreateBoth, ResolutionSkip, ResolutionManual:
		return true
	}
	return false
}

// Record is one business row as exchanged between devices. A tombstone keeps
// its ID and carries Deleted=true.
type Record struct {
	Category   Category        `json:"category"`
	ID         string          `json:"id"`
	NaturalKey string          `json:"natural_key,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	ModifiedAt time.Time       `json:"modified_at"`
	Deleted    bool            `json:"deleted"`
}

// SameContent compares payload and tombstone flag, ignoring timestamps.
func (r Record) SameContent(other Record) bool {
	if r.Deleted != other.Deleted {
		return false
	}
	if r.Deleted {
		return true
	}
	return bytes.Equal(compactJSON(r.Data), compactJSON(other.Data))
}

func compactJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

type ApplyOutcome struct {
	Applied int               `json:"applied"`
	Failed  int               `json:"failed"`
	Skipped int               `json:"skipped"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func (o *ApplyOutcome) Add(other ApplyOutcome) {
	o.Applied += other.Applied
	o.Failed += other.Failed
	o.Skipped += other.Skipped
	for id, msg := range other.Errors {
		if o.Errors == nil {
			o.Errors = make(map[string]string)
		}
		o.Errors[id] = msg
	}
}

type SyncConflict struct {
	ID               string            `json:"id"`
	SessionID        string            `json:"session_id"`
	PeerDeviceID     string            `json:"peer_device_id"`
	Category         Category          `json:"category"`
	ItemID           string            `json:"item_id"`
	RemoteItemID     string            `json:"remote_item_id,omitempty"`
	Type             ConflictType      `json:"type"`
	Local            *Record           `json:"local,omitempty"`
	Remote           *Record           `json:"remote,omitempty"`
	LocalModifiedAt  time.Time         `json:"local_modified_at"`
	RemoteModifiedAt time.Time         `json:"remote_modified_at"`
	Resolution       *ResolutionPolicy `json:"resolution"`
	Note             string            `json:"note,omitempty"`
	DetectedAt       time.Time         `json:"detected_at"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
}

func (c SyncConflict) IsResolved() bool {
	return c.Resolution != nil
}

func (c SyncConflict) Clone() SyncConflict {
	out := c
	if c.Local != nil {
		l := *c.Local
		out.Local = &l
	}
	if c.Remote != nil {
		r := *c.Remote
		out.Remote = &r
	}
	if c.Resolution != nil {
		p := *c.Resolution
		out.Resolution = &p
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

type ResolveConflictRequest struct {
	Policy ResolutionPolicy `json:"policy" validate:"required,oneof=useLocal useRemote merge createBoth skip"`
	Note   string           `json:"note"`
}
