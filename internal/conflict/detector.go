// Package conflict classifies divergent record versions and applies
// resolution policies through the record store.
package conflict

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/recordstore"
)

// Verdict is what to do with one incoming record.
type Verdict int

const (
	// Apply writes the remote version as is.
	Apply Verdict = iota
	// Ignore leaves local state alone: nothing changed, or the remote copy is
	// older than what the local side already has.
	Ignore
	// Conflict needs a resolution policy.
	Conflict
)

// Classify decides how remote relates to local given the last common sync
// point. local is the record with the same id, or the live record sharing
// remote's natural key under another id. It depends on nothing but its
// arguments.
func Classify(local, remote *domain.Record, baseline time.Time) (Verdict, domain.ConflictType) {
	if remote == nil {
		return Ignore, ""
	}
	if local == nil {
		return Apply, ""
	}
	if local.ID != remote.ID {
		if local.Deleted || remote.Deleted {
			return Apply, ""
		}
		return Conflict, domain.ConflictDuplicate
	}
	if local.SameContent(*remote) {
		return Ignore, ""
	}

	localChanged := local.ModifiedAt.After(baseline)
	remoteChanged := remote.ModifiedAt.After(baseline)

	switch {
	case !local.Deleted && remote.Deleted:
		if localChanged {
			return Conflict, domain.ConflictUpdateDelete
		}
		return Apply, ""
	case local.Deleted && !remote.Deleted:
		if remoteChanged {
			return Conflict, domain.ConflictDeleteUpdate
		}
		return Ignore, ""
	}

	switch {
	case localChanged && remoteChanged:
		return Conflict, domain.ConflictUpdateUpdate
	case remoteChanged:
		return Apply, ""
	default:
		return Ignore, ""
	}
}

// Inspection splits one incoming batch.
type Inspection struct {
	Clean     []domain.Record
	Ignored   int
	Conflicts []domain.SyncConflict
}

type Detector struct {
	store recordstore.Store
	now   func() time.Time
}

func NewDetector(store recordstore.Store) *Detector {
	return &Detector{store: store, now: time.Now}
}

// Inspect classifies every remote record of one category against the local
// store.
func (d *Detector) Inspect(ctx context.Context, sessionID, peerID string, category domain.Category,
	remote []domain.Record, baseline time.Time) (Inspection, error) {
	var out Inspection
	for i := range remote {
		rec := remote[i]
		local, err := d.store.Lookup(ctx, category, rec.ID)
		if err != nil {
			return out, domain.E(domain.KindInternal, "conflict.Inspect", err)
		}
		if local == nil && !rec.Deleted && rec.NaturalKey != "" {
			local, err = d.store.FindByNaturalKey(ctx, category, rec.NaturalKey)
			if err != nil {
				return out, domain.E(domain.KindInternal, "conflict.Inspect", err)
			}
		}

		verdict, typ := Classify(local, &rec, baseline)
		switch verdict {
		case Apply:
			out.Clean = append(out.Clean, rec)
		case Ignore:
			out.Ignored++
		case Conflict:
			out.Conflicts = append(out.Conflicts, d.newConflict(sessionID, peerID, typ, *local, rec))
		}
	}
	return out, nil
}

func (d *Detector) newConflict(sessionID, peerID string, typ domain.ConflictType, local, remote domain.Record) domain.SyncConflict {
	c := domain.SyncConflict{
		ID:               uuid.New().String(),
		SessionID:        sessionID,
		PeerDeviceID:     peerID,
		Category:         remote.Category,
		ItemID:           local.ID,
		Type:             typ,
		Local:            &local,
		Remote:           &remote,
		LocalModifiedAt:  local.ModifiedAt,
		RemoteModifiedAt: remote.ModifiedAt,
		DetectedAt:       d.now(),
	}
	if local.ID != remote.ID {
		c.RemoteItemID = remote.ID
	}
	return c
}
