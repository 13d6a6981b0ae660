// Package recordstore is the engine's view of the business database: it reads
// deltas out and applies peer deltas in. The engine never interprets record
// payloads beyond the field merge defined here.
package recordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"bizsync-p2p/internal/domain"
)

// Store is the record-store collaborator.
type Store interface {
	// ReadDelta returns live records and tombstones modified after since.
	ReadDelta(ctx context.Context, category domain.Category, since time.Time) ([]domain.Record, error)
	// Lookup returns the record with id, tombstone included, or nil.
	Lookup(ctx context.Context, category domain.Category, id string) (*domain.Record, error)
	// FindByNaturalKey returns the live record carrying key, or nil.
	FindByNaturalKey(ctx context.Context, category domain.Category, key string) (*domain.Record, error)
	ApplyDelta(ctx context.Context, category domain.Category, records []domain.Record, strategy domain.ResolutionPolicy) (domain.ApplyOutcome, error)
}

// Writer is implemented by stores that accept local edits. Tests and the demo
// seeding path use it; the sync engine does not.
type Writer interface {
	Put(ctx context.Context, rec domain.Record) error
}

func checkStrategy(strategy domain.ResolutionPolicy) error {
	switch strategy {
	case domain.ResolutionUseRemote, domain.ResolutionMerge, domain.ResolutionCreateBoth:
		return nil
	}
	return domain.Errorf(domain.KindValidation, "ApplyDelta", "strategy %q cannot be applied by the record store", strategy)
}

// resolve decides what to write for one incoming record given the current
// local row. ok=false means nothing changes.
func resolve(local *domain.Record, remote domain.Record, strategy domain.ResolutionPolicy) (domain.Record, bool) {
	if local == nil {
		return remote, true
	}
	if local.SameContent(remote) && local.NaturalKey == remote.NaturalKey {
		return domain.Record{}, false
	}
	switch strategy {
	case domain.ResolutionMerge:
		return MergeRecords(*local, remote), true
	default:
		return remote, true
	}
}

// MergeRecords merges two versions field by field. Both payloads must be JSON
// objects; for a key present on both sides the newer record's value wins,
// with ties going to remote. Anything that is not a pair of live objects
// falls back to the newer record whole.
func MergeRecords(local, remote domain.Record) domain.Record {
	newer, older := remote, local
	if local.ModifiedAt.After(remote.ModifiedAt) {
		newer, older = local, remote
	}
	if local.Deleted || remote.Deleted {
		out := newer
		out.ID = local.ID
		return out
	}

	var a, b map[string]json.RawMessage
	if json.Unmarshal(older.Data, &a) != nil || json.Unmarshal(newer.Data, &b) != nil || a == nil || b == nil {
		out := newer
		out.ID = local.ID
		return out
	}
	for k, v := range b {
		a[k] = v
	}
	data, err := json.Marshal(a)
	if err != nil {
		out := newer
		out.ID = local.ID
		return out
	}

	out := newer
	out.ID = local.ID
	out.Data = data
	if out.NaturalKey == "" {
		out.NaturalKey = older.NaturalKey
	}
	return out
}

func sortRecords(recs []domain.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].ModifiedAt.Equal(recs[j].ModifiedAt) {
			return recs[i].ModifiedAt.Before(recs[j].ModifiedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

func validRecord(category domain.Category, rec domain.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record without id")
	}
	if rec.Category != category {
		return fmt.Errorf("record %s belongs to %s, not %s", rec.ID, rec.Category, category)
	}
	if !rec.Deleted && len(rec.Data) > 0 && !json.Valid(rec.Data) {
		return fmt.Errorf("record %s has invalid payload", rec.ID)
	}
	return nil
}
