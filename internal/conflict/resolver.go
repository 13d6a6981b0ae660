package conflict

import (
	"context"
	"fmt"
	"time"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/recordstore"
)

const deferredCreateBoth = "createBoth only applies to duplicates; left for manual resolution"

type Resolver struct {
	store recordstore.Store
	now   func() time.Time
}

func NewResolver(store recordstore.Store) *Resolver {
	return &Resolver{store: store, now: time.Now}
}

// Check reports whether policy can resolve a conflict of type typ.
func Check(typ domain.ConflictType, policy domain.ResolutionPolicy) error {
	switch {
	case !policy.Valid():
		return domain.Errorf(domain.KindValidation, "conflict.Check", "unknown policy %q", policy)
	case policy == domain.ResolutionManual:
		return domain.E(domain.KindResolution, "conflict.Check", domain.ErrResolutionRequired)
	case policy == domain.ResolutionCreateBoth && typ != domain.ConflictDuplicate:
		return domain.E(domain.KindResolution, "conflict.Check", fmt.Errorf("%w: %s with %s", domain.ErrUnsupportedPolicy, policy, typ))
	}
	return nil
}

// Auto applies a session's default policy. Manual, and createBoth on a
// conflict that is not a duplicate, leave the conflict unresolved; the
// returned bool reports whether it was resolved.
func (r *Resolver) Auto(ctx context.Context, c *domain.SyncConflict, policy domain.ResolutionPolicy) (domain.ApplyOutcome, bool, error) {
	if policy == domain.ResolutionManual {
		return domain.ApplyOutcome{}, false, nil
	}
	if policy == domain.ResolutionCreateBoth && c.Type != domain.ConflictDuplicate {
		c.Note = deferredCreateBoth
		return domain.ApplyOutcome{}, false, nil
	}
	out, err := r.Resolve(ctx, c, policy, "")
	if err != nil {
		return out, false, err
	}
	return out, true, nil
}

// Resolve applies policy to c and marks it resolved. The policy wins
// outright; timestamps never pick a side.
func (r *Resolver) Resolve(ctx context.Context, c *domain.SyncConflict, policy domain.ResolutionPolicy, note string) (domain.ApplyOutcome, error) {
	if c.IsResolved() {
		return domain.ApplyOutcome{}, domain.Errorf(domain.KindConflict, "conflict.Resolve", "conflict %s already resolved", c.ID)
	}
	if err := Check(c.Type, policy); err != nil {
		return domain.ApplyOutcome{}, err
	}
	if c.Remote == nil || c.Local == nil {
		return domain.ApplyOutcome{}, domain.Errorf(domain.KindResolution, "conflict.Resolve", "conflict %s lacks a version", c.ID)
	}

	var (
		out domain.ApplyOutcome
		err error
	)
	switch policy {
	case domain.ResolutionUseLocal, domain.ResolutionSkip:
		out.Skipped = 1
	case domain.ResolutionUseRemote:
		out, err = r.useRemote(ctx, c)
	case domain.ResolutionMerge:
		out, err = r.merge(ctx, c)
	case domain.ResolutionCreateBoth:
		out, err = r.store.ApplyDelta(ctx, c.Category, []domain.Record{*c.Remote}, domain.ResolutionCreateBoth)
	}
	if err != nil {
		return out, domain.E(domain.KindResolution, "conflict.Resolve", err)
	}
	if out.Failed > 0 {
		return out, domain.Errorf(domain.KindResolution, "conflict.Resolve", "record store rejected %s: %v", c.ItemID, out.Errors)
	}

	p := policy
	now := r.now()
	c.Resolution = &p
	c.ResolvedAt = &now
	if note != "" {
		c.Note = note
	}
	return out, nil
}

// useRemote overwrites the local row. A duplicate keeps the remote identity
// and retires the local one.
func (r *Resolver) useRemote(ctx context.Context, c *domain.SyncConflict) (domain.ApplyOutcome, error) {
	out, err := r.store.ApplyDelta(ctx, c.Category, []domain.Record{*c.Remote}, domain.ResolutionUseRemote)
	if err != nil || c.Type != domain.ConflictDuplicate {
		return out, err
	}
	tomb := domain.Record{
		Category:   c.Category,
		ID:         c.Local.ID,
		NaturalKey: c.Local.NaturalKey,
		ModifiedAt: r.now(),
		Deleted:    true,
	}
	retired, err := r.store.ApplyDelta(ctx, c.Category, []domain.Record{tomb}, domain.ResolutionUseRemote)
	out.Failed += retired.Failed
	for id, msg := range retired.Errors {
		if out.Errors == nil {
			out.Errors = make(map[string]string)
		}
		out.Errors[id] = msg
	}
	return out, err
}

// merge folds the remote version into the local row, keeping the local id.
func (r *Resolver) merge(ctx context.Context, c *domain.SyncConflict) (domain.ApplyOutcome, error) {
	remote := *c.Remote
	remote.ID = c.Local.ID
	return r.store.ApplyDelta(ctx, c.Category, []domain.Record{remote}, domain.ResolutionMerge)
}
