package recordstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizsync-p2p/internal/domain"
)

type testStore interface {
	Store
	Writer
}

func stores(t *testing.T) map[string]testStore {
	t.Helper()
	lite, err := OpenSQLite(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { lite.Close() })
	return map[string]testStore{
		"memory": NewMemory(),
		"sqlite": lite,
	}
}

var base = time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)

func rec(id, data string, at time.Duration) domain.Record {
	return domain.Record{
		Category:   domain.CategoryCustomers,
		ID:         id,
		Data:       json.RawMessage(data),
		ModifiedAt: base.Add(at),
	}
}

func TestReadDeltaAndLookup(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, rec("c1", `{"name":"Ana"}`, 0)))
			require.NoError(t, s.Put(ctx, rec("c2", `{"name":"Ben"}`, time.Hour)))
			gone := rec("c3", ``, 2*time.Hour)
			gone.Deleted = true
			require.NoError(t, s.Put(ctx, gone))

			delta, err := s.ReadDelta(ctx, domain.CategoryCustomers, base)
			require.NoError(t, err)
			require.Len(t, delta, 2)
			assert.Equal(t, "c2", delta[0].ID)
			assert.True(t, delta[1].Deleted)

			got, err := s.Lookup(ctx, domain.CategoryCustomers, "c3")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.Deleted)

			missing, err := s.Lookup(ctx, domain.CategoryCustomers, "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)
		})
	}
}

func TestFindByNaturalKey(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := rec("c1", `{"tax_id":"X1"}`, 0)
			r.NaturalKey = "X1"
			require.NoError(t, s.Put(ctx, r))

			got, err := s.FindByNaturalKey(ctx, domain.CategoryCustomers, "X1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "c1", got.ID)

			got, err = s.FindByNaturalKey(ctx, domain.CategoryCustomers, "")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestApplyDelta(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, rec("c1", `{"name":"Ana","city":"Lima"}`, 0)))

			out, err := s.ApplyDelta(ctx, domain.CategoryCustomers, []domain.Record{
				rec("c1", `{"name":"Ana","city":"Lima"}`, time.Minute),
				rec("c2", `{"name":"Ben"}`, time.Minute),
				{Category: domain.CategoryProducts, ID: "p1"},
			}, domain.ResolutionUseRemote)
			require.NoError(t, err)
			assert.Equal(t, 1, out.Applied)
			assert.Equal(t, 1, out.Skipped)
			assert.Equal(t, 1, out.Failed)
			assert.Contains(t, out.Errors, "p1")

			out, err = s.ApplyDelta(ctx, domain.CategoryCustomers, []domain.Record{
				rec("c1", `{"city":"Cusco","phone":"555"}`, time.Hour),
			}, domain.ResolutionMerge)
			require.NoError(t, err)
			assert.Equal(t, 1, out.Applied)

			got, err := s.Lookup(ctx, domain.CategoryCustomers, "c1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"name":"Ana","city":"Cusco","phone":"555"}`, string(got.Data))

			_, err = s.ApplyDelta(ctx, domain.CategoryCustomers, nil, domain.ResolutionManual)
			assert.True(t, domain.IsKind(err, domain.KindValidation))
		})
	}
}

func TestMergeRecords_NewerFieldWins(t *testing.T) {
	local := rec("c1", `{"name":"Ana","city":"Lima"}`, 2*time.Hour)
	remote := rec("c1", `{"name":"Anna","phone":"555"}`, time.Hour)

	merged := MergeRecords(local, remote)
	assert.JSONEq(t, `{"name":"Ana","city":"Lima","phone":"555"}`, string(merged.Data))
	assert.Equal(t, local.ModifiedAt, merged.ModifiedAt)

	dead := remote
	dead.Deleted = true
	dead.ModifiedAt = base.Add(3 * time.Hour)
	assert.True(t, MergeRecords(local, dead).Deleted)
}
