package recordstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/sqlitedb"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	category TEXT NOT NULL,
	id TEXT NOT NULL,
	natural_key TEXT NOT NULL DEFAULT '',
	data TEXT,
	modified_at INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (category, id)
);

CREATE INDEX IF NOT EXISTS idx_records_modified ON records(category, modified_at);
CREATE INDEX IF NOT EXISTS idx_records_natural_key ON records(category, natural_key);
`

type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sqlitedb.Open(path, schema)
	if err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsert(ctx context.Context, ex execer, rec domain.Record) error {
	var data any
	if len(rec.Data) > 0 {
		data = string(rec.Data)
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO records (category, id, natural_key, data, modified_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(category, id) DO UPDATE SET
			natural_key = excluded.natural_key,
			data = excluded.data,
			modified_at = excluded.modified_at,
			deleted = excluded.deleted
	`, rec.Category, rec.ID, rec.NaturalKey, data, rec.ModifiedAt.UTC().UnixNano(), rec.Deleted)
	return err
}

func (s *SQLite) Put(ctx context.Context, rec domain.Record) error {
	if err := validRecord(rec.Category, rec); err != nil {
		return domain.E(domain.KindValidation, "recordstore.Put", err)
	}
	if err := upsert(ctx, s.db, rec); err != nil {
		return domain.E(domain.KindInternal, "recordstore.Put", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, category domain.Category) (domain.Record, error) {
	var (
		rec      domain.Record
		data     sql.NullString
		modified int64
	)
	if err := row.Scan(&rec.ID, &rec.NaturalKey, &data, &modified, &rec.Deleted); err != nil {
		return rec, err
	}
	rec.Category = category
	if data.Valid {
		rec.Data = []byte(data.String)
	}
	rec.ModifiedAt = time.Unix(0, modified).UTC()
	return rec, nil
}

func (s *SQLite) ReadDelta(ctx context.Context, category domain.Category, since time.Time) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, natural_key, data, modified_at, deleted
		FROM records
		WHERE category = ? AND modified_at > ?
		ORDER BY modified_at, id
	`, category, since.UTC().UnixNano())
	if err != nil {
		return nil, domain.E(domain.KindInternal, "recordstore.ReadDelta", err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows, category)
		if err != nil {
			return nil, domain.E(domain.KindInternal, "recordstore.ReadDelta", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.E(domain.KindInternal, "recordstore.ReadDelta", err)
	}
	return out, nil
}

func lookup(ctx context.Context, q querier, category domain.Category, id string) (*domain.Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, natural_key, data, modified_at, deleted
		FROM records WHERE category = ? AND id = ?
	`, category, id)
	rec, err := scanRecord(row, category)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLite) Lookup(ctx context.Context, category domain.Category, id string) (*domain.Record, error) {
	rec, err := lookup(ctx, s.db, category, id)
	if err != nil {
		return nil, domain.E(domain.KindInternal, "recordstore.Lookup", err)
	}
	return rec, nil
}

func (s *SQLite) FindByNaturalKey(ctx context.Context, category domain.Category, key string) (*domain.Record, error) {
	if key == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, natural_key, data, modified_at, deleted
		FROM records WHERE category = ? AND natural_key = ? AND deleted = 0
		ORDER BY id LIMIT 1
	`, category, key)
	rec, err := scanRecord(row, category)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.E(domain.KindInternal, "recordstore.FindByNaturalKey", err)
	}
	return &rec, nil
}

// ApplyDelta writes one batch in a single transaction. Per-record validation
// failures are counted, not fatal; a storage failure rolls the batch back.
func (s *SQLite) ApplyDelta(ctx context.Context, category domain.Category, records []domain.Record, strategy domain.ResolutionPolicy) (domain.ApplyOutcome, error) {
	var out domain.ApplyOutcome
	if err := checkStrategy(strategy); err != nil {
		return out, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, domain.E(domain.KindInternal, "recordstore.ApplyDelta", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if err := validRecord(category, rec); err != nil {
			out.Add(domain.ApplyOutcome{Failed: 1, Errors: map[string]string{rec.ID: err.Error()}})
			continue
		}
		local, err := lookup(ctx, tx, category, rec.ID)
		if err != nil {
			return domain.ApplyOutcome{}, domain.E(domain.KindInternal, "recordstore.ApplyDelta", err)
		}
		next, changed := resolve(local, rec, strategy)
		if !changed {
			out.Skipped++
			continue
		}
		if err := upsert(ctx, tx, next); err != nil {
			return domain.ApplyOutcome{}, domain.E(domain.KindInternal, "recordstore.ApplyDelta", err)
		}
		out.Applied++
	}

	if err := tx.Commit(); err != nil {
		return domain.ApplyOutcome{}, domain.E(domain.KindInternal, "recordstore.ApplyDelta", err)
	}
	return out, nil
}
