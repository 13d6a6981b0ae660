package repository

import (
	"context"
	"fmt"

	"github.com/go-kivik/kivik/v4"

	"bizsync-p2p/internal/domain"
)

// trustRepository stores which device a pairing secret belongs to. The
// secret itself never reaches CouchDB.
type trustRepository struct {
	client *kivik.Client
	dbName string
}

func NewTrustRepository(client *kivik.Client, dbName string) TrustRepository {
	return &trustRepository{
		client: client,
		dbName: dbName,
	}
}

func (r *trustRepository) Save(ctx context.Context, trust *domain.TrustRecord) error {
	db := r.client.DB(r.dbName)

	docID := fmt.Sprintf("trust:%s", trust.DeviceID)
	if err := putDoc(ctx, db, docID, "trust", trust); err != nil {
		return fmt.Errorf("failed to save trust record: %w", err)
	}

	return nil
}

func (r *trustRepository) FindByDevice(ctx context.Context, deviceID string) (*domain.TrustRecord, error) {
	db := r.client.DB(r.dbName)

	var trust domain.TrustRecord
	found, err := getDoc(ctx, db, fmt.Sprintf("trust:%s", deviceID), &trust)
	if err != nil {
		return nil, fmt.Errorf("failed to get trust record: %w", err)
	}
	if !found {
		return nil, domain.ErrNotPaired
	}

	return &trust, nil
}

func (r *trustRepository) List(ctx context.Context) ([]*domain.TrustRecord, error) {
	db := r.client.DB(r.dbName)

	rows := findByType(ctx, db, "trust")
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list trust records: %w", err)
	}
	defer rows.Close()

	var out []*domain.TrustRecord
	for rows.Next() {
		var trust domain.TrustRecord
		if err := rows.ScanDoc(&trust); err != nil {
			continue
		}
		out = append(out, &trust)
	}

	return out, nil
}

func (r *trustRepository) Delete(ctx context.Context, deviceID string) error {
	db := r.client.DB(r.dbName)

	if err := deleteDoc(ctx, db, fmt.Sprintf("trust:%s", deviceID)); err != nil {
		return fmt.Errorf("failed to delete trust record: %w", err)
	}

	return nil
}
