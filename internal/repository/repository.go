// Package repository persists the engine's non-secret state: known devices,
// trust records, sync statistics and per-peer sync points. CouchDB is the
// durable backend; the in-memory variants back tests and single-run demos.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-kivik/kivik/v4"

	"bizsync-p2p/internal/domain"
)

type DeviceRepository interface {
	Save(ctx context.Context, device *domain.DeviceInfo) error
	FindByID(ctx context.Context, deviceID string) (*domain.DeviceInfo, error)
	List(ctx context.Context) ([]*domain.DeviceInfo, error)
	Delete(ctx context.Context, deviceID string) error
}

type TrustRepository interface {
	Save(ctx context.Context, trust *domain.TrustRecord) error
	FindByDevice(ctx context.Context, deviceID string) (*domain.TrustRecord, error)
	List(ctx context.Context) ([]*domain.TrustRecord, error)
	Delete(ctx context.Context, deviceID string) error
}

type StatsRepository interface {
	Get(ctx context.Context, deviceID string) (*domain.SyncStats, error)
	Save(ctx context.Context, stats *domain.SyncStats) error
}

type SyncStateRepository interface {
	Get(ctx context.Context, peerDeviceID string) (*domain.SyncState, error)
	Save(ctx context.Context, state *domain.SyncState) error
}

// Repositories bundles one backend's implementations.
type Repositories struct {
	Devices   DeviceRepository
	Trust     TrustRepository
	Stats     StatsRepository
	SyncState SyncStateRepository
}

func NewCouch(client *kivik.Client, dbName string) *Repositories {
	return &Repositories{
		Devices:   NewDeviceRepository(client, dbName),
		Trust:     NewTrustRepository(client, dbName),
		Stats:     NewStatsRepository(client, dbName),
		SyncState: NewSyncStateRepository(client, dbName),
	}
}

// EnsureDB creates the database on first start.
func EnsureDB(ctx context.Context, client *kivik.Client, dbName string) (bool, error) {
	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return false, fmt.Errorf("failed to check database existence: %w", err)
	}
	if exists {
		return false, nil
	}
	if err := client.CreateDB(ctx, dbName); err != nil {
		return false, fmt.Errorf("failed to create database: %w", err)
	}
	return true, nil
}

// putDoc writes v under docID, carrying over the current revision so the
// write is an upsert. doc_type lets list queries select one entity kind.
func putDoc(ctx context.Context, db *kivik.DB, docID, docType string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	doc["doc_type"] = docType

	rev, err := db.GetRev(ctx, docID)
	switch {
	case err == nil:
		doc["_rev"] = rev
	case kivik.HTTPStatus(err) == http.StatusNotFound:
	default:
		return err
	}

	_, err = db.Put(ctx, docID, doc)
	return err
}

// getDoc reports found=false instead of an error when docID does not exist.
func getDoc(ctx context.Context, db *kivik.DB, docID string, v interface{}) (bool, error) {
	if err := db.Get(ctx, docID).ScanDoc(v); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func deleteDoc(ctx context.Context, db *kivik.DB, docID string) error {
	rev, err := db.GetRev(ctx, docID)
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil
		}
		return err
	}
	_, err = db.Delete(ctx, docID, rev)
	return err
}

func findByType(ctx context.Context, db *kivik.DB, docType string) *kivik.ResultSet {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type": docType,
		},
	}
	return db.Find(ctx, query)
}
