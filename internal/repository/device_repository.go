package repository

import (
	"context"
	"fmt"

	"github.com/go-kivik/kivik/v4"

	"bizsync-p2p/internal/domain"
)

type deviceRepository struct {
	client *kivik.Client
	dbName string
}

func NewDeviceRepository(client *kivik.Client, dbName string) DeviceRepository {
	return &deviceRepository{
		client: client,
		dbName: dbName,
	}
}

func (r *deviceRepository) Save(ctx context.Context, device *domain.DeviceInfo) error {
	db := r.client.DB(r.dbName)

	docID := fmt.Sprintf("device:%s", device.DeviceID)
	if err := putDoc(ctx, db, docID, "device", device); err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}

	return nil
}

func (r *deviceRepository) FindByID(ctx context.Context, deviceID string) (*domain.DeviceInfo, error) {
	db := r.client.DB(r.dbName)

	var device domain.DeviceInfo
	found, err := getDoc(ctx, db, fmt.Sprintf("device:%s", deviceID), &device)
	if err != nil {
		return nil, fmt.Errorf("failed to find device: %w", err)
	}
	if !found {
		return nil, domain.ErrDeviceNotFound
	}

	return &device, nil
}

func (r *deviceRepository) List(ctx context.Context) ([]*domain.DeviceInfo, error) {
	db := r.client.DB(r.dbName)

	rows := findByType(ctx, db, "device")
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*domain.DeviceInfo
	for rows.Next() {
		var device domain.DeviceInfo
		if err := rows.ScanDoc(&device); err != nil {
			continue // Skip malformed docs
		}
		devices = append(devices, &device)
	}

	return devices, nil
}

func (r *deviceRepository) Delete(ctx context.Context, deviceID string) error {
	db := r.client.DB(r.dbName)

	if err := deleteDoc(ctx, db, fmt.Sprintf("device:%s", deviceID)); err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}

	return nil
}
