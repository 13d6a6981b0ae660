// Package registry is the catalog of devices the engine has seen or paired
// with. Every transport's sightings fan in here.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/events"
	"bizsync-p2p/internal/logging"
	"bizsync-p2p/internal/repository"
)

type Registry struct {
	selfID string
	repo   repository.DeviceRepository
	events events.Publisher
	log    *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	devices map[string]*domain.DeviceInfo
}

func New(selfID string, repo repository.DeviceRepository, pub events.Publisher, log *slog.Logger) *Registry {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Registry{
		selfID:  selfID,
		repo:    repo,
		events:  pub,
		log:     logging.Component(log, "registry"),
		now:     time.Now,
		devices: make(map[string]*domain.DeviceInfo),
	}
}

// Load restores persisted devices. Only paired devices are persisted, and
// they start offline until sighted again.
func (r *Registry) Load(ctx context.Context) error {
	stored, err := r.repo.List(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range stored {
		info := d.Clone()
		info.IsOnline = false
		r.devices[info.DeviceID] = &info
	}
	r.log.Info("registry loaded", "devices", len(stored))
	return nil
}

// Upsert merges one sighting. The entry keeps the most recent LastSeen; the
// transport set is the union of everything that has seen the device. It
// reports whether the device was previously unknown.
func (r *Registry) Upsert(ctx context.Context, s domain.Sighting) (domain.DeviceInfo, bool) {
	in := s.Device
	if in.DeviceID == "" || in.DeviceID == r.selfID {
		return domain.DeviceInfo{}, false
	}
	if in.LastSeen.IsZero() {
		in.LastSeen = r.now()
	}

	r.mu.Lock()
	cur, known := r.devices[in.DeviceID]
	var merged domain.DeviceInfo
	wasOnline := false
	if !known {
		merged = in.Clone()
		merged.IsOnline = true
		merged.IsPaired = false
	} else {
		wasOnline = cur.IsOnline
		merged = merge(*cur, in)
	}
	if s.Transport.Valid() && !merged.Supports(s.Transport) {
		merged.Transports = append(merged.Transports, s.Transport)
	}
	stored := merged.Clone()
	r.devices[in.DeviceID] = &stored
	r.mu.Unlock()

	if merged.IsPaired {
		r.persist(ctx, merged)
	}
	if !known || !wasOnline {
		out := merged.Clone()
		r.events.Publish(events.Event{Kind: events.KindDeviceDiscovered, Device: &out})
	}
	return merged, !known
}

func merge(cur, in domain.DeviceInfo) domain.DeviceInfo {
	out := cur.Clone()
	for _, t := range in.Transports {
		if !out.Supports(t) {
			out.Transports = append(out.Transports, t)
		}
	}
	if in.LastSeen.Before(cur.LastSeen) {
		// A late sighting still proves liveness but never rolls the clock back.
		out.IsOnline = true
		return out
	}

	out.LastSeen = in.LastSeen
	out.IsOnline = true
	if in.Name != "" {
		out.Name = in.Name
	}
	if in.Type != "" {
		out.Type = in.Type
	}
	if in.Platform != "" {
		out.Platform = in.Platform
	}
	if in.AppVersion != "" {
		out.AppVersion = in.AppVersion
	}
	for k, v := range in.Metadata {
		if out.Metadata == nil {
			out.Metadata = make(map[string]string)
		}
		out.Metadata[k] = v
	}
	return out
}

func (r *Registry) persist(ctx context.Context, info domain.DeviceInfo) {
	if err := r.repo.Save(ctx, &info); err != nil {
		r.log.Warn("failed to persist device", "device", info.DeviceID, "error", err)
	}
}

func (r *Registry) Get(deviceID string) (domain.DeviceInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return domain.DeviceInfo{}, domain.E(domain.KindNotFound, "registry.Get", domain.ErrDeviceNotFound)
	}
	return d.Clone(), nil
}

func (r *Registry) list(paired bool) []domain.DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.DeviceInfo
	for _, d := range r.devices {
		if d.IsPaired == paired {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (r *Registry) ListPaired() []domain.DeviceInfo {
	return r.list(true)
}

func (r *Registry) ListDiscovered() []domain.DeviceInfo {
	return r.list(false)
}

// MarkPaired records a completed pairing. The device may never have been
// sighted, in which case info seeds the entry.
func (r *Registry) MarkPaired(ctx context.Context, info domain.DeviceInfo) domain.DeviceInfo {
	r.mu.Lock()
	var out domain.DeviceInfo
	if cur, ok := r.devices[info.DeviceID]; ok {
		out = merge(*cur, info)
	} else {
		out = info.Clone()
		if out.LastSeen.IsZero() {
			out.LastSeen = r.now()
		}
		out.IsOnline = true
	}
	out.IsPaired = true
	stored := out.Clone()
	r.devices[info.DeviceID] = &stored
	r.mu.Unlock()

	r.persist(ctx, out)
	return out
}

// SetOnline flips liveness without counting as a sighting.
func (r *Registry) SetOnline(deviceID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceID]; ok {
		d.IsOnline = online
		if online {
			d.LastSeen = r.now()
		}
	}
}

func (r *Registry) Forget(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	delete(r.devices, deviceID)
	r.mu.Unlock()

	if !ok {
		return domain.E(domain.KindNotFound, "registry.Forget", domain.ErrDeviceNotFound)
	}
	if err := r.repo.Delete(ctx, deviceID); err != nil {
		return domain.E(domain.KindInternal, "registry.Forget", err)
	}

	lost := d.Clone()
	lost.IsOnline = false
	r.events.Publish(events.Event{Kind: events.KindDeviceLost, Device: &lost})
	return nil
}

// Sweep drops discovered devices not sighted within window and marks stale
// paired devices offline. It returns the dropped ids.
func (r *Registry) Sweep(window time.Duration) []string {
	cutoff := r.now().Add(-window)

	r.mu.Lock()
	var dropped []string
	var lost []domain.DeviceInfo
	for id, d := range r.devices {
		if !d.LastSeen.Before(cutoff) {
			continue
		}
		if d.IsPaired {
			if d.IsOnline {
				d.IsOnline = false
				lost = append(lost, d.Clone())
			}
			continue
		}
		delete(r.devices, id)
		dropped = append(dropped, id)
		gone := d.Clone()
		gone.IsOnline = false
		lost = append(lost, gone)
	}
	r.mu.Unlock()

	for i := range lost {
		r.events.Publish(events.Event{Kind: events.KindDeviceLost, Device: &lost[i]})
	}
	if len(dropped) > 0 {
		r.log.Debug("dropped stale devices", "count", len(dropped))
	}
	sort.Strings(dropped)
	return dropped
}
