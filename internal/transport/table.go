package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/logging"
)

// Table holds at most one implementation per transport type. The engine only
// ever talks to transports through it.
type Table struct {
	mu    sync.RWMutex
	slots [domain.NumTransportTypes]Transport
	log   *slog.Logger
}

func NewTable(log *slog.Logger) *Table {
	return &Table{log: logging.Component(log, "transport")}
}

func (t *Table) Register(tr Transport) error {
	typ := tr.Type()
	if !typ.Valid() {
		return fmt.Errorf("invalid transport type %d", typ)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.slots[typ] != nil {
		return fmt.Errorf("transport %s already registered", typ)
	}
	t.slots[typ] = tr
	return nil
}

func (t *Table) Get(typ domain.TransportType) (Transport, bool) {
	if !typ.Valid() {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr := t.slots[typ]
	return tr, tr != nil
}

// All returns the registered transports in table order.
func (t *Table) All() []Transport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Transport
	for _, tr := range t.slots {
		if tr != nil {
			out = append(out, tr)
		}
	}
	return out
}

func (t *Table) Types() []domain.TransportType {
	var out []domain.TransportType
	for _, tr := range t.All() {
		out = append(out, tr.Type())
	}
	return out
}

// AdvertiseAll advertises on every transport. Failures stay local to the
// failing transport; the returned advertisements are the ones that started.
func (t *Table) AdvertiseAll(ctx context.Context, self domain.DeviceInfo) []Advertisement {
	var ads []Advertisement
	for _, tr := range t.All() {
		ad, err := tr.Advertise(ctx, self)
		if err != nil {
			t.log.Warn("advertise failed", "transport", tr.Type(), "error", err)
			continue
		}
		ads = append(ads, ad)
	}
	return ads
}

// DiscoverAll runs one discovery round on every transport concurrently and
// fans the sightings into a single stream, closed once every transport's
// round has ended.
func (t *Table) DiscoverAll(ctx context.Context, timeout time.Duration) <-chan domain.Sighting {
	out := make(chan domain.Sighting, 64)
	var wg sync.WaitGroup

	for _, tr := range t.All() {
		wg.Add(1)
		go func(tr Transport) {
			defer wg.Done()

			sightings, err := tr.Discover(ctx, timeout)
			if err != nil {
				t.log.Warn("discovery failed", "transport", tr.Type(), "error", err)
				return
			}
			for info := range sightings {
				select {
				case out <- domain.Sighting{Transport: tr.Type(), Device: info}:
				case <-ctx.Done():
					return
				}
			}
		}(tr)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

func (t *Table) Close() error {
	var firstErr error
	for _, tr := range t.All() {
		if err := tr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
