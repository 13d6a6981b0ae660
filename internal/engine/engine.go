// Package engine assembles the sync engine from its components and owns the
// background loops that keep it running.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bizsync-p2p/internal/connection"
	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/events"
	"bizsync-p2p/internal/logging"
	"bizsync-p2p/internal/pairing"
	"bizsync-p2p/internal/recordstore"
	"bizsync-p2p/internal/registry"
	"bizsync-p2p/internal/repository"
	"bizsync-p2p/internal/secretstore"
	"bizsync-p2p/internal/session"
	"bizsync-p2p/internal/stats"
	"bizsync-p2p/internal/transport"
)

type Options struct {
	Self    domain.DeviceInfo
	Table   *transport.Table
	Repos   *repository.Repositories
	Secrets secretstore.Store
	Records recordstore.Store

	DiscoveryTimeout  time.Duration
	DiscoveryInterval time.Duration
	StaleAfter        time.Duration
	SweepInterval     time.Duration
	EventBuffer       int

	Pairing    pairing.Config
	Connection connection.Config
	Session    session.Config

	Log *slog.Logger
}

func (o *Options) setDefaults() {
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = 60 * time.Second
	}
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = 5 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 2 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 15 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.Log == nil {
		o.Log = logging.Discard()
	}
}

// Engine is the engine context: every component is built once here and
// handed its collaborators explicitly.
type Engine struct {
	opts Options
	self domain.DeviceInfo
	log  *slog.Logger

	Table       *transport.Table
	Bus         *events.Bus
	Registry    *registry.Registry
	Pairing     *pairing.Engine
	Connections *connection.Manager
	Sessions    *session.Orchestrator
	Stats       *stats.Recorder

	mu      sync.Mutex
	cancel  context.CancelFunc
	ads     []transport.Advertisement
	wg      sync.WaitGroup
	running bool
}

func New(opts Options) (*Engine, error) {
	opts.setDefaults()
	if opts.Self.DeviceID == "" {
		return nil, domain.Errorf(domain.KindValidation, "engine.New", "device id is required")
	}
	if opts.Table == nil || opts.Repos == nil || opts.Secrets == nil || opts.Records == nil {
		return nil, domain.Errorf(domain.KindValidation, "engine.New", "transport table, repositories, secret store and record store are required")
	}

	self := opts.Self.Clone()
	self.Transports = opts.Table.Types()

	e := &Engine{
		opts:  opts,
		self:  self,
		log:   logging.Component(opts.Log, "engine"),
		Table: opts.Table,
		Bus:   events.NewBus(opts.Log, opts.EventBuffer),
	}
	e.Registry = registry.New(self.DeviceID, opts.Repos.Devices, e.Bus, opts.Log)
	e.Stats = stats.NewRecorder(opts.Repos.Stats, opts.Log)
	e.Pairing = pairing.New(opts.Pairing, self, opts.Secrets, opts.Repos.Trust, e.Registry, e.Bus, nil, opts.Log)
	e.Connections = connection.NewManager(opts.Connection, self, opts.Table, e.Registry, e.Pairing, e.Pairing, e.Bus, opts.Log)
	e.Pairing.SetDialer(e.Connections.Dial)
	e.Sessions = session.New(opts.Session, self.DeviceID, e.Connections, e.Pairing, opts.Records,
		opts.Repos.SyncState, e.Stats, e.Bus, opts.Log)
	return e, nil
}

func (e *Engine) Self() domain.DeviceInfo {
	return e.self.Clone()
}

// Start restores the registry, advertises on every transport and launches
// the background loops. It returns without waiting on the network.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return domain.Errorf(domain.KindConflict, "engine.Start", "engine already running")
	}

	if err := e.Registry.Load(ctx); err != nil {
		return domain.E(domain.KindInternal, "engine.Start", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true

	e.spawn(func() { e.Bus.Run(runCtx) })
	e.ads = e.Table.AdvertiseAll(runCtx, e.self)
	e.spawn(func() { e.Connections.Run(runCtx) })
	e.spawn(func() { e.dispatch(runCtx) })
	e.spawn(func() { e.discoverLoop(runCtx) })
	e.spawn(func() { e.sweepLoop(runCtx) })

	e.log.Info("engine started", "device", e.self.DeviceID, "transports", e.self.Transports)
	return nil
}

func (e *Engine) spawn(f func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		f()
	}()
}

// Stop cancels any active session, withdraws advertisements and waits for
// the background loops to exit.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	ads := e.ads
	e.ads = nil
	cancel := e.cancel
	e.mu.Unlock()

	if s, ok := e.Sessions.Active(); ok {
		if _, err := e.Sessions.Cancel(ctx, s.ID); err != nil {
			e.log.Warn("failed to cancel session on shutdown", "session", s.ID, "error", err)
		}
	}

	var errs []error
	for _, ad := range ads {
		if err := ad.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	e.Connections.Close()
	cancel()
	e.Bus.Stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	e.log.Info("engine stopped")
	return errors.Join(errs...)
}

// dispatch is the single consumer of verified inbound traffic, so messages
// from one connection reach the orchestrator in send order.
func (e *Engine) dispatch(ctx context.Context) {
	for {
		select {
		case in := <-e.Connections.Inbound():
			if in.Lost {
				e.Sessions.PeerLost(in.DeviceID)
				continue
			}
			e.Registry.SetOnline(in.DeviceID, true)
			e.Sessions.HandleMessage(ctx, in.DeviceID, in.Message)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) discoverLoop(ctx context.Context) {
	for {
		e.discoverRound(ctx, e.opts.DiscoveryTimeout)

		select {
		case <-time.After(e.opts.DiscoveryInterval):
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) discoverRound(ctx context.Context, timeout time.Duration) map[string]domain.DeviceInfo {
	seen := make(map[string]domain.DeviceInfo)
	for s := range e.Table.DiscoverAll(ctx, timeout) {
		info, fresh := e.Registry.Upsert(ctx, s)
		if info.DeviceID == "" {
			continue
		}
		if fresh {
			e.log.Info("device discovered", "device", info.DeviceID, "transport", s.Transport)
		}
		seen[info.DeviceID] = info
	}
	return seen
}

// Discover runs one discovery round across every transport and returns the
// devices sighted, one entry per device.
func (e *Engine) Discover(ctx context.Context, timeout time.Duration) []domain.DeviceInfo {
	if timeout <= 0 {
		timeout = e.opts.DiscoveryTimeout
	}
	seen := e.discoverRound(ctx, timeout)

	out := make([]domain.DeviceInfo, 0, len(seen))
	for id := range seen {
		if info, err := e.Registry.Get(id); err == nil {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if dropped := e.Registry.Sweep(e.opts.StaleAfter); len(dropped) > 0 {
				e.log.Debug("stale devices dropped", "devices", dropped)
			}
			if n := e.Pairing.ExpireStale(); n > 0 {
				e.log.Debug("pairings expired", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Forget unpairs a device, drops any connection to it and removes it from
// the registry.
func (e *Engine) Forget(ctx context.Context, deviceID string) error {
	if err := e.Pairing.Unpair(ctx, deviceID); err != nil {
		return err
	}
	if err := e.Connections.Disconnect(deviceID); err != nil {
		e.log.Debug("disconnect on forget", "device", deviceID, "error", err)
	}
	return e.Registry.Forget(ctx, deviceID)
}

// Connect opens an authenticated connection to a paired device.
func (e *Engine) Connect(ctx context.Context, deviceID string) (domain.P2PConnection, error) {
	c, err := e.Connections.Connect(ctx, deviceID)
	if err != nil {
		return c, err
	}
	e.Registry.SetOnline(deviceID, true)
	return c, nil
}

// StartSync connects to every listed device that is not yet connected and
// starts a session with all of them.
func (e *Engine) StartSync(ctx context.Context, deviceIDs []string, cfg domain.SyncConfiguration) (*domain.SyncSession, error) {
	for _, id := range deviceIDs {
		if e.Connections.IsConnected(id) {
			continue
		}
		if _, err := e.Connect(ctx, id); err != nil {
			return nil, err
		}
	}
	return e.Sessions.Start(ctx, deviceIDs, cfg)
}
