// Package session runs synchronization sessions: it negotiates scope with
// every participant, streams record deltas both ways and reports progress
// until the session reaches a terminal state.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bizsync-p2p/internal/conflict"
	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/events"
	"bizsync-p2p/internal/logging"
	"bizsync-p2p/internal/protocol"
	"bizsync-p2p/internal/recordstore"
	"bizsync-p2p/internal/repository"
	"bizsync-p2p/internal/stats"
)

type Config struct {
	ChunkSize       int
	SendWindow      int
	ResponseTimeout time.Duration
	AckTimeout      time.Duration
	SettleTimeout   time.Duration
	HistorySize     int
}

func (c *Config) setDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 50
	}
	if c.SendWindow <= 0 {
		c.SendWindow = 4
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 15 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 15 * time.Second
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 3 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
}

// Connections is the slice of the connection manager sessions use.
type Connections interface {
	IsConnected(deviceID string) bool
	Get(deviceID string) (domain.P2PConnection, error)
	Send(ctx context.Context, deviceID string, msgType protocol.MessageType, payload interface{}) error
	MarkSyncing(deviceID string, syncing bool)
}

type TrustSource interface {
	Trust(ctx context.Context, deviceID string) (string, []byte, error)
}

type StatsSink interface {
	Record(ctx context.Context, run stats.Run) error
}

type Orchestrator struct {
	cfg      Config
	selfID   string
	conns    Connections
	trust    TrustSource
	store    recordstore.Store
	state    repository.SyncStateRepository
	stats    StatsSink
	detector *conflict.Detector
	resolver *conflict.Resolver
	events   events.Publisher
	validate *validator.Validate
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	active  *run
	history map[string]*run
	order   []string
}

func New(cfg Config, selfID string, conns Connections, trust TrustSource, store recordstore.Store,
	state repository.SyncStateRepository, sink StatsSink, pub events.Publisher, log *slog.Logger) *Orchestrator {
	cfg.setDefaults()
	if pub == nil {
		pub = events.Nop{}
	}
	return &Orchestrator{
		cfg:      cfg,
		selfID:   selfID,
		conns:    conns,
		trust:    trust,
		store:    store,
		state:    state,
		stats:    sink,
		detector: conflict.NewDetector(store),
		resolver: conflict.NewResolver(store),
		events:   pub,
		validate: validator.New(),
		log:      logging.Component(log, "session"),
		now:      time.Now,
		history:  make(map[string]*run),
	}
}

func (o *Orchestrator) checkConfig(cfg domain.SyncConfiguration) error {
	if err := o.validate.Struct(cfg); err != nil {
		return domain.E(domain.KindValidation, "session.config", err)
	}
	if err := cfg.Check(); err != nil {
		return domain.E(domain.KindValidation, "session.config", err)
	}
	return nil
}

// claim installs r as the active session unless another is still running.
func (o *Orchestrator) claim(r *run) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil && !o.active.terminal() {
		return domain.E(domain.KindConflict, "session.Start", domain.ErrSessionActive)
	}
	o.active = r
	return nil
}

// retire moves a finished run to history.
func (o *Orchestrator) retire(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == r {
		o.active = nil
	}
	o.history[r.id] = r
	o.order = append(o.order, r.id)
	for len(o.order) > o.cfg.HistorySize {
		delete(o.history, o.order[0])
		o.order = o.order[1:]
	}
}

func (o *Orchestrator) lookup(sessionID string) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil && o.active.id == sessionID {
		return o.active, nil
	}
	if r, ok := o.history[sessionID]; ok {
		return r, nil
	}
	return nil, domain.E(domain.KindNotFound, "session", domain.ErrSessionNotFound)
}

func (o *Orchestrator) current() *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Start begins a session with every device in deviceIDs. It returns once the
// session exists; progress and the terminal state arrive as events, or via
// Wait.
func (o *Orchestrator) Start(ctx context.Context, deviceIDs []string, cfg domain.SyncConfiguration) (*domain.SyncSession, error) {
	if err := o.checkConfig(cfg); err != nil {
		return nil, err
	}
	peers := slices.Clone(deviceIDs)
	sort.Strings(peers)
	peers = slices.Compact(peers)
	if len(peers) == 0 {
		return nil, domain.Errorf(domain.KindValidation, "session.Start", "no participants")
	}
	for _, id := range peers {
		if id == o.selfID {
			return nil, domain.Errorf(domain.KindValidation, "session.Start", "cannot sync with self")
		}
		if !o.conns.IsConnected(id) {
			return nil, domain.E(domain.KindSession, "session.Start", fmt.Errorf("%w: %s", domain.ErrNotConnected, id))
		}
	}

	id := uuid.New().String()
	links := make(map[string]*peerLink, len(peers))
	for _, peer := range peers {
		_, secret, err := o.trust.Trust(ctx, peer)
		if err != nil {
			return nil, err
		}
		links[peer] = newLink(peer, secret, id)
	}

	r := newRun(o, id, o.selfID, append([]string{o.selfID}, peers...), cfg, links)
	if err := o.claim(r); err != nil {
		return nil, err
	}
	r.publish()
	o.log.Info("sync session started", "session", r.id, "participants", peers)

	go r.runInitiator()
	return r.snapshot(), nil
}

// negotiate sends the request to every participant at once and waits for
// all of them to accept.
func (r *run) negotiate() error {
	g, ctx := errgroup.WithContext(r.ctx)
	for _, l := range r.linkList() {
		g.Go(func() error {
			since, err := r.o.baselineFor(ctx, l.deviceID)
			if err != nil {
				return err
			}
			r.mu.Lock()
			l.since = since
			r.mu.Unlock()
			if err := r.plan(ctx, l); err != nil {
				return err
			}
			err = r.o.conns.Send(ctx, l.deviceID, protocol.TypeSyncRequest, protocol.SyncRequestPayload{
				SessionID:    r.id,
				Config:       r.cfg,
				Participants: r.participants(),
				Since:        since,
				TotalItems:   l.outItems,
				TotalBytes:   l.outBytes,
			})
			if err != nil {
				return err
			}

			timer := time.NewTimer(r.o.cfg.ResponseTimeout)
			defer timer.Stop()
			select {
			case resp := <-l.responses:
				if !resp.Accepted {
					return domain.E(domain.KindSession, "session.negotiate",
						fmt.Errorf("%w: %s: %s", domain.ErrPeerRejected, l.deviceID, resp.Reason))
				}
				r.mu.Lock()
				l.inItems = resp.TotalItems
				l.inBytes = resp.TotalBytes
				if resp.Since.Before(l.since) {
					l.since = resp.Since
				}
				r.recountLocked()
				r.mu.Unlock()
				return nil
			case <-timer.C:
				return domain.Errorf(domain.KindSession, "session.negotiate", "%s did not answer the sync request", l.deviceID)
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

func (r *run) runInitiator() {
	if err := r.negotiate(); err != nil {
		if r.terminal() {
			return
		}
		r.fail(err)
		return
	}
	r.activate()
	r.stream()
}

// HandleMessage routes one verified sync message from deviceID.
func (o *Orchestrator) HandleMessage(ctx context.Context, deviceID string, msg *protocol.Message) {
	var err error
	switch msg.Type {
	case protocol.TypeSyncRequest:
		err = o.handleRequest(ctx, deviceID, msg)
	case protocol.TypeSyncResponse:
		var p protocol.SyncResponsePayload
		if err = msg.UnmarshalPayload(&p); err == nil {
			if l := o.linkFor(p.SessionID, deviceID); l != nil {
				select {
				case l.responses <- p:
				default:
				}
			}
		}
	case protocol.TypeDataChunk:
		var p protocol.DataChunkPayload
		if err = msg.UnmarshalPayload(&p); err == nil {
			if r := o.runFor(p.SessionID, deviceID); r != nil {
				r.receiveChunk(ctx, deviceID, p)
			}
		}
	case protocol.TypeAcknowledgment:
		var p protocol.AckPayload
		if err = msg.UnmarshalPayload(&p); err == nil {
			if l := o.linkFor(p.SessionID, deviceID); l != nil {
				select {
				case l.acks <- p:
				default:
					o.log.Warn("unexpected acknowledgment", "session", p.SessionID, "sequence", p.Sequence)
				}
			}
		}
	case protocol.TypeConflictNotification:
		var p protocol.ConflictNotificationPayload
		if err = msg.UnmarshalPayload(&p); err == nil {
			o.log.Info("peer reported conflicts", "device", deviceID, "session", p.SessionID, "count", len(p.Conflicts))
		}
	case protocol.TypeProgressUpdate:
		var p protocol.ProgressPayload
		if err = msg.UnmarshalPayload(&p); err == nil {
			if r := o.runFor(p.SessionID, deviceID); r != nil {
				r.peerFinished(deviceID, p)
			}
		}
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err = msg.UnmarshalPayload(&p); err == nil {
			if r := o.runFor(p.SessionID, deviceID); r != nil {
				r.peerError(deviceID, p)
			}
		}
	default:
		return
	}
	if err != nil {
		o.log.Warn("dropping sync message", "device", deviceID, "type", msg.Type, "error", err)
	}
}

func (o *Orchestrator) runFor(sessionID, deviceID string) *run {
	r := o.current()
	if r == nil || r.id != sessionID || r.links[deviceID] == nil {
		return nil
	}
	return r
}

func (o *Orchestrator) linkFor(sessionID, deviceID string) *peerLink {
	if r := o.runFor(sessionID, deviceID); r != nil {
		return r.links[deviceID]
	}
	return nil
}

func (o *Orchestrator) handleRequest(ctx context.Context, deviceID string, msg *protocol.Message) error {
	var req protocol.SyncRequestPayload
	if err := msg.UnmarshalPayload(&req); err != nil {
		return err
	}
	refuse := func(reason string) error {
		o.log.Info("refusing sync request", "device", deviceID, "session", req.SessionID, "reason", reason)
		return o.conns.Send(ctx, deviceID, protocol.TypeSyncResponse, protocol.SyncResponsePayload{
			SessionID: req.SessionID,
			Accepted:  false,
			Reason:    reason,
		})
	}

	if req.SessionID == "" {
		return refuse("missing session id")
	}
	if err := o.checkConfig(req.Config); err != nil {
		return refuse("invalid configuration: " + err.Error())
	}
	_, secret, err := o.trust.Trust(ctx, deviceID)
	if err != nil {
		return refuse("not paired")
	}

	since, err := o.baselineFor(ctx, deviceID)
	if err != nil {
		return refuse("failed to read sync state")
	}
	if req.Since.Before(since) {
		since = req.Since
	}
	l := newLink(deviceID, secret, req.SessionID)
	l.since = since
	l.inItems = req.TotalItems
	l.inBytes = req.TotalBytes

	participants := req.Participants
	if !slices.Contains(participants, deviceID) {
		participants = append([]string{deviceID}, participants...)
	}
	r := newRun(o, req.SessionID, deviceID, participants, req.Config, map[string]*peerLink{deviceID: l})
	if err := o.claim(r); err != nil {
		return refuse("busy")
	}
	r.publish()

	if err := r.plan(r.ctx, l); err != nil {
		r.fail(err)
		return refuse("failed to read local changes")
	}

	// The reply goes out before any chunk so the initiator sees acceptance
	// first on this connection.
	if err := o.conns.Send(ctx, deviceID, protocol.TypeSyncResponse, protocol.SyncResponsePayload{
		SessionID:  r.id,
		Accepted:   true,
		TotalItems: l.outItems,
		TotalBytes: l.outBytes,
		Since:      l.since,
	}); err != nil {
		r.fail(err)
		return err
	}
	o.log.Info("sync session accepted", "session", r.id, "initiator", deviceID)

	r.activate()
	go r.stream()
	return nil
}

// PeerLost fails the active session when one of its participants drops.
func (o *Orchestrator) PeerLost(deviceID string) {
	r := o.current()
	if r == nil || r.links[deviceID] == nil || r.terminal() {
		return
	}
	r.fail(domain.E(domain.KindSession, "session", fmt.Errorf("%w: connection to %s lost", domain.ErrChannelClosed, deviceID)))
}

// Cancel stops the session cooperatively. It returns once the session is
// terminal, which takes at most the settle timeout.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) (*domain.SyncSession, error) {
	r, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if r.terminal() {
		snap := r.snapshot()
		if snap.State == domain.SessionCancelled {
			return snap, nil
		}
		return snap, domain.Errorf(domain.KindSession, "session.Cancel", "session already %s", snap.State)
	}
	r.cancelLocal(ctx)
	return r.snapshot(), nil
}

func (o *Orchestrator) Pause(sessionID string) (*domain.SyncSession, error) {
	r, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if err := r.setPaused(true); err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

func (o *Orchestrator) Resume(sessionID string) (*domain.SyncSession, error) {
	r, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if err := r.setPaused(false); err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// Wait blocks until the session is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, sessionID string) (*domain.SyncSession, error) {
	r, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

func (o *Orchestrator) Get(sessionID string) (*domain.SyncSession, error) {
	r, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// Active returns the running session, if any.
func (o *Orchestrator) Active() (*domain.SyncSession, bool) {
	r := o.current()
	if r == nil {
		return nil, false
	}
	return r.snapshot(), true
}

func (o *Orchestrator) List() []*domain.SyncSession {
	o.mu.Lock()
	runs := make([]*run, 0, len(o.order)+1)
	for _, id := range o.order {
		runs = append(runs, o.history[id])
	}
	if o.active != nil {
		runs = append(runs, o.active)
	}
	o.mu.Unlock()

	out := make([]*domain.SyncSession, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	return out
}

// ResolveConflict applies an explicit policy to a deferred conflict.
func (o *Orchestrator) ResolveConflict(ctx context.Context, sessionID, conflictID string,
	policy domain.ResolutionPolicy, note string) (domain.SyncConflict, error) {
	r, err := o.lookup(sessionID)
	if err != nil {
		return domain.SyncConflict{}, err
	}
	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()

	r.mu.Lock()
	idx := slices.IndexFunc(r.session.Conflicts, func(c domain.SyncConflict) bool { return c.ID == conflictID })
	if idx < 0 {
		r.mu.Unlock()
		return domain.SyncConflict{}, domain.E(domain.KindNotFound, "session.ResolveConflict", domain.ErrConflictNotFound)
	}
	c := r.session.Conflicts[idx].Clone()
	r.mu.Unlock()

	if _, err := o.resolver.Resolve(ctx, &c, policy, note); err != nil {
		return domain.SyncConflict{}, err
	}

	r.mu.Lock()
	r.session.Conflicts[idx] = c.Clone()
	r.mu.Unlock()

	o.events.Publish(events.Event{Kind: events.KindConflictDetected, Conflict: &c})
	r.publish()
	return c, nil
}
