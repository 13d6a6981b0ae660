package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/events"
	"bizsync-p2p/internal/logging"
	"bizsync-p2p/internal/protocol"
	"bizsync-p2p/internal/recordstore"
	"bizsync-p2p/internal/repository"
	"bizsync-p2p/internal/stats"
)

var sharedSecret = []byte("0123456789abcdef0123456789abcdef")

type envelope struct {
	from string
	msg  *protocol.Message
}

// network routes messages between nodes. Each node drains its inbox on one
// goroutine, the way the engine's dispatcher does.
type network struct {
	mu    sync.Mutex
	nodes map[string]*node
}

type node struct {
	id      string
	net     *network
	orch    *Orchestrator
	store   *recordstore.Memory
	repos   *repository.Repositories
	trusted map[string]bool
	inbox   chan envelope
	mute    bool
	seen    *progressLog
	// answerDelay holds back this node's handling of sync requests.
	answerDelay time.Duration
}

type progressLog struct {
	mu       sync.Mutex
	pct      []float64
	progress []domain.SyncProgress
}

func (p *progressLog) Publish(ev events.Event) {
	if ev.Kind != events.KindProgressUpdated {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pct = append(p.pct, ev.Progress.Percentage)
	p.progress = append(p.progress, *ev.Progress)
}

func (p *progressLog) updates() []domain.SyncProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.SyncProgress(nil), p.progress...)
}

func (p *progressLog) all() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.pct...)
}

func newNetwork() *network {
	return &network{nodes: make(map[string]*node)}
}

func (n *network) add(t *testing.T, id string, cfg Config, mute bool) *node {
	t.Helper()
	nd := &node{
		id:      id,
		net:     n,
		store:   recordstore.NewMemory(),
		repos:   repository.NewMemory(),
		trusted: make(map[string]bool),
		inbox:   make(chan envelope, 1024),
		mute:    mute,
		seen:    &progressLog{},
	}
	nd.orch = New(cfg, id, nd, nd, nd.store, nd.repos.SyncState,
		stats.NewRecorder(nd.repos.Stats, logging.Discard()), nd.seen, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case env := <-nd.inbox:
				if nd.mute {
					continue
				}
				if env.msg.Type == protocol.TypeSyncRequest && nd.answerDelay > 0 {
					time.Sleep(nd.answerDelay)
				}
				nd.orch.HandleMessage(ctx, env.from, env.msg)
			case <-ctx.Done():
				return
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	n.mu.Lock()
	n.nodes[id] = nd
	n.mu.Unlock()
	return nd
}

func (n *network) peer(id string) *node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[id]
}

func trust(a, b *node) {
	a.trusted[b.id] = true
	b.trusted[a.id] = true
}

func (nd *node) Trust(_ context.Context, deviceID string) (string, []byte, error) {
	if !nd.trusted[deviceID] {
		return "", nil, domain.E(domain.KindAuthentication, "trust", domain.ErrNotPaired)
	}
	return "pairing-" + deviceID, sharedSecret, nil
}

func (nd *node) IsConnected(deviceID string) bool {
	return nd.net.peer(deviceID) != nil
}

func (nd *node) Get(deviceID string) (domain.P2PConnection, error) {
	if !nd.IsConnected(deviceID) {
		return domain.P2PConnection{}, domain.E(domain.KindNotFound, "conn", domain.ErrNotConnected)
	}
	return domain.P2PConnection{RemoteDeviceID: deviceID, Transport: domain.TransportTCP, State: domain.ConnectionConnected}, nil
}

func (nd *node) Send(ctx context.Context, deviceID string, msgType protocol.MessageType, payload interface{}) error {
	to := nd.net.peer(deviceID)
	if to == nil {
		return domain.E(domain.KindTransport, "send", domain.ErrNotConnected)
	}
	msg, err := protocol.NewMessage(msgType, nd.id, deviceID, payload)
	if err != nil {
		return err
	}
	select {
	case to.inbox <- envelope{from: nd.id, msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (nd *node) MarkSyncing(string, bool) {}

func (nd *node) wait(t *testing.T, sessionID string) *domain.SyncSession {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := nd.orch.Get(sessionID)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := nd.orch.Wait(ctx, sessionID)
	require.NoError(t, err)
	return s
}

var (
	t1 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
)

func seed(t *testing.T, nd *node, cat domain.Category, id, data string, at time.Time) {
	t.Helper()
	require.NoError(t, nd.store.Put(context.Background(), domain.Record{
		Category: cat, ID: id, Data: json.RawMessage(data), ModifiedAt: at,
	}))
}

func fastConfig() Config {
	return Config{ChunkSize: 25, SendWindow: 4, ResponseTimeout: 2 * time.Second, AckTimeout: 2 * time.Second, SettleTimeout: 500 * time.Millisecond}
}

func TestSession_SyncsBothWaysAndDefersManualConflicts(t *testing.T) {
	net := newNetwork()
	a := net.add(t, "dev-a", fastConfig(), false)
	b := net.add(t, "dev-b", fastConfig(), false)
	trust(a, b)

	for i := 0; i < 100; i++ {
		seed(t, a, domain.CategoryCustomers, fmt.Sprintf("c%03d", i), fmt.Sprintf(`{"name":"customer %d"}`, i), t1)
	}
	for i := 0; i < 3; i++ {
		seed(t, b, domain.CategoryCustomers, fmt.Sprintf("c%03d", i), fmt.Sprintf(`{"name":"renamed %d"}`, i), t2)
	}
	for i := 0; i < 5; i++ {
		seed(t, b, domain.CategoryProducts, fmt.Sprintf("p%d", i), fmt.Sprintf(`{"sku":"P%d"}`, i), t1)
	}

	cfg := domain.DefaultSyncConfiguration()
	started, err := a.orch.Start(context.Background(), []string{"dev-b"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionInitializing, started.State)
	assert.Equal(t, []string{"dev-a", "dev-b"}, started.Participants)

	got := a.wait(t, started.ID)
	assert.Equal(t, domain.SessionCompleted, got.State, got.Error)
	assert.Equal(t, domain.OutcomeCompletedWithConflicts, got.Outcome())
	assert.Len(t, got.UnresolvedConflicts(), 3)
	assert.Equal(t, 108, got.Progress.TotalItems)
	assert.Equal(t, 108, got.Progress.ProcessedItems)
	assert.Equal(t, float64(100), got.Progress.Percentage)
	assert.NotNil(t, got.CompletedAt)

	peer := b.wait(t, started.ID)
	assert.Equal(t, domain.SessionCompleted, peer.State, peer.Error)
	assert.Equal(t, "dev-a", peer.Initiator)
	assert.Len(t, peer.UnresolvedConflicts(), 3)

	assert.Equal(t, 100, a.store.Count(domain.CategoryCustomers))
	assert.Equal(t, 5, a.store.Count(domain.CategoryProducts))
	assert.Equal(t, 100, b.store.Count(domain.CategoryCustomers))

	kept, err := b.store.Lookup(context.Background(), domain.CategoryCustomers, "c000")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"renamed 0"}`, string(kept.Data), "manual conflicts leave local data alone")

	state, err := a.repos.SyncState.Get(context.Background(), "dev-b")
	require.NoError(t, err)
	assert.Equal(t, started.ID, state.SessionID)

	st, err := a.repos.Stats.Get(context.Background(), "dev-b")
	require.NoError(t, err)
	assert.Equal(t, 1, st.SessionsSucceeded)
	assert.Equal(t, 1, st.ByTransport["tcp"])
}

func TestSession_ProgressNeverDecreases(t *testing.T) {
	net := newNetwork()
	a := net.add(t, "dev-a", Config{ChunkSize: 7, SendWindow: 2}, false)
	b := net.add(t, "dev-b", Config{ChunkSize: 7, SendWindow: 2}, false)
	trust(a, b)
	for i := 0; i < 60; i++ {
		seed(t, a, domain.CategoryInvoices, fmt.Sprintf("i%02d", i), `{"total":10}`, t1)
		seed(t, b, domain.CategoryPayments, fmt.Sprintf("y%02d", i), `{"amount":10}`, t1)
	}

	s, err := a.orch.Start(context.Background(), []string{"dev-b"}, domain.DefaultSyncConfiguration())
	require.NoError(t, err)
	got := a.wait(t, s.ID)
	require.Equal(t, domain.SessionCompleted, got.State, got.Error)

	pct := a.seen.all()
	require.NotEmpty(t, pct)
	for i := 1; i < len(pct); i++ {
		assert.GreaterOrEqual(t, pct[i], pct[i-1], "update %d went backwards", i)
	}
	assert.Equal(t, float64(100), pct[len(pct)-1])
}

func TestSession_PercentageWaitsForEveryPeerTotal(t *testing.T) {
	net := newNetwork()
	a := net.add(t, "dev-a", Config{ChunkSize: 5, SendWindow: 2, ResponseTimeout: 3 * time.Second, AckTimeout: 2 * time.Second}, false)
	b := net.add(t, "dev-b", Config{ChunkSize: 5, SendWindow: 2}, false)
	c := net.add(t, "dev-c", Config{ChunkSize: 5, SendWindow: 2}, false)
	c.answerDelay = 300 * time.Millisecond
	trust(a, b)
	trust(a, c)
	for i := 0; i < 20; i++ {
		seed(t, b, domain.CategoryInvoices, fmt.Sprintf("b%02d", i), `{"total":10}`, t1)
		seed(t, c, domain.CategoryPayments, fmt.Sprintf("c%02d", i), `{"amount":10}`, t1)
	}

	s, err := a.orch.Start(context.Background(), []string{"dev-b", "dev-c"}, domain.DefaultSyncConfiguration())
	require.NoError(t, err)
	got := a.wait(t, s.ID)
	require.Equal(t, domain.SessionCompleted, got.State, got.Error)
	assert.Equal(t, 40, got.Progress.TotalItems)
	assert.Equal(t, 40, got.Progress.ProcessedItems)

	updates := a.seen.updates()
	require.NotEmpty(t, updates)
	for i, p := range updates {
		if p.Percentage > 0 {
			assert.Equal(t, 40, p.TotalItems, "update %d derived a percentage from partial totals", i)
			assert.LessOrEqual(t, p.ProcessedItems, p.TotalItems, "update %d", i)
		}
		if p.Percentage == 100 {
			assert.Equal(t, 40, p.ProcessedItems, "update %d reached 100%% early", i)
		}
	}
	assert.Equal(t, float64(100), updates[len(updates)-1].Percentage)
}

func TestSession_SecondRunOnlyShipsNewChanges(t *testing.T) {
	net := newNetwork()
	a := net.add(t, "dev-a", fastConfig(), false)
	b := net.add(t, "dev-b", fastConfig(), false)
	trust(a, b)
	for i := 0; i < 10; i++ {
		seed(t, a, domain.CategoryCustomers, fmt.Sprintf("c%d", i), `{"v":1}`, t1)
	}

	s, err := a.orch.Start(context.Background(), []string{"dev-b"}, domain.DefaultSyncConfiguration())
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, a.wait(t, s.ID).State)
	b.wait(t, s.ID)

	seed(t, a, domain.CategoryCustomers, "c-new", `{"v":1}`, time.Now().Add(time.Hour))
	s, err = a.orch.Start(context.Background(), []string{"dev-b"}, domain.DefaultSyncConfiguration())
	require.NoError(t, err)
	got := a.wait(t, s.ID)
	require.Equal(t, domain.SessionCompleted, got.State, got.Error)
	assert.Equal(t, 1, got.Progress.TotalItems)
	assert.Equal(t, 11, b.store.Count(domain.CategoryCustomers))
}

func TestSession_AutomaticPolicyResolvesConflicts(t *testing.T) {
	net := newNetwork()
	a := net.add(t, "dev-a", fastConfig(), false)
	b := net.add(t, "dev-b", fastConfig(), false)
	trust(a, b)
	seed(t, a, domain.CategoryCustomers, "c1", `{"name":"Ana","city":"Lima"}`, t1)
	seed(t, b, domain.CategoryCustomers, "c1", `{"name":"Anna","phone":"555"}`, t2)

	cfg := domain.DefaultSyncConfiguration()
	cfg.ConflictPolicy = domain.ResolutionMerge
	s, err := a.orch.Start(context.Background(), []string{"dev-b"}, cfg)
	require.NoError(t, err)
	got := a.wait(t, s.ID)
	require.Equal(t, domain.SessionCompleted, got.State, got.Error)
	assert.Equal(t, domain.OutcomeSuccess, got.Outcome())
	require.Len(t, got.Conflicts, 1)
	require.NotNil(t, got.Conflicts[0].Resolution)
	assert.Equal(t, domain.ResolutionMerge, *got.Conflicts[0].Resolution)

	rec, err := a.store.Lookup(context.Background(), domain.CategoryCustomers, "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Anna","city":"Lima","phone":"555"}`, string(rec.Data))
}

func TestSession_ResolveConflictAfterCompletion(t *testing.T) {
	net := newNetwork()
	a := net.add(t, "dev-a", fastConfig(), false)
	b := net.add(t, "dev-b", fastConfig(), false)
	trust(a, b)
	seed(t, a, domain.CategoryCustomers, "c1", `{"n":1}`, t1)
	seed(t, b, domain.CategoryCustomers, "c1", `{"n":2}`, t2)

	s, err := a.orch.Start(context.Background(), []string{"dev-b"}, domain.DefaultSyncConfiguration())
	require.NoError(t, err)
	got := a.wait(t, s.ID)
	require.Len(t, got.UnresolvedConflicts(), 1)
	id := got.Conflicts[0].ID

	c, err := a.orch.ResolveConflict(context.Background(), s.ID, id, domain.ResolutionUseRemote, "confirmed by phone")
	require.NoError(t, err)
	assert.True(t, c.IsResolved())
	assert.Equal(t, "confirmed by phone", c.Note)

	rec, err := a.store.Lookup(context.Background(), domain.CategoryCustomers, "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(rec.Data))

	after, err := a.orch.Get(s.ID)
	require.NoError(t, err)
	assert.Empty(t, after.UnresolvedConflicts())
	assert.Equal(t, domain.OutcomeSuccess, after.Outcome())

	_, err = a.orch.ResolveConflict(context.Background(), s.ID, id, domain.ResolutionUseLocal, "")
	assert.True(t, domain.IsKind(err, domain.KindConflict))
	_, err = a.orch.ResolveConflict(context.Background(), s.ID, "missing", domain.ResolutionUseLocal, "")
	assert.ErrorIs(t, err, domain.ErrConflictNotFound)
}

func TestSession_SecondStartFailsFastAndCancelSettles(t *testing.T) {
	net := newNetwork()
	a := net.add(t, "dev-a", fastConfig(), false)
	silent := net.add(t, "dev-b", fastConfig(), true)
	trust(a, silent)

	s, err := a.orch.Start(context.Background(), []string{"dev-b"}, domain.DefaultSyncConfiguration())
	require.NoError(t, err)

	_, err = a.orch.Start(context.Background(), []string{"dev-b"}, domain.DefaultSyncConfiguration())
	require.ErrorIs(t, err, domain.ErrSessionActive)
	assert.True(t, domain.IsKind(err, domain.KindConflict))

	begin := time.Now()
	got, err := a.orch.Cancel(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCancelled, got.State)
	assert.Less(t, time.Since(begin), 2*time.Second)

	_, active := a.orch.Active()
	assert.False(t, active)
	again, err := a.orch.Cancel(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCancelled, again.State)
}

func TestSession_CancelDuringTransferReachesBothSides(t *testing.T) {
	net := newNetwork()
	a := net.add(t, "dev-a", fastConfig(), false)
	b := net.add(t, "dev-b", fastConfig(), false)
	trust(a, b)
	for i := 0; i < 200; i++ {
		seed(t, a, domain.CategoryInvoices, fmt.Sprintf("inv-%03d", i), fmt.Sprintf(`{"number":"F-%06d","total":%d}`, i, i*13), t1)
	}

	cfg := domain.DefaultSyncConfiguration()
	cfg.CompressData = false
	cfg.MaxBandwidthKbps = 16
	s, err := a.orch.Start(context.Background(), []string{"dev-b"}, cfg)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cur, err := a.orch.Get(s.ID)
		return err == nil && cur.State == domain.SessionActive
	}, 5*time.Second, 10*time.Millisecond)

	t.Run("pause and resume", func(t *testing.T) {
		_, err := a.orch.Pause(s.ID)
		require.NoError(t, err)
		_, err = a.orch.Pause(s.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		cur, err := a.orch.Resume(s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionActive, cur.State)
	})

	got, err := a.orch.Cancel(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCancelled, got.State)
	assert.Less(t, got.Progress.ProcessedItems, 200)

	peer := b.wait(t, s.ID)
	assert.Equal(t, domain.SessionCancelled, peer.State)
}

func TestSession_PeerRejection(t *testing.T) {
	net := newNetwork()
	a := net.add(t, "dev-a", fastConfig(), false)
	b := net.add(t, "dev-b", fastConfig(), false)
	a.trusted["dev-b"] = true

	s, err := a.orch.Start(context.Background(), []string{"dev-b"}, domain.DefaultSyncConfiguration())
	require.NoError(t, err)
	got := a.wait(t, s.ID)
	assert.Equal(t, domain.SessionFailed, got.State)
	assert.Contains(t, got.Error, "not paired")
	assert.Equal(t, domain.OutcomeFailed, got.Outcome())

	_, err = b.orch.Get(s.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSession_PeerLostFailsSession(t *testing.T) {
	net := newNetwork()
	a := net.add(t, "dev-a", fastConfig(), false)
	silent := net.add(t, "dev-b", fastConfig(), true)
	trust(a, silent)

	s, err := a.orch.Start(context.Background(), []string{"dev-b"}, domain.DefaultSyncConfiguration())
	require.NoError(t, err)
	a.orch.PeerLost("dev-b")

	got := a.wait(t, s.ID)
	assert.Equal(t, domain.SessionFailed, got.State)
	assert.Contains(t, got.Error, "lost")

	st, err := a.repos.Stats.Get(context.Background(), "dev-b")
	require.NoError(t, err)
	assert.Equal(t, 1, st.SessionsFailed)
	assert.NotEmpty(t, st.RecentErrors)
}

func TestSession_StartValidation(t *testing.T) {
	net := newNetwork()
	a := net.add(t, "dev-a", fastConfig(), false)

	_, err := a.orch.Start(context.Background(), []string{"dev-x"}, domain.DefaultSyncConfiguration())
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	_, err = a.orch.Start(context.Background(), nil, domain.DefaultSyncConfiguration())
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	empty := domain.SyncConfiguration{}
	_, err = a.orch.Start(context.Background(), []string{"dev-a"}, empty)
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	bad := domain.DefaultSyncConfiguration()
	bad.ConflictPolicy = "coinFlip"
	_, err = a.orch.Start(context.Background(), []string{"dev-a"}, bad)
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	assert.Empty(t, a.orch.List())
}

func TestChunkCodec(t *testing.T) {
	recs := []domain.Record{
		{Category: domain.CategoryInvoices, ID: "i1", Data: json.RawMessage(`{"total":12.5}`), ModifiedAt: t1},
		{Category: domain.CategoryInvoices, ID: "i2", ModifiedAt: t2, Deleted: true},
	}
	key := chunkKey(sharedSecret, "s1")

	for _, cfg := range []domain.SyncConfiguration{
		{},
		{CompressData: true},
		{EncryptData: true},
		{CompressData: true, EncryptData: true},
	} {
		t.Run(fmt.Sprintf("compress=%v encrypt=%v", cfg.CompressData, cfg.EncryptData), func(t *testing.T) {
			data, err := encodeChunk("s1", 3, recs, cfg, key)
			require.NoError(t, err)
			p := protocol.DataChunkPayload{SessionID: "s1", Sequence: 3, Data: data,
				Compressed: cfg.CompressData, Encrypted: cfg.EncryptData}

			got, err := decodeChunk(p, key)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "i1", got[0].ID)
			assert.JSONEq(t, `{"total":12.5}`, string(got[0].Data))
			assert.True(t, got[1].Deleted)

			if cfg.EncryptData {
				p.Sequence = 4
				_, err = decodeChunk(p, key)
				assert.Error(t, err, "chunks are bound to their sequence")

				p.Sequence = 3
				_, err = decodeChunk(p, chunkKey(sharedSecret, "s2"))
				assert.Error(t, err, "chunks are bound to their session")
			}
		})
	}
}

func TestPlanChunks(t *testing.T) {
	order := []domain.Category{domain.CategoryInvoices, domain.CategoryCustomers}
	delta := map[domain.Category][]domain.Record{
		domain.CategoryInvoices:  make([]domain.Record, 5),
		domain.CategoryCustomers: make([]domain.Record, 2),
	}
	chunks := planChunks(delta, order, 2)
	require.Len(t, chunks, 4)
	assert.Equal(t, domain.CategoryInvoices, chunks[2].category)
	assert.Len(t, chunks[2].records, 1)
	assert.Equal(t, domain.CategoryCustomers, chunks[3].category)

	empty := planChunks(nil, order, 2)
	require.Len(t, empty, 1)
	assert.Empty(t, empty[0].records)
}
