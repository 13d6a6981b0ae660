package session

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/events"
	"bizsync-p2p/internal/protocol"
	"bizsync-p2p/internal/stats"
)

// peerLink is the session's state toward one participant.
type peerLink struct {
	deviceID  string
	key       []byte
	transport domain.TransportType
	since     time.Time

	out      []protocol.DataChunkPayload
	outItems int
	outBytes int64
	inItems  int
	inBytes  int64

	responses chan protocol.SyncResponsePayload
	acks      chan protocol.AckPayload

	nextIn     int
	inDone     bool
	outDone    bool
	items      int
	bytes      int64
	byCategory map[domain.Category]int
}

func newLink(deviceID string, secret []byte, sessionID string) *peerLink {
	return &peerLink{
		deviceID:   deviceID,
		key:        chunkKey(secret, sessionID),
		responses:  make(chan protocol.SyncResponsePayload, 1),
		acks:       make(chan protocol.AckPayload, 64),
		byCategory: make(map[domain.Category]int),
	}
}

type run struct {
	o       *Orchestrator
	id      string
	cfg     domain.SyncConfiguration
	links   map[string]*peerLink
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	inflight  sync.WaitGroup
	resolveMu sync.Mutex

	// pubMu keeps progress events in the order they were computed.
	pubMu sync.Mutex

	mu       sync.Mutex
	session  *domain.SyncSession
	stopping bool
	wake     chan struct{}
	// counted is set once every participant's totals are known. Until then
	// TotalItems is partial and no percentage is derived from it.
	counted bool
}

func newRun(o *Orchestrator, id, initiator string, participants []string, cfg domain.SyncConfiguration, links map[string]*peerLink) *run {
	ctx, cancel := context.WithCancel(context.Background())
	now := o.now()
	return &run{
		o:       o,
		id:      id,
		cfg:     cfg,
		links:   links,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: now,
		session: &domain.SyncSession{
			ID:           id,
			Initiator:    initiator,
			Participants: slices.Clone(participants),
			State:        domain.SessionInitializing,
			StartedAt:    now,
			Config:       cfg,
			Progress:     domain.SyncProgress{CategoryCounts: make(map[domain.Category]int)},
			Conflicts:    []domain.SyncConflict{},
		},
	}
}

func (r *run) linkList() []*peerLink {
	ids := make([]string, 0, len(r.links))
	for id := range r.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*peerLink, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.links[id])
	}
	return out
}

func (r *run) participants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.session.Participants)
}

func (r *run) snapshot() *domain.SyncSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Clone()
}

func (r *run) terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.State.IsTerminal()
}

func (r *run) publish() {
	r.o.events.Publish(events.Event{Kind: events.KindSessionUpdated, Session: r.snapshot()})
}

func (o *Orchestrator) baselineFor(ctx context.Context, deviceID string) (time.Time, error) {
	st, err := o.state.Get(ctx, deviceID)
	if err != nil {
		return time.Time{}, domain.E(domain.KindInternal, "session.baseline", err)
	}
	return st.LastSyncAt, nil
}

// plan reads the outgoing delta for l and encodes it into chunks.
func (r *run) plan(ctx context.Context, l *peerLink) error {
	order := r.cfg.Categories()
	delta := make(map[domain.Category][]domain.Record, len(order))
	for _, cat := range order {
		recs, err := r.o.store.ReadDelta(ctx, cat, l.since)
		if err != nil {
			return domain.E(domain.KindSession, "session.plan", err)
		}
		for _, rec := range recs {
			if r.cfg.InWindow(rec.ModifiedAt) {
				rec.Category = cat
				delta[cat] = append(delta[cat], rec)
			}
		}
	}

	size := r.cfg.ChunkSize
	if size <= 0 {
		size = r.o.cfg.ChunkSize
	}
	planned := planChunks(delta, order, size)
	out := make([]protocol.DataChunkPayload, 0, len(planned))
	var items int
	var bytes int64
	for seq, pc := range planned {
		data, err := encodeChunk(r.id, seq, pc.records, r.cfg, l.key)
		if err != nil {
			return domain.E(domain.KindInternal, "session.plan", err)
		}
		out = append(out, protocol.DataChunkPayload{
			SessionID:  r.id,
			Sequence:   seq,
			Category:   pc.category,
			ItemCount:  len(pc.records),
			Data:       data,
			Compressed: r.cfg.CompressData,
			Encrypted:  r.cfg.EncryptData,
			Final:      seq == len(planned)-1,
		})
		items += len(pc.records)
		bytes += int64(len(data))
	}

	r.mu.Lock()
	l.out = out
	l.outItems = items
	l.outBytes = bytes
	r.recountLocked()
	r.mu.Unlock()
	return nil
}

func (r *run) recountLocked() {
	var items int
	var bytes int64
	for _, l := range r.links {
		items += l.outItems + l.inItems
		bytes += l.outBytes + l.inBytes
	}
	r.session.Progress.TotalItems = items
	r.session.Progress.TotalBytes = bytes
}

func (r *run) activate() {
	r.mu.Lock()
	if r.session.State != domain.SessionInitializing {
		r.mu.Unlock()
		return
	}
	r.session.State = domain.SessionActive
	r.counted = true
	r.updatePercentLocked()
	r.mu.Unlock()

	for _, l := range r.linkList() {
		if c, err := r.o.conns.Get(l.deviceID); err == nil {
			r.mu.Lock()
			l.transport = c.Transport
			r.mu.Unlock()
		}
		r.o.conns.MarkSyncing(l.deviceID, true)
	}
	r.publish()
}

// stream sends the planned chunks to every peer and waits for their acks.
func (r *run) stream() {
	var g errgroup.Group
	for _, l := range r.linkList() {
		g.Go(func() error { return r.send(l) })
	}
	if err := g.Wait(); err != nil {
		r.fail(err)
	}
}

func (r *run) pausedWake() (bool, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session.State == domain.SessionPaused {
		return true, r.wake
	}
	return false, nil
}

func (r *run) send(l *peerLink) error {
	lim := newLimiter(r.cfg.MaxBandwidthKbps)
	next, acked := 0, 0
	total := len(l.out)

	for acked < total {
		for next < total && next-acked < r.o.cfg.SendWindow {
			if paused, _ := r.pausedWake(); paused {
				break
			}
			p := l.out[next]
			if err := throttle(r.ctx, lim, len(p.Data)); err != nil {
				return err
			}
			if err := r.o.conns.Send(r.ctx, l.deviceID, protocol.TypeDataChunk, p); err != nil {
				return domain.E(domain.KindSession, "session.send", err)
			}
			r.mu.Lock()
			r.session.Progress.BytesTransferred += int64(len(p.Data))
			r.session.Progress.CurrentOperation = fmt.Sprintf("sending %s to %s", p.Category, l.deviceID)
			l.bytes += int64(len(p.Data))
			r.mu.Unlock()
			next++
		}

		ack, err := r.awaitAck(l, next > acked)
		if err != nil {
			return err
		}
		if ack == nil || ack.Sequence < acked {
			continue
		}
		if ack.Sequence != acked {
			return domain.Errorf(domain.KindProtocol, "session.send", "ack %d out of sequence, expected %d", ack.Sequence, acked)
		}
		if !ack.Success {
			return domain.Errorf(domain.KindSession, "session.send", "%s rejected chunk %d: %s", l.deviceID, ack.Sequence, ack.Error)
		}
		chunk := l.out[acked]
		r.advance(l, chunk.Category, chunk.ItemCount, domain.ApplyOutcome{
			Applied: ack.Applied,
			Failed:  ack.Failed,
			Skipped: ack.Skipped,
		})
		acked++
	}

	r.mu.Lock()
	l.outDone = true
	r.mu.Unlock()
	r.maybeComplete()
	return nil
}

// awaitAck waits for the next acknowledgment. A nil ack with no error means
// the run was resumed and the caller should try sending again.
func (r *run) awaitAck(l *peerLink, inFlight bool) (*protocol.AckPayload, error) {
	var timeout <-chan time.Time
	if inFlight {
		timer := time.NewTimer(r.o.cfg.AckTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	paused, wake := r.pausedWake()
	if !inFlight && !paused {
		return nil, nil
	}

	select {
	case ack := <-l.acks:
		return &ack, nil
	case <-timeout:
		return nil, domain.Errorf(domain.KindSession, "session.send", "%s did not acknowledge the chunk in time", l.deviceID)
	case <-wake:
		return nil, nil
	case <-r.ctx.Done():
		return nil, r.ctx.Err()
	}
}

// advance folds processed items into the progress snapshot. The percentage
// never moves backwards.
func (r *run) advance(l *peerLink, cat domain.Category, items int, outcome domain.ApplyOutcome) {
	r.mu.Lock()
	p := &r.session.Progress
	p.ProcessedItems += items
	p.SuccessfulItems += outcome.Applied
	p.FailedItems += outcome.Failed
	p.SkippedItems += outcome.Skipped
	if items > 0 {
		p.CategoryCounts[cat] += items
		l.byCategory[cat] += items
	}
	l.items += items

	r.updatePercentLocked()
	now := r.o.now()
	if r.counted && p.ProcessedItems > 0 && p.ProcessedItems < p.TotalItems {
		elapsed := now.Sub(r.started)
		eta := now.Add(elapsed * time.Duration(p.TotalItems-p.ProcessedItems) / time.Duration(p.ProcessedItems))
		p.EstimatedCompletion = &eta
	}
	snap := r.session.Clone()
	r.pubMu.Lock()
	r.mu.Unlock()

	r.o.events.Publish(events.Event{Kind: events.KindProgressUpdated, Session: snap, Progress: &snap.Progress})
	r.pubMu.Unlock()
}

// updatePercentLocked recomputes the percentage once totals are complete. It
// never moves backwards.
func (r *run) updatePercentLocked() {
	p := &r.session.Progress
	if !r.counted || p.TotalItems <= 0 {
		return
	}
	pct := min(float64(p.ProcessedItems)/float64(p.TotalItems)*100, 100)
	if pct > p.Percentage {
		p.Percentage = pct
	}
}

// enter registers an incoming chunk as in flight unless the run is stopping.
func (r *run) enter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return false
	}
	r.inflight.Add(1)
	return true
}

// receiveChunk applies one incoming chunk and acknowledges it. Chunks from a
// peer arrive in send order on its connection.
func (r *run) receiveChunk(ctx context.Context, deviceID string, p protocol.DataChunkPayload) {
	l := r.links[deviceID]
	if !r.enter() {
		return
	}
	defer r.inflight.Done()

	r.mu.Lock()
	expected := l.nextIn
	r.mu.Unlock()
	if p.Sequence != expected {
		r.o.log.Warn("dropping out of sequence chunk", "session", r.id, "device", deviceID,
			"sequence", p.Sequence, "expected", expected)
		return
	}

	recs, err := decodeChunk(p, l.key)
	if err == nil && len(recs) != p.ItemCount {
		err = fmt.Errorf("chunk %d carries %d records, header says %d", p.Sequence, len(recs), p.ItemCount)
	}
	if err != nil {
		r.fail(domain.E(domain.KindProtocol, "session.receive", err))
		return
	}

	outcome, conflicts, err := r.apply(l, p.Category, recs)
	if err != nil {
		r.fail(err)
		return
	}

	r.mu.Lock()
	l.nextIn++
	l.bytes += int64(len(p.Data))
	r.session.Progress.BytesTransferred += int64(len(p.Data))
	r.session.Progress.CurrentOperation = fmt.Sprintf("applying %s from %s", p.Category, deviceID)
	for _, c := range conflicts {
		r.session.Conflicts = append(r.session.Conflicts, c.Clone())
	}
	r.mu.Unlock()

	for i := range conflicts {
		c := conflicts[i]
		r.o.events.Publish(events.Event{Kind: events.KindConflictDetected, Conflict: &c})
	}
	if len(conflicts) > 0 {
		if err := r.o.conns.Send(ctx, deviceID, protocol.TypeConflictNotification, protocol.ConflictNotificationPayload{
			SessionID: r.id,
			Conflicts: conflicts,
		}); err != nil {
			r.o.log.Warn("failed to send conflict notification", "session", r.id, "device", deviceID, "error", err)
		}
	}

	if err := r.o.conns.Send(ctx, deviceID, protocol.TypeAcknowledgment, protocol.AckPayload{
		SessionID: r.id,
		Sequence:  p.Sequence,
		Success:   true,
		Applied:   outcome.Applied,
		Failed:    outcome.Failed,
		Skipped:   outcome.Skipped,
		Conflicts: len(conflicts),
	}); err != nil {
		r.fail(domain.E(domain.KindSession, "session.receive", err))
		return
	}
	r.advance(l, p.Category, len(recs), outcome)

	if p.Final {
		r.mu.Lock()
		l.inDone = true
		r.mu.Unlock()
		r.maybeComplete()
	}
}

// apply runs one incoming batch through conflict detection and the record
// store. Unresolved conflicts count as skipped.
func (r *run) apply(l *peerLink, cat domain.Category, recs []domain.Record) (domain.ApplyOutcome, []domain.SyncConflict, error) {
	var outcome domain.ApplyOutcome
	wanted := slices.Contains(r.cfg.Categories(), cat)
	batch := make([]domain.Record, 0, len(recs))
	for _, rec := range recs {
		if rec.Category == "" {
			rec.Category = cat
		}
		if !wanted || rec.Category != cat || !r.cfg.InWindow(rec.ModifiedAt) {
			outcome.Skipped++
			continue
		}
		batch = append(batch, rec)
	}
	if len(batch) == 0 {
		return outcome, nil, nil
	}

	r.mu.Lock()
	baseline := l.since
	r.mu.Unlock()

	found, err := r.o.detector.Inspect(r.ctx, r.id, l.deviceID, cat, batch, baseline)
	if err != nil {
		return outcome, nil, err
	}
	outcome.Skipped += found.Ignored

	if len(found.Clean) > 0 {
		applied, err := r.o.store.ApplyDelta(r.ctx, cat, found.Clean, domain.ResolutionUseRemote)
		if err != nil {
			return outcome, nil, domain.E(domain.KindSession, "session.apply", err)
		}
		outcome.Add(applied)
	}

	policy := r.cfg.Policy()
	for i := range found.Conflicts {
		c := &found.Conflicts[i]
		res, resolved, err := r.o.resolver.Auto(r.ctx, c, policy)
		if err != nil {
			return outcome, nil, err
		}
		if !resolved {
			outcome.Skipped++
			continue
		}
		// One conflict is one processed item even when resolving it wrote
		// two rows.
		switch {
		case res.Failed > 0:
			outcome.Failed++
		case res.Applied > 0:
			outcome.Applied++
		default:
			outcome.Skipped++
		}
	}
	return outcome, found.Conflicts, nil
}

// halt claims the right to finish the run. Only the first caller wins.
func (r *run) halt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping || r.session.State.IsTerminal() {
		return false
	}
	r.stopping = true
	r.cancel()
	return true
}

func (r *run) maybeComplete() {
	r.mu.Lock()
	for _, l := range r.links {
		if !l.inDone || !l.outDone {
			r.mu.Unlock()
			return
		}
	}
	r.mu.Unlock()
	if !r.halt() {
		return
	}
	r.finish(domain.SessionCompleted, "", "")
}

func (r *run) fail(err error) {
	if !r.halt() {
		return
	}
	r.o.log.Warn("sync session failed", "session", r.id, "error", err)
	r.finish(domain.SessionFailed, err.Error(), protocol.CodeSessionFailure)
}

// cancelLocal stops issuing chunks, tells peers and waits for in-flight
// applies to settle before reporting cancelled.
func (r *run) cancelLocal(ctx context.Context) {
	if !r.halt() {
		<-r.done
		return
	}
	r.o.log.Info("cancelling sync session", "session", r.id)

	settled := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(settled)
	}()
	timer := time.NewTimer(r.o.cfg.SettleTimeout)
	defer timer.Stop()
	select {
	case <-settled:
	case <-timer.C:
		r.o.log.Warn("in-flight chunks did not settle", "session", r.id)
	case <-ctx.Done():
	}
	r.finish(domain.SessionCancelled, "", protocol.CodeCancelled)
}

func (r *run) peerError(deviceID string, p protocol.ErrorPayload) {
	if !r.halt() {
		return
	}
	if p.Code == protocol.CodeCancelled {
		r.o.log.Info("peer cancelled sync session", "session", r.id, "device", deviceID)
		r.finish(domain.SessionCancelled, fmt.Sprintf("cancelled by %s", deviceID), "")
		return
	}
	r.finish(domain.SessionFailed, fmt.Sprintf("%s: %s", deviceID, p.Message), "")
}

// peerFinished propagates a peer's abnormal end. A peer completing is
// expected and needs nothing.
func (r *run) peerFinished(deviceID string, p protocol.ProgressPayload) {
	switch p.State {
	case domain.SessionFailed:
		r.peerError(deviceID, protocol.ErrorPayload{Code: protocol.CodeSessionFailure, Message: p.Error})
	case domain.SessionCancelled:
		r.peerError(deviceID, protocol.ErrorPayload{Code: protocol.CodeCancelled})
	}
}

func (r *run) setPaused(paused bool) error {
	r.mu.Lock()
	from, to := domain.SessionActive, domain.SessionPaused
	if !paused {
		from, to = to, from
	}
	if r.session.State != from || r.stopping {
		state := r.session.State
		r.mu.Unlock()
		return domain.E(domain.KindSession, "session.pause",
			fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, state, to))
	}
	r.session.State = to
	if paused {
		r.wake = make(chan struct{})
	} else {
		close(r.wake)
		r.wake = nil
	}
	r.mu.Unlock()

	r.publish()
	return nil
}

// finish moves the run to its terminal state, tells peers, records history
// and releases waiters. Callers must have won halt.
func (r *run) finish(state domain.SessionState, errMsg, code string) {
	now := r.o.now()
	r.mu.Lock()
	r.session.State = state
	r.session.CompletedAt = &now
	r.session.Error = errMsg
	if state == domain.SessionCompleted {
		r.session.Progress.Percentage = 100
		r.session.Progress.CurrentOperation = ""
	}
	r.session.Progress.EstimatedCompletion = nil
	if r.wake != nil {
		close(r.wake)
		r.wake = nil
	}
	snap := r.session.Clone()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.o.cfg.SettleTimeout)
	defer cancel()
	for _, l := range r.linkList() {
		r.o.conns.MarkSyncing(l.deviceID, false)
		if code != "" {
			msg := errMsg
			if code == protocol.CodeCancelled {
				msg = "session cancelled"
			}
			r.notify(ctx, l.deviceID, protocol.TypeError, protocol.ErrorPayload{SessionID: r.id, Code: code, Message: msg})
		}
		r.notify(ctx, l.deviceID, protocol.TypeProgressUpdate, protocol.ProgressPayload{
			SessionID: r.id,
			State:     state,
			Progress:  snap.Progress,
			Error:     errMsg,
		})
		r.record(ctx, l, snap, now)
	}

	r.o.retire(r)
	r.o.events.Publish(events.Event{Kind: events.KindSessionUpdated, Session: snap})
	r.o.log.Info("sync session finished", "session", r.id, "state", state,
		"processed", snap.Progress.ProcessedItems, "conflicts", len(snap.UnresolvedConflicts()))
	close(r.done)
}

// notify is best effort; the peer may already be gone.
func (r *run) notify(ctx context.Context, deviceID string, msgType protocol.MessageType, payload interface{}) {
	if !r.o.conns.IsConnected(deviceID) {
		return
	}
	if err := r.o.conns.Send(ctx, deviceID, msgType, payload); err != nil {
		r.o.log.Debug("peer notice not delivered", "session", r.id, "device", deviceID, "type", msgType, "error", err)
	}
}

func (r *run) record(ctx context.Context, l *peerLink, snap *domain.SyncSession, now time.Time) {
	r.mu.Lock()
	summary := stats.Run{
		DeviceID:   l.deviceID,
		Transport:  l.transport,
		Outcome:    snap.Outcome(),
		Items:      l.items,
		Bytes:      l.bytes,
		ByCategory: make(map[domain.Category]int, len(l.byCategory)),
		Duration:   now.Sub(r.started),
		Err:        snap.Error,
	}
	for k, v := range l.byCategory {
		summary.ByCategory[k] = v
	}
	r.mu.Unlock()

	if snap.State == domain.SessionCompleted {
		err := r.o.state.Save(ctx, &domain.SyncState{PeerDeviceID: l.deviceID, LastSyncAt: r.started, SessionID: r.id})
		if err != nil {
			r.o.log.Error("failed to save sync state", "device", l.deviceID, "error", err)
		}
	}
	if r.o.stats != nil {
		if err := r.o.stats.Record(ctx, summary); err != nil {
			r.o.log.Error("failed to record sync stats", "device", l.deviceID, "error", err)
		}
	}
}
