// Package pairing establishes trust between two devices out of band. A QR
// code carries an X25519 key; a PIN feeds SPAKE2. Either way both sides end
// up with the same 32-byte secret, stored through the secret store and bound
// to the peer's device id by a trust record.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"

	"bizsync-p2p/internal/cryptoutil"
	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/events"
	"bizsync-p2p/internal/logging"
	"bizsync-p2p/internal/repository"
	"bizsync-p2p/internal/secretstore"
	"bizsync-p2p/internal/transport"
)

// DialFunc opens a raw channel to a device. The hint may carry only an id,
// or addressing metadata read from a QR code.
type DialFunc func(ctx context.Context, hint domain.DeviceInfo) (transport.Channel, error)

// DeviceMarker records completed pairings in the device registry.
type DeviceMarker interface {
	MarkPaired(ctx context.Context, info domain.DeviceInfo) domain.DeviceInfo
}

type Config struct {
	TTL         time.Duration
	StepTimeout time.Duration
	PINKDF      KDFParams
}

func (c *Config) setDefaults() {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.PINKDF.Time == 0 {
		c.PINKDF = DefaultPINKDF
	}
}

// codeMaterial is the pending half of a code that never leaves this device.
type codeMaterial struct {
	pin     string
	qrPriv  []byte
	qrPub   []byte
	qrNonce []byte
}

type Engine struct {
	cfg     Config
	self    domain.DeviceInfo
	secrets secretstore.Store
	trust   repository.TrustRepository
	devices DeviceMarker
	events  events.Publisher
	dial    DialFunc
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	pairings map[string]*domain.DevicePairing
	codes    map[string]*codeMaterial
	lastPIN  string
}

func New(cfg Config, self domain.DeviceInfo, secrets secretstore.Store, trust repository.TrustRepository,
	devices DeviceMarker, pub events.Publisher, dial DialFunc, log *slog.Logger) *Engine {
	cfg.setDefaults()
	if pub == nil {
		pub = events.Nop{}
	}
	return &Engine{
		cfg:      cfg,
		self:     self,
		secrets:  secrets,
		trust:    trust,
		devices:  devices,
		events:   pub,
		dial:     dial,
		log:      logging.Component(log, "pairing"),
		now:      time.Now,
		pairings: make(map[string]*domain.DevicePairing),
		codes:    make(map[string]*codeMaterial),
	}
}

// SetDialer wires the channel opener once the connection layer exists.
func (e *Engine) SetDialer(dial DialFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dial = dial
}

func (e *Engine) dialer() DialFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dial
}

func (e *Engine) newPairingLocked(id string, method domain.PairingMethod) *domain.DevicePairing {
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now()
	p := &domain.DevicePairing{
		ID:            id,
		LocalDeviceID: e.self.DeviceID,
		Method:        method,
		State:         domain.PairingInitiated,
		CreatedAt:     now,
		ExpiresAt:     now.Add(e.cfg.TTL),
	}
	e.pairings[id] = p
	return p
}

// transitionLocked moves p to next and returns a snapshot for publishing.
func (e *Engine) transitionLocked(p *domain.DevicePairing, next domain.PairingState) (domain.DevicePairing, error) {
	if !p.State.CanTransitionTo(next) {
		return domain.DevicePairing{}, domain.E(domain.KindAuthentication, "pairing",
			fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, p.State, next))
	}
	p.State = next
	if next.IsTerminal() {
		p.PIN = ""
		p.QRPayload = ""
		delete(e.codes, p.ID)
	}
	return snapshot(p), nil
}

func snapshot(p *domain.DevicePairing) domain.DevicePairing {
	out := *p
	out.SharedSecret = nil
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

func (e *Engine) publish(p domain.DevicePairing) {
	e.events.Publish(events.Event{Kind: events.KindPairingUpdated, Pairing: &p})
}

func (e *Engine) transition(id string, next domain.PairingState) error {
	e.mu.Lock()
	p, ok := e.pairings[id]
	if !ok {
		e.mu.Unlock()
		return domain.E(domain.KindNotFound, "pairing", domain.ErrPairingNotFound)
	}
	snap, err := e.transitionLocked(p, next)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.publish(snap)
	return nil
}

// GenerateQR creates a pending QR pairing. The returned pairing carries the
// encoded payload to display.
func (e *Engine) GenerateQR(ctx context.Context) (domain.DevicePairing, error) {
	priv, err := cryptoutil.RandomBytes(curve25519.ScalarSize)
	if err != nil {
		return domain.DevicePairing{}, domain.E(domain.KindInternal, "GenerateQR", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return domain.DevicePairing{}, domain.E(domain.KindInternal, "GenerateQR", err)
	}
	nonce, err := cryptoutil.RandomBytes(qrNonceLen)
	if err != nil {
		return domain.DevicePairing{}, domain.E(domain.KindInternal, "GenerateQR", err)
	}

	e.mu.Lock()
	p := e.newPairingLocked("", domain.PairingMethodQR)
	payload := QRPayload{
		Version:    1,
		PairingID:  p.ID,
		DeviceID:   e.self.DeviceID,
		Name:       e.self.Name,
		PublicKey:  pub,
		Nonce:      nonce,
		Transports: e.self.Transports,
		Metadata:   e.self.Metadata,
	}
	encoded, err := payload.Encode()
	if err != nil {
		delete(e.pairings, p.ID)
		e.mu.Unlock()
		return domain.DevicePairing{}, domain.E(domain.KindInternal, "GenerateQR", err)
	}
	p.QRPayload = encoded
	e.codes[p.ID] = &codeMaterial{qrPriv: priv, qrPub: pub, qrNonce: nonce}
	snap, err := e.transitionLocked(p, domain.PairingCodeGenerated)
	e.mu.Unlock()
	if err != nil {
		return domain.DevicePairing{}, err
	}

	e.publish(snap)
	e.log.Info("qr pairing code generated", "pairing", p.ID)
	return snap, nil
}

// GeneratePIN creates a pending PIN pairing. Only the newest PIN is live: a
// PIN still pending from an earlier call fails as superseded.
func (e *Engine) GeneratePIN(ctx context.Context) (domain.DevicePairing, error) {
	pin, err := randomPIN()
	if err != nil {
		return domain.DevicePairing{}, domain.E(domain.KindInternal, "GeneratePIN", err)
	}

	var superseded *domain.DevicePairing
	e.mu.Lock()
	if prev, ok := e.pairings[e.lastPIN]; ok && !prev.State.IsTerminal() {
		if snap, err := e.transitionLocked(prev, domain.PairingFailed); err == nil {
			prev.FailureReason = "superseded by a newer pin"
			snap.FailureReason = prev.FailureReason
			superseded = &snap
		}
	}
	p := e.newPairingLocked("", domain.PairingMethodPIN)
	p.PIN = pin
	e.codes[p.ID] = &codeMaterial{pin: pin}
	e.lastPIN = p.ID
	snap, err := e.transitionLocked(p, domain.PairingCodeGenerated)
	e.mu.Unlock()
	if err != nil {
		return domain.DevicePairing{}, err
	}

	if superseded != nil {
		e.publish(*superseded)
	}
	e.publish(snap)
	e.log.Info("pin pairing code generated", "pairing", p.ID)
	return snap, nil
}

// Cancel fails a pending pairing on request.
func (e *Engine) Cancel(pairingID string) error {
	e.mu.Lock()
	p, ok := e.pairings[pairingID]
	if !ok {
		e.mu.Unlock()
		return domain.E(domain.KindNotFound, "pairing.Cancel", domain.ErrPairingNotFound)
	}
	if p.State.IsTerminal() {
		e.mu.Unlock()
		return domain.E(domain.KindConflict, "pairing.Cancel", domain.ErrPairingClosed)
	}
	p.FailureReason = "cancelled"
	snap, err := e.transitionLocked(p, domain.PairingFailed)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.publish(snap)
	return nil
}

func (e *Engine) Get(pairingID string) (domain.DevicePairing, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pairings[pairingID]
	if !ok {
		return domain.DevicePairing{}, domain.E(domain.KindNotFound, "pairing.Get", domain.ErrPairingNotFound)
	}
	return snapshot(p), nil
}

func (e *Engine) List() []domain.DevicePairing {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.DevicePairing, 0, len(e.pairings))
	for _, p := range e.pairings {
		out = append(out, snapshot(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ExpireStale moves every pending pairing past its deadline to expired and
// returns how many moved.
func (e *Engine) ExpireStale() int {
	now := e.now()
	var expired []domain.DevicePairing

	e.mu.Lock()
	for _, p := range e.pairings {
		if p.State.IsTerminal() || now.Before(p.ExpiresAt) {
			continue
		}
		p.FailureReason = domain.ErrPairingExpired.Error()
		if snap, err := e.transitionLocked(p, domain.PairingExpired); err == nil {
			expired = append(expired, snap)
		}
	}
	e.mu.Unlock()

	for _, snap := range expired {
		e.publish(snap)
	}
	return len(expired)
}

// checkUsableLocked rejects codes that can no longer be presented.
func (e *Engine) checkUsableLocked(p *domain.DevicePairing) error {
	if !p.State.IsTerminal() && !e.now().Before(p.ExpiresAt) {
		p.FailureReason = domain.ErrPairingExpired.Error()
		if snap, err := e.transitionLocked(p, domain.PairingExpired); err == nil {
			go e.publish(snap)
		}
	}
	switch p.State {
	case domain.PairingExpired:
		return domain.E(domain.KindAuthentication, "pairing", domain.ErrPairingExpired)
	case domain.PairingCodeGenerated:
		return nil
	default:
		return domain.E(domain.KindAuthentication, "pairing", domain.ErrPairingClosed)
	}
}

func (e *Engine) fail(id string, cause error) {
	e.mu.Lock()
	p, ok := e.pairings[id]
	if !ok || p.State.IsTerminal() {
		e.mu.Unlock()
		return
	}
	next := domain.PairingFailed
	if errors.Is(cause, domain.ErrPairingExpired) {
		next = domain.PairingExpired
	}
	p.FailureReason = cause.Error()
	snap, err := e.transitionLocked(p, next)
	e.mu.Unlock()
	if err == nil {
		e.publish(snap)
		e.log.Warn("pairing failed", "pairing", id, "reason", cause)
	}
}

// complete persists the secret and the trust record, then moves the pairing
// to completed. If the pairing was closed meanwhile, both writes are undone
// and any earlier pairing with the device stays in force. The earlier secret
// is dropped only once the new pairing has completed.
func (e *Engine) complete(ctx context.Context, id string, remote domain.DeviceInfo, secret []byte) error {
	e.mu.Lock()
	p, ok := e.pairings[id]
	if !ok {
		e.mu.Unlock()
		return domain.E(domain.KindNotFound, "pairing.complete", domain.ErrPairingNotFound)
	}
	if err := e.completableLocked(p); err != nil {
		e.mu.Unlock()
		return err
	}
	method := p.Method
	e.mu.Unlock()

	previous, err := e.trust.FindByDevice(ctx, remote.DeviceID)
	if err != nil && !errors.Is(err, domain.ErrNotPaired) {
		return domain.E(domain.KindInternal, "pairing.complete", err)
	}

	if err := e.secrets.Save(ctx, id, secret); err != nil {
		return domain.E(domain.KindInternal, "pairing.complete", err)
	}

	now := e.now()
	trust := &domain.TrustRecord{PairingID: id, DeviceID: remote.DeviceID, Method: method, CompletedAt: now}
	if err := e.trust.Save(ctx, trust); err != nil {
		err = domain.E(domain.KindInternal, "pairing.complete", err)
		if derr := e.secrets.Delete(ctx, id); derr != nil {
			err = errors.Join(err, domain.E(domain.KindInternal, "pairing.complete", derr))
		}
		return err
	}

	e.mu.Lock()
	p, ok = e.pairings[id]
	var snap domain.DevicePairing
	switch {
	case !ok:
		err = domain.E(domain.KindNotFound, "pairing.complete", domain.ErrPairingNotFound)
	default:
		if err = e.completableLocked(p); err == nil {
			p.RemoteDeviceID = remote.DeviceID
			p.CompletedAt = &now
			p.SharedSecret = append([]byte(nil), secret...)
			snap, err = e.transitionLocked(p, domain.PairingCompleted)
		}
	}
	e.mu.Unlock()
	if err != nil {
		if rerr := e.rollback(ctx, id, remote.DeviceID, previous); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return err
	}

	if previous != nil && previous.PairingID != id {
		if err := e.secrets.Delete(ctx, previous.PairingID); err != nil {
			e.log.Warn("failed to drop replaced secret", "pairing", previous.PairingID, "error", err)
		}
	}
	if e.devices != nil {
		e.devices.MarkPaired(ctx, remote)
	}

	e.publish(snap)
	e.log.Info("pairing completed", "pairing", id, "device", remote.DeviceID, "method", method)
	return nil
}

// completableLocked reports whether p may still move to completed.
func (e *Engine) completableLocked(p *domain.DevicePairing) error {
	if p.State.IsTerminal() {
		return domain.E(domain.KindAuthentication, "pairing.complete", domain.ErrPairingClosed)
	}
	if !e.now().Before(p.ExpiresAt) {
		return domain.E(domain.KindAuthentication, "pairing.complete", domain.ErrPairingExpired)
	}
	return nil
}

// rollback undoes the writes of a pairing that could not complete, restoring
// the trust record it replaced.
func (e *Engine) rollback(ctx context.Context, id, deviceID string, previous *domain.TrustRecord) error {
	var errs []error
	if previous != nil && previous.PairingID != id {
		if err := e.trust.Save(ctx, previous); err != nil {
			errs = append(errs, err)
		}
	} else if err := e.trust.Delete(ctx, deviceID); err != nil && !errors.Is(err, domain.ErrNotPaired) {
		errs = append(errs, err)
	}
	if err := e.secrets.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrSecretNotFound) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		e.log.Error("pairing rollback incomplete", "pairing", id, "device", deviceID, "error", errors.Join(errs...))
		return domain.E(domain.KindInternal, "pairing.rollback", errors.Join(errs...))
	}
	return nil
}

// Trust returns the pairing id and secret for a paired device.
func (e *Engine) Trust(ctx context.Context, deviceID string) (string, []byte, error) {
	tr, err := e.trust.FindByDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotPaired) {
			return "", nil, domain.E(domain.KindAuthentication, "pairing.Trust", domain.ErrNotPaired)
		}
		return "", nil, domain.E(domain.KindInternal, "pairing.Trust", err)
	}
	secret, err := e.secrets.Load(ctx, tr.PairingID)
	if err != nil {
		if errors.Is(err, domain.ErrSecretNotFound) {
			return "", nil, domain.E(domain.KindAuthentication, "pairing.Trust", domain.ErrNotPaired)
		}
		return "", nil, err
	}
	return tr.PairingID, secret, nil
}

// Unpair removes the trust record and its secret.
func (e *Engine) Unpair(ctx context.Context, deviceID string) error {
	tr, err := e.trust.FindByDevice(ctx, deviceID)
	if errors.Is(err, domain.ErrNotPaired) {
		return nil
	}
	if err != nil {
		return domain.E(domain.KindInternal, "pairing.Unpair", err)
	}
	if err := e.trust.Delete(ctx, deviceID); err != nil {
		return domain.E(domain.KindInternal, "pairing.Unpair", err)
	}
	if err := e.secrets.Delete(ctx, tr.PairingID); err != nil {
		return domain.E(domain.KindInternal, "pairing.Unpair", err)
	}
	return nil
}
