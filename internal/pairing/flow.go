package pairing

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"bizsync-p2p/internal/cryptoutil"
	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/protocol"
	"bizsync-p2p/internal/transport"
)

var errPeerAbort = errors.New("peer aborted pairing")

// abortReasons maps the reasons a peer may send back to local sentinels.
var abortReasons = []error{
	domain.ErrPairingExpired,
	domain.ErrPairingClosed,
	domain.ErrInvalidCode,
}

func reasonOf(err error) string {
	for _, s := range abortReasons {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return err.Error()
}

func peerAbort(reason string) error {
	for _, s := range abortReasons {
		if reason == s.Error() {
			return domain.E(domain.KindAuthentication, "pairing", fmt.Errorf("%w: %w", errPeerAbort, s))
		}
	}
	return domain.E(domain.KindAuthentication, "pairing", fmt.Errorf("%w: %s", errPeerAbort, reason))
}

// link is one pairing conversation over a raw channel.
type link struct {
	e      *Engine
	ch     transport.Channel
	peerID string
}

func (l *link) send(ctx context.Context, pl protocol.PairingPayload) error {
	msg, err := protocol.NewMessage(protocol.TypeHandshake, l.e.self.DeviceID, l.peerID, pl)
	if err != nil {
		return domain.E(domain.KindInternal, "pairing.send", err)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return domain.E(domain.KindInternal, "pairing.send", err)
	}
	ctx, cancel := context.WithTimeout(ctx, l.e.cfg.StepTimeout)
	defer cancel()
	return l.ch.Send(ctx, data)
}

// recv waits for the next pairing step. A fail step from the peer comes back
// as an error.
func (l *link) recv(ctx context.Context, want string) (protocol.PairingPayload, error) {
	var pl protocol.PairingPayload
	ctx, cancel := context.WithTimeout(ctx, l.e.cfg.StepTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		return pl, domain.E(domain.KindAuthentication, "pairing.recv", fmt.Errorf("waiting for %s: %w", want, ctx.Err()))
	case data, ok := <-l.ch.Receive():
		if !ok {
			return pl, domain.E(domain.KindTransport, "pairing.recv", domain.ErrChannelClosed)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			return pl, err
		}
		if msg.Type != protocol.TypeHandshake {
			return pl, domain.Errorf(domain.KindProtocol, "pairing.recv", "unexpected %s during pairing", msg.Type)
		}
		if err := msg.UnmarshalPayload(&pl); err != nil {
			return pl, domain.E(domain.KindProtocol, "pairing.recv", err)
		}
		if pl.Step == protocol.PairStepFail {
			return pl, peerAbort(pl.Reason)
		}
		if pl.Step != want {
			return pl, domain.Errorf(domain.KindProtocol, "pairing.recv", "expected %s step, got %q", want, pl.Step)
		}
		return pl, nil
	}
}

// abort fails the local pairing and tells the peer, unless the peer is the
// one who gave up.
func (l *link) abort(ctx context.Context, pairingID string, method domain.PairingMethod, cause error) {
	l.e.fail(pairingID, cause)
	if errors.Is(cause, errPeerAbort) || errors.Is(cause, domain.ErrChannelClosed) {
		return
	}
	l.send(ctx, protocol.PairingPayload{
		Step:      protocol.PairStepFail,
		PairingID: pairingID,
		Method:    method,
		Reason:    reasonOf(cause),
	})
}

// ScanQR pairs with the device whose code was scanned. It blocks until the
// pairing completes or fails.
func (e *Engine) ScanQR(ctx context.Context, raw string) (domain.DevicePairing, error) {
	q, err := DecodeQR(raw)
	if err != nil {
		return domain.DevicePairing{}, err
	}
	if q.DeviceID == e.self.DeviceID {
		return domain.DevicePairing{}, domain.Errorf(domain.KindValidation, "ScanQR", "cannot pair with self")
	}

	e.mu.Lock()
	if _, exists := e.pairings[q.PairingID]; exists {
		e.mu.Unlock()
		return domain.DevicePairing{}, domain.E(domain.KindAuthentication, "ScanQR", domain.ErrPairingClosed)
	}
	p := e.newPairingLocked(q.PairingID, domain.PairingMethodQR)
	p.RemoteDeviceID = q.DeviceID
	snap, err := e.transitionLocked(p, domain.PairingCodeScanned)
	e.mu.Unlock()
	if err != nil {
		return domain.DevicePairing{}, err
	}
	e.publish(snap)

	if err := e.scanQR(ctx, q); err != nil {
		return e.mustGet(q.PairingID), err
	}
	return e.mustGet(q.PairingID), nil
}

func (e *Engine) scanQR(ctx context.Context, q QRPayload) error {
	priv, err := cryptoutil.RandomBytes(curve25519.ScalarSize)
	if err != nil {
		e.fail(q.PairingID, err)
		return domain.E(domain.KindInternal, "ScanQR", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		e.fail(q.PairingID, err)
		return domain.E(domain.KindInternal, "ScanQR", err)
	}
	shared, err := curve25519.X25519(priv, q.PublicKey)
	if err != nil {
		err = domain.E(domain.KindAuthentication, "ScanQR", domain.ErrInvalidCode)
		e.fail(q.PairingID, err)
		return err
	}

	ch, err := e.open(ctx, q.device())
	if err != nil {
		e.fail(q.PairingID, err)
		return err
	}
	defer ch.Close()

	l := &link{e: e, ch: ch, peerID: q.DeviceID}
	self := e.self
	if err := l.send(ctx, protocol.PairingPayload{
		Step:      protocol.PairStepHello,
		PairingID: q.PairingID,
		Method:    domain.PairingMethodQR,
		Device:    &self,
		PublicKey: pub,
		Proof:     qrHelloMAC(q.Nonce, q.PairingID, self.DeviceID, pub),
	}); err != nil {
		e.fail(q.PairingID, err)
		return err
	}
	if err := e.transition(q.PairingID, domain.PairingAuthenticating); err != nil {
		return err
	}

	reply, err := l.recv(ctx, protocol.PairStepReply)
	if err != nil {
		l.abort(ctx, q.PairingID, domain.PairingMethodQR, err)
		return err
	}

	ikm := append(append([]byte(nil), shared...), q.Nonce...)
	tr := transcript([]byte("bizsync qr v1"), []byte(q.PairingID), []byte(self.DeviceID), []byte(q.DeviceID), pub, q.PublicKey)
	keys := deriveKeys(ikm, tr)
	if !keys.check(roleResponder, reply.Proof) {
		err := domain.E(domain.KindAuthentication, "ScanQR", domain.ErrInvalidCode)
		l.abort(ctx, q.PairingID, domain.PairingMethodQR, err)
		return err
	}

	return e.finishInitiator(ctx, l, q.PairingID, domain.PairingMethodQR, keys, remoteInfo(reply.Device, q.device()))
}

// EnterPIN pairs with deviceID using the PIN it displays.
func (e *Engine) EnterPIN(ctx context.Context, deviceID, pin string) (domain.DevicePairing, error) {
	if !validPIN(pin) {
		return domain.DevicePairing{}, domain.E(domain.KindValidation, "EnterPIN", domain.ErrInvalidCode)
	}
	if deviceID == "" || deviceID == e.self.DeviceID {
		return domain.DevicePairing{}, domain.Errorf(domain.KindValidation, "EnterPIN", "invalid device id %q", deviceID)
	}

	e.mu.Lock()
	p := e.newPairingLocked("", domain.PairingMethodPIN)
	p.RemoteDeviceID = deviceID
	id := p.ID
	snap, err := e.transitionLocked(p, domain.PairingCodeScanned)
	e.mu.Unlock()
	if err != nil {
		return domain.DevicePairing{}, err
	}
	e.publish(snap)

	id, err = e.enterPIN(ctx, id, deviceID, pin)
	if err != nil {
		return e.mustGet(id), err
	}
	return e.mustGet(id), nil
}

func (e *Engine) enterPIN(ctx context.Context, id, deviceID, pin string) (string, error) {
	w, wb, err := pinScalar(pin, e.self.DeviceID, deviceID, e.cfg.PINKDF)
	if err != nil {
		e.fail(id, err)
		return id, domain.E(domain.KindInternal, "EnterPIN", err)
	}
	sp, err := newSPAKE(w, pointM, pointN)
	if err != nil {
		e.fail(id, err)
		return id, domain.E(domain.KindInternal, "EnterPIN", err)
	}

	ch, err := e.open(ctx, domain.DeviceInfo{DeviceID: deviceID})
	if err != nil {
		e.fail(id, err)
		return id, err
	}
	defer ch.Close()

	l := &link{e: e, ch: ch, peerID: deviceID}
	self := e.self
	if err := l.send(ctx, protocol.PairingPayload{
		Step:      protocol.PairStepHello,
		PairingID: id,
		Method:    domain.PairingMethodPIN,
		Device:    &self,
		PublicKey: sp.Public(),
	}); err != nil {
		e.fail(id, err)
		return id, err
	}
	if err := e.transition(id, domain.PairingAuthenticating); err != nil {
		return id, err
	}

	reply, err := l.recv(ctx, protocol.PairStepReply)
	if err != nil {
		l.abort(ctx, id, domain.PairingMethodPIN, err)
		return id, err
	}
	if reply.PairingID != "" && reply.PairingID != id {
		if err := e.rekey(id, reply.PairingID); err != nil {
			l.abort(ctx, id, domain.PairingMethodPIN, err)
			return id, err
		}
		id = reply.PairingID
	}

	k, err := sp.Shared(reply.PublicKey)
	if err != nil {
		err = domain.E(domain.KindAuthentication, "EnterPIN", domain.ErrInvalidCode)
		l.abort(ctx, id, domain.PairingMethodPIN, err)
		return id, err
	}
	tr := transcript([]byte("bizsync spake2 v1"), []byte(self.DeviceID), []byte(deviceID), sp.Public(), reply.PublicKey, wb)
	keys := deriveKeys(k, tr)
	if !keys.check(roleResponder, reply.Proof) {
		err := domain.E(domain.KindAuthentication, "EnterPIN", domain.ErrInvalidCode)
		l.abort(ctx, id, domain.PairingMethodPIN, err)
		return id, err
	}

	return id, e.finishInitiator(ctx, l, id, domain.PairingMethodPIN, keys,
		remoteInfo(reply.Device, domain.DeviceInfo{DeviceID: deviceID}))
}

// finishInitiator sends the initiator's confirmation and completes once the
// responder reports done.
func (e *Engine) finishInitiator(ctx context.Context, l *link, id string, method domain.PairingMethod,
	keys sessionKeys, remote domain.DeviceInfo) error {
	if err := l.send(ctx, protocol.PairingPayload{
		Step:      protocol.PairStepConfirm,
		PairingID: id,
		Method:    method,
		Proof:     keys.mac(roleInitiator),
	}); err != nil {
		e.fail(id, err)
		return err
	}
	if _, err := l.recv(ctx, protocol.PairStepDone); err != nil {
		l.abort(ctx, id, method, err)
		return err
	}
	if err := e.complete(ctx, id, remote, keys.secret); err != nil {
		e.fail(id, err)
		return err
	}
	return nil
}

// HandleIncoming answers a pairing hello on a freshly accepted channel. The
// caller owns the channel.
func (e *Engine) HandleIncoming(ctx context.Context, ch transport.Channel, first *protocol.Message) error {
	var hello protocol.PairingPayload
	if err := first.UnmarshalPayload(&hello); err != nil {
		return domain.E(domain.KindProtocol, "pairing.HandleIncoming", err)
	}
	l := &link{e: e, ch: ch, peerID: first.SenderID}
	if hello.Step != protocol.PairStepHello || hello.Device == nil || hello.Device.DeviceID != first.SenderID {
		err := domain.Errorf(domain.KindProtocol, "pairing.HandleIncoming", "malformed pairing hello")
		l.send(ctx, protocol.PairingPayload{Step: protocol.PairStepFail, Method: hello.Method, Reason: err.Error()})
		return err
	}

	var (
		id    string
		keys  sessionKeys
		reply protocol.PairingPayload
		err   error
	)
	switch hello.Method {
	case domain.PairingMethodQR:
		id, keys, reply, err = e.answerQR(hello)
	case domain.PairingMethodPIN:
		id, keys, reply, err = e.answerPIN(hello)
	default:
		err = domain.Errorf(domain.KindValidation, "pairing.HandleIncoming", "unsupported pairing method %q", hello.Method)
	}
	if err != nil {
		if id != "" {
			l.abort(ctx, id, hello.Method, err)
		} else {
			l.send(ctx, protocol.PairingPayload{Step: protocol.PairStepFail, Method: hello.Method, Reason: reasonOf(err)})
		}
		return err
	}

	if err := l.send(ctx, reply); err != nil {
		e.fail(id, err)
		return err
	}
	confirm, err := l.recv(ctx, protocol.PairStepConfirm)
	if err != nil {
		l.abort(ctx, id, hello.Method, err)
		return err
	}
	if !keys.check(roleInitiator, confirm.Proof) {
		err := domain.E(domain.KindAuthentication, "pairing.HandleIncoming", domain.ErrInvalidCode)
		l.abort(ctx, id, hello.Method, err)
		return err
	}

	if err := e.complete(ctx, id, *hello.Device, keys.secret); err != nil {
		l.abort(ctx, id, hello.Method, err)
		return err
	}
	return l.send(ctx, protocol.PairingPayload{Step: protocol.PairStepDone, PairingID: id, Method: hello.Method})
}

// claimLocked moves a generated code into authentication once a peer has
// presented it.
func (e *Engine) claimLocked(p *domain.DevicePairing, remoteID string) ([]domain.DevicePairing, error) {
	if err := e.checkUsableLocked(p); err != nil {
		return nil, err
	}
	p.RemoteDeviceID = remoteID
	scanned, err := e.transitionLocked(p, domain.PairingCodeScanned)
	if err != nil {
		return nil, err
	}
	authenticating, err := e.transitionLocked(p, domain.PairingAuthenticating)
	if err != nil {
		return nil, err
	}
	return []domain.DevicePairing{scanned, authenticating}, nil
}

func (e *Engine) answerQR(hello protocol.PairingPayload) (string, sessionKeys, protocol.PairingPayload, error) {
	var reply protocol.PairingPayload
	remoteID := hello.Device.DeviceID

	e.mu.Lock()
	p, ok := e.pairings[hello.PairingID]
	mat := e.codes[hello.PairingID]
	if !ok || p.Method != domain.PairingMethodQR {
		e.mu.Unlock()
		return "", sessionKeys{}, reply, domain.E(domain.KindAuthentication, "pairing.answerQR", domain.ErrInvalidCode)
	}
	if mat == nil || !hmac.Equal(qrHelloMAC(mat.qrNonce, p.ID, remoteID, hello.PublicKey), hello.Proof) {
		// Only a device that read the code knows the nonce; others are
		// turned away without burning the code.
		err := e.checkUsableLocked(p)
		e.mu.Unlock()
		if err != nil {
			return "", sessionKeys{}, reply, err
		}
		return "", sessionKeys{}, reply, domain.E(domain.KindAuthentication, "pairing.answerQR", domain.ErrInvalidCode)
	}
	snaps, err := e.claimLocked(p, remoteID)
	e.mu.Unlock()
	if err != nil {
		return "", sessionKeys{}, reply, err
	}
	for _, s := range snaps {
		e.publish(s)
	}

	shared, err := curve25519.X25519(mat.qrPriv, hello.PublicKey)
	if err != nil {
		return p.ID, sessionKeys{}, reply, domain.E(domain.KindAuthentication, "pairing.answerQR", domain.ErrInvalidCode)
	}
	ikm := append(append([]byte(nil), shared...), mat.qrNonce...)
	tr := transcript([]byte("bizsync qr v1"), []byte(p.ID), []byte(remoteID), []byte(e.self.DeviceID), hello.PublicKey, mat.qrPub)
	keys := deriveKeys(ikm, tr)

	self := e.self
	reply = protocol.PairingPayload{
		Step:      protocol.PairStepReply,
		PairingID: p.ID,
		Method:    domain.PairingMethodQR,
		Device:    &self,
		Proof:     keys.mac(roleResponder),
	}
	return p.ID, keys, reply, nil
}

func (e *Engine) answerPIN(hello protocol.PairingPayload) (string, sessionKeys, protocol.PairingPayload, error) {
	var reply protocol.PairingPayload
	remoteID := hello.Device.DeviceID

	e.mu.Lock()
	p, ok := e.pairings[e.lastPIN]
	if !ok {
		e.mu.Unlock()
		return "", sessionKeys{}, reply, domain.E(domain.KindAuthentication, "pairing.answerPIN", domain.ErrInvalidCode)
	}
	mat := e.codes[p.ID]
	snaps, err := e.claimLocked(p, remoteID)
	e.mu.Unlock()
	if err != nil {
		return "", sessionKeys{}, reply, err
	}
	for _, s := range snaps {
		e.publish(s)
	}
	if mat == nil {
		return p.ID, sessionKeys{}, reply, domain.E(domain.KindAuthentication, "pairing.answerPIN", domain.ErrPairingClosed)
	}

	w, wb, err := pinScalar(mat.pin, remoteID, e.self.DeviceID, e.cfg.PINKDF)
	if err != nil {
		return p.ID, sessionKeys{}, reply, domain.E(domain.KindInternal, "pairing.answerPIN", err)
	}
	sp, err := newSPAKE(w, pointN, pointM)
	if err != nil {
		return p.ID, sessionKeys{}, reply, domain.E(domain.KindInternal, "pairing.answerPIN", err)
	}
	k, err := sp.Shared(hello.PublicKey)
	if err != nil {
		return p.ID, sessionKeys{}, reply, domain.E(domain.KindAuthentication, "pairing.answerPIN", domain.ErrInvalidCode)
	}
	tr := transcript([]byte("bizsync spake2 v1"), []byte(remoteID), []byte(e.self.DeviceID), hello.PublicKey, sp.Public(), wb)
	keys := deriveKeys(k, tr)

	self := e.self
	reply = protocol.PairingPayload{
		Step:      protocol.PairStepReply,
		PairingID: p.ID,
		Method:    domain.PairingMethodPIN,
		Device:    &self,
		PublicKey: sp.Public(),
		Proof:     keys.mac(roleResponder),
	}
	return p.ID, keys, reply, nil
}

// rekey adopts the responder's pairing id so both sides store the secret
// under the same name.
func (e *Engine) rekey(from, to string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.pairings[to]; exists {
		return domain.Errorf(domain.KindProtocol, "pairing.rekey", "pairing id %s already in use", to)
	}
	p, ok := e.pairings[from]
	if !ok {
		return domain.E(domain.KindNotFound, "pairing.rekey", domain.ErrPairingNotFound)
	}
	delete(e.pairings, from)
	p.ID = to
	e.pairings[to] = p
	return nil
}

func (e *Engine) open(ctx context.Context, hint domain.DeviceInfo) (transport.Channel, error) {
	dial := e.dialer()
	if dial == nil {
		return nil, domain.E(domain.KindTransport, "pairing.open", domain.ErrNoTransport)
	}
	return dial(ctx, hint)
}

func (e *Engine) mustGet(id string) domain.DevicePairing {
	p, _ := e.Get(id)
	return p
}

func remoteInfo(announced *domain.DeviceInfo, fallback domain.DeviceInfo) domain.DeviceInfo {
	if announced == nil || announced.DeviceID != fallback.DeviceID {
		return fallback
	}
	info := *announced
	if len(info.Transports) == 0 {
		info.Transports = fallback.Transports
	}
	if len(info.Metadata) == 0 {
		info.Metadata = fallback.Metadata
	}
	return info
}
