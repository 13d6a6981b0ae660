package connection

import (
	"context"
	"encoding/base64"
	"fmt"

	"bizsync-p2p/internal/cryptoutil"
	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/protocol"
	"bizsync-p2p/internal/transport"
	"bizsync-p2p/pkg/jwt"
)

func newChallenge() (string, error) {
	b, err := cryptoutil.RandomBytes(32)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func readMessage(ctx context.Context, ch transport.Channel) (*protocol.Message, error) {
	select {
	case <-ctx.Done():
		return nil, domain.E(domain.KindAuthentication, "connection.read", ctx.Err())
	case data, ok := <-ch.Receive():
		if !ok {
			return nil, domain.E(domain.KindTransport, "connection.read", domain.ErrChannelClosed)
		}
		return protocol.Decode(data)
	}
}

func reject(ctx context.Context, ch transport.Channel, self, to string, cause error) {
	msg, err := protocol.NewMessage(protocol.TypeError, self, to, protocol.ErrorPayload{
		Code:    protocol.CodeUnauthorized,
		Message: cause.Error(),
	})
	if err != nil {
		return
	}
	if data, err := protocol.Encode(msg); err == nil {
		ch.Send(ctx, data)
	}
}

// expect reads the next message, requires its type and sender, and checks
// its signature.
func (c *conn) expect(ctx context.Context, want protocol.MessageType, payload interface{}) error {
	msg, err := readMessage(ctx, c.ch)
	if err != nil {
		return err
	}
	if msg.Type == protocol.TypeError {
		var p protocol.ErrorPayload
		msg.UnmarshalPayload(&p)
		return domain.Errorf(domain.KindAuthentication, "connection.auth", "peer refused connection: %s", p.Message)
	}
	if msg.Type != want {
		return domain.Errorf(domain.KindProtocol, "connection.auth", "expected %s, got %s", want, msg.Type)
	}
	if msg.SenderID != c.deviceID {
		return domain.Errorf(domain.KindAuthentication, "connection.auth", "unexpected sender %q", msg.SenderID)
	}
	if err := c.signer.Verify(msg); err != nil {
		return domain.E(domain.KindAuthentication, "connection.auth", err)
	}
	if err := msg.UnmarshalPayload(payload); err != nil {
		return domain.E(domain.KindProtocol, "connection.auth", err)
	}
	return nil
}

// authenticateOutbound runs the dialing side: challenge the peer, answer its
// counter-challenge, then wait for the handshake that confirms the channel.
func (m *Manager) authenticateOutbound(ctx context.Context, c *conn, secret []byte) error {
	key := cryptoutil.Derive(secret, cryptoutil.PurposeAuth, nil)
	challenge, err := newChallenge()
	if err != nil {
		return domain.E(domain.KindInternal, "connection.auth", err)
	}
	if err := c.send(ctx, protocol.TypeAuthenticationRequest, protocol.AuthRequestPayload{
		Device:    m.self,
		Challenge: challenge,
	}); err != nil {
		return err
	}

	var resp protocol.AuthResponsePayload
	if err := c.expect(ctx, protocol.TypeAuthenticationResponse, &resp); err != nil {
		return err
	}
	if _, err := jwt.ValidateProof(resp.Proof, key, c.deviceID, m.self.DeviceID, challenge); err != nil {
		return domain.E(domain.KindAuthentication, "connection.auth", err)
	}
	if resp.Challenge == "" {
		return domain.Errorf(domain.KindProtocol, "connection.auth", "peer sent no counter-challenge")
	}

	proof, err := jwt.GenerateProof(m.self.DeviceID, c.deviceID, resp.Challenge, m.cfg.ProofTTL, key)
	if err != nil {
		return domain.E(domain.KindInternal, "connection.auth", err)
	}
	if err := c.send(ctx, protocol.TypeAuthenticationResponse, protocol.AuthResponsePayload{Proof: proof}); err != nil {
		return err
	}

	var hs protocol.HandshakePayload
	if err := c.expect(ctx, protocol.TypeHandshake, &hs); err != nil {
		return err
	}
	if hs.ProtocolVersion != protocol.Version || hs.Device.DeviceID != c.deviceID {
		return domain.Errorf(domain.KindProtocol, "connection.auth", "handshake mismatch: version %d device %q", hs.ProtocolVersion, hs.Device.DeviceID)
	}
	return nil
}

// authenticateInbound answers an authentication request that arrived as the
// first frame on an accepted channel.
func (m *Manager) authenticateInbound(ctx context.Context, c *conn, secret []byte, first *protocol.Message) error {
	if err := c.signer.Verify(first); err != nil {
		reject(ctx, c.ch, m.self.DeviceID, c.deviceID, err)
		return domain.E(domain.KindAuthentication, "connection.auth", err)
	}
	var req protocol.AuthRequestPayload
	if err := first.UnmarshalPayload(&req); err != nil {
		return domain.E(domain.KindProtocol, "connection.auth", err)
	}
	if req.Device.DeviceID != c.deviceID || req.Challenge == "" {
		return domain.Errorf(domain.KindProtocol, "connection.auth", "malformed authentication request")
	}

	key := cryptoutil.Derive(secret, cryptoutil.PurposeAuth, nil)
	proof, err := jwt.GenerateProof(m.self.DeviceID, c.deviceID, req.Challenge, m.cfg.ProofTTL, key)
	if err != nil {
		return domain.E(domain.KindInternal, "connection.auth", err)
	}
	counter, err := newChallenge()
	if err != nil {
		return domain.E(domain.KindInternal, "connection.auth", err)
	}
	if err := c.send(ctx, protocol.TypeAuthenticationResponse, protocol.AuthResponsePayload{
		Proof:     proof,
		Challenge: counter,
	}); err != nil {
		return err
	}

	var resp protocol.AuthResponsePayload
	if err := c.expect(ctx, protocol.TypeAuthenticationResponse, &resp); err != nil {
		return err
	}
	if _, err := jwt.ValidateProof(resp.Proof, key, c.deviceID, m.self.DeviceID, counter); err != nil {
		reject(ctx, c.ch, m.self.DeviceID, c.deviceID, err)
		return domain.E(domain.KindAuthentication, "connection.auth", fmt.Errorf("counter-challenge: %w", err))
	}

	return c.send(ctx, protocol.TypeHandshake, protocol.HandshakePayload{
		ProtocolVersion: protocol.Version,
		Device:          m.self,
	})
}
