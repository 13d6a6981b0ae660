package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bizsync-p2p/internal/domain"
)

const Version = 1

type MessageType string

const (
	TypeHandshake              MessageType = "handshake"
	TypeAuthenticationRequest  MessageType = "authenticationRequest"
	TypeAuthenticationResponse MessageType = "authenticationResponse"
	TypeSyncRequest            MessageType = "syncRequest"
	TypeSyncResponse           MessageType = "syncResponse"
	TypeDataChunk              MessageType = "dataChunk"
	TypeAcknowledgment         MessageType = "acknowledgment"
	TypeConflictNotification   MessageType = "conflictNotification"
	TypeProgressUpdate         MessageType = "progressUpdate"
	TypeError                  MessageType = "error"
	TypeHeartbeat              MessageType = "heartbeat"
)

var knownTypes = map[MessageType]bool{
	TypeHandshake:              true,
	TypeAuthenticationRequest:  true,
	TypeAuthenticationResponse: true,
	TypeSyncRequest:            true,
	TypeSyncResponse:           true,
	TypeDataChunk:              true,
	TypeAcknowledgment:         true,
	TypeConflictNotification:   true,
	TypeProgressUpdate:         true,
	TypeError:                  true,
	TypeHeartbeat:              true,
}

func (t MessageType) Valid() bool {
	return knownTypes[t]
}

// RequiresSignature reports whether receivers must drop the message unless it
// carries a valid signature.
func (t MessageType) RequiresSignature() bool {
	switch t {
	case TypeSyncRequest, TypeSyncResponse, TypeDataChunk, TypeConflictNotification:
		return true
	}
	return false
}

type Message struct {
	MessageID  string          `json:"messageId"`
	Type       MessageType     `json:"type"`
	SenderID   string          `json:"senderId"`
	ReceiverID string          `json:"receiverId"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Signature  string          `json:"signature,omitempty"`
}

func NewMessage(msgType MessageType, senderID, receiverID string, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		MessageID:  uuid.New().String(),
		Type:       msgType,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Timestamp:  time.Now().UTC(),
		Payload:    payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses an envelope and rejects anything structurally unusable with a
// protocol error.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, domain.E(domain.KindProtocol, "decode", fmt.Errorf("malformed envelope: %w", err))
	}
	if !m.Type.Valid() {
		return nil, domain.Errorf(domain.KindProtocol, "decode", "unknown message type %q", m.Type)
	}
	if m.MessageID == "" || m.SenderID == "" {
		return nil, domain.Errorf(domain.KindProtocol, "decode", "envelope missing id or sender")
	}
	return &m, nil
}
