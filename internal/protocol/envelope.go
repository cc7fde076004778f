// Package protocol implements the JSON message envelope, the tagged
// message-variant taxonomy, and the dispatcher runtime from spec.md §4.3.
//
// Grounded in idiom on the teacher's core/replication.go wire-message
// style (discriminator constant + one struct per message shape), adapted
// from an in-process msgType switch to a JSON type-tag envelope since
// this system's messages cross process boundaries.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies a message variant by its tagged name.
type Type string

const (
	TypeRegisterRequest    Type = "RegisterRequest"
	TypeRegisterResponse   Type = "RegisterResponse"
	TypeDeregisterRequest  Type = "DeregisterRequest"
	TypeDeregisterResponse Type = "DeregisterResponse"
	TypeDiscoverRequest    Type = "DiscoverRequest"
	TypeDiscoverResponse   Type = "DiscoverResponse"
	TypeIsAliveRequest     Type = "IsAliveRequest"
	TypeIsAliveResponse    Type = "IsAliveResponse"

	TypeRegisterFileRequest     Type = "RegisterFileRequest"
	TypeRegisterFileResponse    Type = "RegisterFileResponse"
	TypeUnregisterFileRequest   Type = "UnregisterFileRequest"
	TypeUnregisterFileResponse  Type = "UnregisterFileResponse"
	TypeGetPeersWithFileRequest Type = "GetPeersWithFileRequest"
	TypeGetPeersWithFileResponse Type = "GetPeersWithFileResponse"
	TypeSearchFilesRequest      Type = "SearchFilesRequest"
	TypeSearchFilesResponse     Type = "SearchFilesResponse"

	TypeFileRequest         Type = "FileRequest"
	TypeFileResponse        Type = "FileResponse"
	TypeFileTransferStart   Type = "FileTransferStart"
	TypeFileTransferComplete Type = "FileTransferComplete"
	TypeFileTransferError   Type = "FileTransferError"
	TypePing                Type = "Ping"
	TypePong                Type = "Pong"

	TypeHeartbeat Type = "Heartbeat"
	TypeError     Type = "Error"
)

// Envelope is the wire format shared by every message variant. Payload
// carries the variant-specific fields as raw JSON, decoded on demand by
// the dispatcher once the Type tag selects a handler.
type Envelope struct {
	MessageID     string            `json:"messageId"`
	Timestamp     int64             `json:"timestamp"`
	Version       string            `json:"version"`
	SenderID      string            `json:"senderId"`
	ReceiverID    string            `json:"receiverId"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Type          Type              `json:"type"`
	Payload       json.RawMessage   `json:"payload"`
}

// ProtocolVersion is stamped on every envelope this implementation emits.
const ProtocolVersion = "1.0"

// NewEnvelope constructs a request envelope with a fresh messageId.
func NewEnvelope(senderID, receiverID string, typ Type, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload: %w", err)
	}
	return &Envelope{
		MessageID:  uuid.NewString(),
		Timestamp:  time.Now().UnixMilli(),
		Version:    ProtocolVersion,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Type:       typ,
		Payload:    raw,
	}, nil
}

// Reply constructs a response envelope correlated to e.
func (e *Envelope) Reply(typ Type, payload any) (*Envelope, error) {
	resp, err := NewEnvelope(e.ReceiverID, e.SenderID, typ, payload)
	if err != nil {
		return nil, err
	}
	resp.CorrelationID = e.MessageID
	return resp, nil
}

// Decode unmarshals the envelope's payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode payload for %s: %w", e.Type, err)
	}
	return nil
}

// IsValid checks the envelope-level invariants common to every variant:
// non-empty messageId/senderId/type. correlationId is not checked.
func (e *Envelope) IsValid() error {
	if e.MessageID == "" {
		return fmt.Errorf("%w: empty messageId", ErrInvalidMessage)
	}
	if e.SenderID == "" {
		return fmt.Errorf("%w: empty senderId", ErrInvalidMessage)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: empty type", ErrInvalidMessage)
	}
	return nil
}

// Marshal serializes the envelope to JSON bytes.
func (e *Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return b, nil
}

// Unmarshal parses JSON bytes into an Envelope, validating it in the same
// pass per spec.md §4.3 ("validation is performed on both serialize and
// deserialize paths").
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := e.IsValid(); err != nil {
		return nil, err
	}
	return &e, nil
}
