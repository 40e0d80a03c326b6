// Package protocol defines the wire format shared by the hub and its clients.
// Every exchange is a single JSON envelope whose data shape is determined by
// its kind. Envelopes are never mutated after construction.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the unit every message travels in.
type Envelope struct {
	Type        Kind            `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	RequestID   string          `json:"requestId,omitempty"`
	WorkspaceID string          `json:"workspaceId,omitempty"`
}

// NewEnvelope marshals payload and stamps the current time. A nil payload
// produces an envelope with no data field (used for ping/pong).
func NewEnvelope(kind Kind, payload any) (Envelope, error) {
	env := Envelope{
		Type:      kind,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Data = data
	}
	return env, nil
}

// WithWorkspace returns a copy of the envelope tagged with a workspace ID.
func (e Envelope) WithWorkspace(workspaceID string) Envelope {
	e.WorkspaceID = workspaceID
	return e
}

// WithRequestID returns a copy of the envelope carrying a correlation ID.
func (e Envelope) WithRequestID(requestID string) Envelope {
	e.RequestID = requestID
	return e
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ParseEnvelope decodes raw bytes into an envelope and rejects unknown kinds.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("unknown envelope kind %q", env.Type)
	}
	return env, nil
}
