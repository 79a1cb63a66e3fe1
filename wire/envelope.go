// Package wire defines the envelope format and the event tag set exchanged
// with the server over the persistent socket. Envelopes are tagged JSON
// objects; once constructed they are never mutated.
package wire

import (
	"encoding/json"
	"time"
)

// Envelope is one typed unit of wire communication.
type Envelope struct {
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	ID        string         `json:"id,omitempty"`
	Timestamp int64          `json:"timestamp"` // unix millis
	UserID    string         `json:"user_id,omitempty"`
	ChatID    string         `json:"chat_id,omitempty"`
}

// New creates an envelope with the current timestamp.
func New(t EventType, data map[string]any) Envelope {
	return Envelope{
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Encode serializes the envelope for the socket.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses one envelope off the socket. An envelope with an empty or
// unknown type tag decodes fine; classification happens at dispatch.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// String reads a string field from the payload, or "" if absent.
func (e Envelope) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Bool reads a bool field from the payload.
func (e Envelope) Bool(key string) bool {
	b, _ := e.Data[key].(bool)
	return b
}

// Float reads a numeric field from the payload. JSON numbers always decode
// as float64 inside Data.
func (e Envelope) Float(key string) float64 {
	f, _ := e.Data[key].(float64)
	return f
}
