// Package wire defines the envelope carried by every transport the
// dispatch fabric speaks (HTTP, WebSocket, the worker message-queue
// binding) and the pluggable serializer/compressor strategies used to
// put it on and off the wire.
package wire

import "encoding/json"

// Envelope is the canonical request/response object from spec §3.
// A request carries Method/Parameters (and optionally Batch); a
// response carries exactly one of Result or Error.
type Envelope struct {
	Method     string               `json:"method,omitempty"`
	Parameters map[string]any       `json:"parameters,omitempty"`
	// Batch carries both directions: a request's batch of sub-
	// envelopes keyed by caller-chosen key, and a batched response's
	// per-key results/errors under the same key set.
	Batch   map[string]*Envelope `json:"batch,omitempty"`
	Result  any                  `json:"result,omitempty"`
	Error   *ErrorValue          `json:"error,omitempty"`
	Session *SessionValue        `json:"session,omitempty"`
}

// ErrorValue is the wire shape of toto.Error.
type ErrorValue struct {
	Code  int `json:"code"`
	Value any `json:"value"`
}

// SessionValue is the wire shape of a created/refreshed session,
// attached to a response envelope per spec §3/§6.
type SessionValue struct {
	SessionID string `json:"session_id"`
	Expires   int64  `json:"expires"`
	UserID    string `json:"user_id,omitempty"`
}

// IsBatch reports whether this envelope is a batch request.
func (e *Envelope) IsBatch() bool {
	return e.Batch != nil
}

// Marshal is a convenience for tests and callers who don't need a
// pluggable Serializer — the handler always goes through one.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
