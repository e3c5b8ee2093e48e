package classifier

import (
	"context"
	"encoding/json"
)

// Kind discriminates the possible outcomes of a classification call.
type Kind int

const (
	// KindSuccess means the backend answered 2xx; Raw holds the body.
	KindSuccess Kind = iota
	// KindBackendError means the backend answered with a non-2xx status
	// that is passed through to the caller.
	KindBackendError
	// KindTransportFailure means the backend could not be reached after
	// exhausting retries.
	KindTransportFailure
)

// Label is one scored class prediction from a backend.
type Label struct {
	Name  string  `json:"label"`
	Score float64 `json:"score"`
}

// Outcome is the uniform result of a classification attempt. Exactly one
// variant applies, selected by Kind. Classify never returns a Go error;
// every failure mode is represented here.
type Outcome struct {
	Kind    Kind
	Raw     json.RawMessage // KindSuccess: raw backend response body
	Status  int             // KindBackendError: upstream HTTP status
	Body    json.RawMessage // KindBackendError: upstream response body, if any
	Message string          // human-readable context for error kinds
}

// Classifier turns raw image bytes into a species prediction outcome.
type Classifier interface {
	Classify(ctx context.Context, image []byte) *Outcome
}

// NewSuccess wraps a 2xx backend response body.
func NewSuccess(raw []byte) *Outcome {
	return &Outcome{Kind: KindSuccess, Raw: raw}
}

// NewBackendError wraps a non-2xx backend response.
func NewBackendError(status int, body []byte, message string) *Outcome {
	return &Outcome{Kind: KindBackendError, Status: status, Body: body, Message: message}
}

// NewTransportFailure records a network-level failure that survived retries.
func NewTransportFailure(message string) *Outcome {
	return &Outcome{Kind: KindTransportFailure, Message: message}
}
