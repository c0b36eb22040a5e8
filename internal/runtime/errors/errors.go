package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	ErrConfigRequired    = sterrors.New("predictflow: configuration is required")
	ErrLoggerRequired    = sterrors.New("predictflow: logger is required")
	ErrPublisherRequired = sterrors.New("predictflow: publisher is required")
	ErrQueueRequired     = sterrors.New("predictflow: queue name is required")
	ErrSinkRequired      = sterrors.New("predictflow: record sink is required")
	ErrBrokerRequired    = sterrors.New("predictflow: broker client is required")
	ErrCodecRequired     = sterrors.New("predictflow: message codec is required")
	ErrPayloadRequired   = sterrors.New("predictflow: payload is required")
	ErrHandlerRequired   = sterrors.New("predictflow: delivery handler is required")
	ErrPrefetchInvalid   = sterrors.New("predictflow: prefetch count must be positive")

	// ErrAcknowledgmentSkipped is returned when an ack or nack is requested after
	// the broker channel closed. The broker redelivers the message, so callers
	// log it and move on.
	ErrAcknowledgmentSkipped = sterrors.New("predictflow: acknowledgment skipped, channel closed")

	// ErrClientClosed is returned by broker operations issued after Close.
	ErrClientClosed = sterrors.New("predictflow: broker client closed")

	// ErrAlreadyConsuming is returned when Consume is called twice on one client.
	ErrAlreadyConsuming = sterrors.New("predictflow: broker client is already consuming")
)

// FieldError describes a single rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed input rejected before publication.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "predictflow: invalid payload"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "predictflow: invalid payload: " + strings.Join(parts, "; ")
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: msg}}}
}

// ConnectionError reports that the broker could not be reached or that an
// established channel was lost.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("predictflow: broker %s failed", e.Op)
	}
	return fmt.Sprintf("predictflow: broker %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DeserializationError reports a message body that could not be decoded.
type DeserializationError struct {
	Codec string
	Err   error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("predictflow: decode %s message: %v", e.Codec, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// WriteError reports a record that could not be appended to the sink.
type WriteError struct {
	Sink string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("predictflow: write to %s sink: %v", e.Sink, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return sterrors.As(err, &target)
}

// IsConnection reports whether err wraps a ConnectionError.
func IsConnection(err error) bool {
	var target *ConnectionError
	return sterrors.As(err, &target)
}
