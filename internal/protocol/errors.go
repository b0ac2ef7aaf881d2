package protocol

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/graphroom/relay/internal/monitoring"
)

// Code identifies a failure class. The taxonomy is closed: every error the
// relay raises carries exactly one of these codes.
type Code string

const (
	CodeVersionMismatch     Code = "VERSION_MISMATCH"
	CodeRoomNotFound        Code = "ROOM_NOT_FOUND"
	CodeRoomFull            Code = "ROOM_FULL"
	CodeInvalidMessage      Code = "INVALID_MESSAGE"
	CodeInternalError       Code = "INTERNAL_ERROR"
	CodeUploadNotAuthorized Code = "UPLOAD_NOT_AUTHORIZED"
	CodeStateNotInitialized Code = "STATE_NOT_INITIALIZED"
	CodeTimeout             Code = "TIMEOUT"
)

// Error is the relay's error type. It carries the failure class, the
// operation that raised it, structured context for logging, whether the
// client on the originating socket may see it, and an optional wrapped
// cause reachable through errors.Unwrap.
type Error struct {
	Code          Code
	Op            string
	Message       string
	Context       map[string]any
	ClientVisible bool
	Cause         error
}

// New builds an Error with the default client visibility for its code.
// Protocol-level failures (bad version, unknown room, capacity, malformed
// input) are answered on the socket; internal failures are logged only.
func New(code Code, op, message string) *Error {
	visible := true
	switch code {
	case CodeInternalError, CodeTimeout:
		visible = false
	}
	return &Error{
		Code:          code,
		Op:            op,
		Message:       message,
		ClientVisible: visible,
	}
}

// Internal wraps an unexpected error. Never client visible.
func Internal(op string, cause error) *Error {
	return &Error{
		Code:    CodeInternalError,
		Op:      op,
		Message: "internal error",
		Cause:   cause,
	}
}

// With attaches one structured context entry and returns the error.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 4)
	}
	e.Context[key] = value
	return e
}

// WithCause attaches the underlying error and returns the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Visible overrides the default client visibility and returns the error.
func (e *Error) Visible(v bool) *Error {
	e.ClientVisible = v
	return e
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// AsError returns err as *Error, wrapping foreign errors as INTERNAL_ERROR
// with the original preserved as cause.
func AsError(err error) *Error {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr
	}
	return Internal("unknown", err)
}

// CodeOf reports the taxonomy code of err, INTERNAL_ERROR for foreign errors.
func CodeOf(err error) Code {
	return AsError(err).Code
}

// Handler is the central error sink. Every framework boundary (message
// dispatch, timer callback, connection teardown) routes errors through it:
// it logs one structured line with the full cause chain and hands back an
// error frame when the client on the originating socket should see one.
type Handler struct {
	logger zerolog.Logger
}

// NewHandler builds the handler around the process root logger.
func NewHandler(logger zerolog.Logger) *Handler {
	return &Handler{
		logger: logger.With().Str("component", "errors").Logger(),
	}
}

// Handle logs err merged with extra context and returns the frame to send
// on the originating socket, or nil when nothing is client visible.
func (h *Handler) Handle(err error, context map[string]any) *ErrorFrame {
	if err == nil {
		return nil
	}
	relayErr := AsError(err)
	monitoring.RecordError(string(relayErr.Code))

	event := h.logger.Error().
		Str("code", string(relayErr.Code)).
		Str("op", relayErr.Op).
		Str("stack_trace", string(debug.Stack()))
	if relayErr.Message != "" {
		event = event.Str("message", relayErr.Message)
	}
	for k, v := range relayErr.Context {
		event = event.Interface(k, v)
	}
	for k, v := range context {
		event = event.Interface(k, v)
	}
	if chain := causeChain(relayErr); len(chain) > 0 {
		event = event.Strs("cause_chain", chain)
	}
	event.Msg("Error handled")

	if !relayErr.ClientVisible {
		return nil
	}
	message := relayErr.Message
	if message == "" {
		message = string(relayErr.Code)
	}
	return &ErrorFrame{
		Type:    TypeError,
		Message: message,
		Code:    relayErr.Code,
	}
}

func causeChain(err *Error) []string {
	var chain []string
	for cause := err.Cause; cause != nil; cause = errors.Unwrap(cause) {
		chain = append(chain, cause.Error())
	}
	return chain
}
