package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Common gateway errors that can be checked with errors.Is().
var (
	// ErrAllServersOffline is returned when a full selection pass finds no eligible server.
	ErrAllServersOffline = errors.New("all servers offline")

	// ErrAllConnectionsBusy is returned when the queued wait for a pooled connection expires.
	ErrAllConnectionsBusy = errors.New("all connections busy")

	// ErrNoLocation is returned when no configured path prefix matches the request.
	ErrNoLocation = errors.New("no location matches request")

	// ErrConnect is returned when a fresh backend connection could not be established.
	ErrConnect = errors.New("backend connect failed")

	// ErrProtocol is returned for malformed frames or unexpected blocks.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout is returned when the backend stays silent past its window.
	ErrTimeout = errors.New("backend timeout")

	// ErrBackend is returned when the backend answers with an error block.
	ErrBackend = errors.New("backend error")

	// ErrClientGone is returned when the client disconnected mid-request.
	ErrClientGone = errors.New("client disconnected")
)

// Condition classes used to look up custom error pages.
const (
	ConditionOffline  = "server_unavailable"
	ConditionBusy     = "server_busy"
	ConditionTimeout  = "timeout"
	ConditionBackend  = "application_error"
	ConditionProtocol = "protocol_error"
	ConditionNotFound = "not_found"
	ConditionInternal = "internal_error"
)

// ConnectError reports a DNS/connect/handshake failure on a fresh connection.
type ConnectError struct {
	Server   string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("cannot connect to server %q after %d attempt(s): %v", e.Server, e.Attempts, e.Err)
}

func (e *ConnectError) Is(target error) bool { return target == ErrConnect }

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected wire/frame element.
type ProtocolError struct {
	Op     string
	Reason string
	// KeepConnection is set when the stream is still in a known state and the
	// backend connection can go back to the pool.
	KeepConnection bool
}

func (e *ProtocolError) Error() string {
	if e.Op == "" {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Reason)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// NewProtocolError builds a ProtocolError that forces the connection closed.
func NewProtocolError(op, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// TimeoutKind distinguishes where a timeout happened.
type TimeoutKind int

const (
	// TimeoutBackend: the backend accepted the request but did not answer in time.
	TimeoutBackend TimeoutKind = iota
	// TimeoutNoBackend: no backend could be reached in time.
	TimeoutNoBackend
	// TimeoutMidResponse: the backend went silent after the response started.
	TimeoutMidResponse
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutBackend:
		return "backend"
	case TimeoutNoBackend:
		return "no-backend"
	case TimeoutMidResponse:
		return "mid-response"
	default:
		return "unknown"
	}
}

// TimeoutError reports a backend that stayed silent past its configured window.
type TimeoutError struct {
	Kind   TimeoutKind
	Server string
	After  time.Duration
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout on server %q after %v", e.Kind, e.Server, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.Err }

// PoolExhaustedError is returned when max connections stayed reached for the whole queue wait.
type PoolExhaustedError struct {
	Server         string
	MaxConnections int
	Waited         time.Duration
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("all %d connection(s) to server %q busy (waited %v)", e.MaxConnections, e.Server, e.Waited)
}

func (e *PoolExhaustedError) Is(target error) bool { return target == ErrAllConnectionsBusy }

// AllOfflineError is returned when a selection pass wrapped without an eligible server.
type AllOfflineError struct {
	Path      string
	Attempted []string
}

func (e *AllOfflineError) Error() string {
	return fmt.Sprintf("all servers offline for path %q (checked: %s)", e.Path, strings.Join(e.Attempted, ", "))
}

func (e *AllOfflineError) Is(target error) bool { return target == ErrAllServersOffline }

// BackendError carries error text produced by the backend itself. The text is
// surfaced to the client verbatim.
type BackendError struct {
	Server string
	Text   string
	// Truncated is set when the text was cut short and the rest of the
	// error block is still unread on the backend connection.
	Truncated bool
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("server %q reported: %s", e.Server, e.Text)
}

func (e *BackendError) Is(target error) bool { return target == ErrBackend }

// HTTPStatus maps a gateway error to the response status sent to the client.
func HTTPStatus(err error) int {
	var te *TimeoutError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNoLocation):
		return http.StatusNotFound
	case errors.As(err, &te):
		switch te.Kind {
		case TimeoutBackend:
			return http.StatusGatewayTimeout
		case TimeoutNoBackend:
			return http.StatusServiceUnavailable
		default:
			return http.StatusInternalServerError
		}
	case errors.Is(err, ErrAllServersOffline),
		errors.Is(err, ErrAllConnectionsBusy),
		errors.Is(err, ErrConnect):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrProtocol):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ConditionClass names the error-page condition an error belongs to.
func ConditionClass(err error) string {
	switch {
	case errors.Is(err, ErrNoLocation):
		return ConditionNotFound
	case errors.Is(err, ErrAllConnectionsBusy):
		return ConditionBusy
	case errors.Is(err, ErrAllServersOffline), errors.Is(err, ErrConnect):
		return ConditionOffline
	case errors.Is(err, ErrTimeout):
		return ConditionTimeout
	case errors.Is(err, ErrBackend):
		return ConditionBackend
	case errors.Is(err, ErrProtocol):
		return ConditionProtocol
	default:
		return ConditionInternal
	}
}
