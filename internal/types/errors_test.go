package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"no location", ErrNoLocation, http.StatusNotFound},
		{"all offline", &AllOfflineError{Path: "/app/"}, http.StatusServiceUnavailable},
		{"pool exhausted", &PoolExhaustedError{Server: "a", MaxConnections: 2}, http.StatusServiceUnavailable},
		{"connect", &ConnectError{Server: "a", Attempts: 3, Err: errors.New("refused")}, http.StatusServiceUnavailable},
		{"backend timeout", &TimeoutError{Kind: TimeoutBackend}, http.StatusGatewayTimeout},
		{"no backend timeout", &TimeoutError{Kind: TimeoutNoBackend}, http.StatusServiceUnavailable},
		{"mid response timeout", &TimeoutError{Kind: TimeoutMidResponse}, http.StatusInternalServerError},
		{"protocol", NewProtocolError("decode", "bad tag %d", 7), http.StatusBadGateway},
		{"backend text", &BackendError{Server: "a", Text: "<UNDEFINED>"}, http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("dispatch: %w", &PoolExhaustedError{}), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestConditionClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&AllOfflineError{}, ConditionOffline},
		{&ConnectError{Err: errors.New("x")}, ConditionOffline},
		{&PoolExhaustedError{}, ConditionBusy},
		{&TimeoutError{Kind: TimeoutBackend, After: time.Second}, ConditionTimeout},
		{&BackendError{Text: "oops"}, ConditionBackend},
		{NewProtocolError("", "x"), ConditionProtocol},
		{ErrNoLocation, ConditionNotFound},
		{errors.New("other"), ConditionInternal},
	}

	for _, tt := range tests {
		if got := ConditionClass(tt.err); got != tt.want {
			t.Errorf("ConditionClass(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestConnectErrorUnwrap(t *testing.T) {
	root := errors.New("connection refused")
	err := fmt.Errorf("acquire: %w", &ConnectError{Server: "alpha", Attempts: 2, Err: root})

	if !errors.Is(err, ErrConnect) {
		t.Error("expected errors.Is(err, ErrConnect)")
	}
	if !errors.Is(err, root) {
		t.Error("expected root cause to be reachable")
	}
	var ce *ConnectError
	if !errors.As(err, &ce) || ce.Server != "alpha" {
		t.Errorf("errors.As failed: %+v", ce)
	}
}

func TestValidationResult(t *testing.T) {
	r := &ValidationResult{Valid: true}
	if r.Err() != nil {
		t.Fatal("valid result must not produce an error")
	}

	r.Add("servers[0].port", "range", "port %d out of range", 70000)
	if r.Valid {
		t.Error("Add must mark the result invalid")
	}
	if r.Err() == nil {
		t.Fatal("expected error")
	}
	if len(r.Errors) != 1 || r.Errors[0].Code != "range" {
		t.Errorf("unexpected errors: %+v", r.Errors)
	}
}
