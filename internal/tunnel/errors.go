package tunnel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/treykane/tunnel-manager/internal/model"
)

// Kind classifies manager failures so callers can decide what to offer the
// user (retry, pick another port, kill the conflicting forwarder, ...).
type Kind string

const (
	KindPortConflict Kind = "port_conflict"
	KindConnectivity Kind = "connectivity"
	KindSpawn        Kind = "spawn"
	KindCancelled    Kind = "cancelled"
	KindPersistence  Kind = "persistence"
	KindKill         Kind = "kill"
	KindNotFound     Kind = "not_found"
	KindInvalid      Kind = "invalid"
)

// ErrCancelled is wrapped by every cancellation error; test with errors.Is.
var ErrCancelled = errors.New("connection cancelled")

// Error carries a user-safe message plus the details needed to act on it.
// Error() returns only Msg; the underlying cause is available via Unwrap and
// DebugMessage.
type Error struct {
	Kind     Kind
	TunnelID string
	Port     int
	// PID and Command identify the conflicting or unkillable process when known.
	PID     int
	Command string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Msg) == "" {
		return "operation failed"
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// KindOf returns err's Kind, or "" for foreign errors.
func KindOf(err error) Kind {
	if te, ok := AsError(err); ok {
		return te.Kind
	}
	return ""
}

// IsCancelled reports whether err is a user cancellation rather than a failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// DebugMessage returns the user message followed by the wrapped cause, for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	te, ok := AsError(err)
	if !ok || te.Err == nil {
		return err.Error()
	}
	return te.Error() + ": " + te.Err.Error()
}

func notFoundError(id string) error {
	return &Error{Kind: KindNotFound, TunnelID: id, Msg: fmt.Sprintf("tunnel not found: %s", id)}
}

func cancelledError(t model.TunnelConfig) error {
	return &Error{
		Kind:     KindCancelled,
		TunnelID: t.ID,
		Port:     t.LocalPort,
		Msg:      fmt.Sprintf("connection to %s cancelled", t.DisplayName()),
		Err:      ErrCancelled,
	}
}

func conflictError(t model.TunnelConfig, st model.PortStatus) error {
	e := &Error{Kind: KindPortConflict, TunnelID: t.ID, Port: t.LocalPort}
	if st.Existing != nil {
		e.PID = st.Existing.PID
		e.Command = st.Existing.CommandLine
		e.Msg = fmt.Sprintf("local port %d is already forwarded by pid %d", t.LocalPort, st.Existing.PID)
		return e
	}
	e.Msg = fmt.Sprintf("local port %d is in use by another application", t.LocalPort)
	return e
}

func persistenceError(op, path string, err error) error {
	return &Error{Kind: KindPersistence, Msg: fmt.Sprintf("%s %s failed", op, path), Err: err}
}
