package uplink

import (
	"errors"
	"fmt"
)

// Domain-specific errors for uplink operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidURI is returned for a malformed or unsupported broker
	// address (unknown scheme, missing host, port out of range).
	ErrInvalidURI = errors.New("uplink: invalid broker uri")

	// ErrMissingClientID is returned by Connect when the client identifier
	// is empty. No engine is constructed and the session state is unchanged.
	ErrMissingClientID = errors.New("uplink: client id is required")

	// ErrEngineInit is returned when the transport engine could not be
	// constructed from the staged configuration (for example unparsable
	// certificate PEM). The attempt ends before any network I/O.
	ErrEngineInit = errors.New("uplink: engine initialisation failed")

	// ErrConnectFailed is the kind shared by every failed negotiation
	// attempt. Match with errors.Is; use errors.As with *ConnectError to
	// learn which attempt failed.
	ErrConnectFailed = errors.New("uplink: connect failed")

	// ErrNotConnected is returned when publish/subscribe/unsubscribe is
	// invoked with no live session. Reported per call, never via callback.
	ErrNotConnected = errors.New("uplink: no active connection")

	// ErrInvalidQoS is returned when a QoS level above 2 is requested.
	ErrInvalidQoS = errors.New("uplink: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty topic is provided.
	ErrInvalidTopic = errors.New("uplink: topic cannot be empty")

	// ErrPublishFailed is returned when the engine rejects a publish.
	ErrPublishFailed = errors.New("uplink: publish failed")

	// ErrSubscribeFailed is returned when the engine rejects a subscribe.
	ErrSubscribeFailed = errors.New("uplink: subscribe failed")

	// ErrUnsubscribeFailed is returned when the engine rejects an unsubscribe.
	ErrUnsubscribeFailed = errors.New("uplink: unsubscribe failed")
)

// Attempt identifies which negotiation attempt an error belongs to.
type Attempt string

// The two attempts the session manager will ever make for one connection.
const (
	AttemptPrimary  Attempt = "primary"
	AttemptFallback Attempt = "fallback"
)

// ConnectError reports a failed negotiation attempt, tagged with whether
// the primary or the fallback protocol level was being offered.
//
// It matches ErrConnectFailed under errors.Is, so callers that do not care
// which attempt failed can treat all negotiation failures uniformly:
//
//	if errors.Is(err, uplink.ErrConnectFailed) { ... }
//
//	var cerr *uplink.ConnectError
//	if errors.As(err, &cerr) && cerr.Attempt == uplink.AttemptFallback { ... }
type ConnectError struct {
	// Attempt is the negotiation attempt that failed.
	Attempt Attempt

	// Err is the underlying engine error.
	Err error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("uplink: connect failed (%s attempt): %v", e.Attempt, e.Err)
}

// Unwrap returns the underlying engine error.
func (e *ConnectError) Unwrap() error { return e.Err }

// Is reports whether target is ErrConnectFailed.
func (e *ConnectError) Is(target error) bool { return target == ErrConnectFailed }
