package uplink

import (
	"errors"
	"fmt"
)

// SessionState is the connection lifecycle position of a Client. States
// carry the protocol attempt they belong to, so "connected" and "on the
// fallback level" are both readable from a single value.
type SessionState int

// Session lifecycle states. A Client starts Idle, moves through a
// Connecting state per attempt and ends every session in Disconnected.
const (
	// StateIdle means Connect has never been called.
	StateIdle SessionState = iota

	// StateConnectingPrimary means a negotiation on the primary protocol
	// level is in flight.
	StateConnectingPrimary

	// StateConnectingFallback means the single legacy-level attempt is in
	// flight.
	StateConnectingFallback

	// StateConnectedPrimary means the broker accepted the primary level.
	StateConnectedPrimary

	// StateConnectedFallback means the broker accepted the legacy level.
	StateConnectedFallback

	// StateDisconnected means a previous session or attempt has ended.
	StateDisconnected
)

// String returns a log-friendly name for the state.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnectingPrimary:
		return "connecting"
	case StateConnectingFallback:
		return "connecting-fallback"
	case StateConnectedPrimary:
		return "connected"
	case StateConnectedFallback:
		return "connected-fallback"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsConnected reports whether the state represents an established
// session on either protocol level.
func (s SessionState) IsConnected() bool {
	return s == StateConnectedPrimary || s == StateConnectedFallback
}

// UsingFallback reports whether the state belongs to the legacy-level
// attempt or session.
func (s SessionState) UsingFallback() bool {
	return s == StateConnectingFallback || s == StateConnectedFallback
}

// Connect validates the staged configuration and launches a negotiation
// on the primary protocol level. It blocks only long enough to construct
// and start the engine; the outcome arrives through the connect and
// disconnect callbacks.
//
// A nil return means the attempt was handed to the engine, not that a
// session exists. An empty clientID fails with ErrMissingClientID and an
// empty staged host with ErrInvalidURI, both without touching session
// state. When the engine itself fails synchronously the fallback level
// is tried in the same call if enabled.
//
// Calling Connect while a session is live or an attempt is in flight
// abandons the old engine and starts over from the current staged
// configuration.
func (c *Client) Connect(clientID string) error {
	if clientID == "" {
		return ErrMissingClientID
	}

	c.mu.Lock()
	if c.addr.Host == "" {
		c.mu.Unlock()
		return fmt.Errorf("%w: no broker host configured", ErrInvalidURI)
	}
	c.clientID = clientID
	c.stopEngineLocked()
	c.state = StateConnectingPrimary
	uri := c.addr.URI()
	err := c.startAttemptLocked(AttemptPrimary)
	if err != nil && c.fallback && !isInitError(err) {
		c.logDebug("primary start failed, trying fallback level", "error", err)
		c.state = StateConnectingFallback
		err = c.startAttemptLocked(AttemptFallback)
	}
	c.mu.Unlock()

	if err != nil {
		c.logError("connect failed", "broker", uri, "error", err)
		return err
	}
	c.logInfo("connecting", "broker", uri, "client_id", clientID)
	return nil
}

// Disconnect ends the session deliberately. The engine is stopped, no
// fallback recovery is attempted, and the disconnect callback fires once
// with a nil error from the calling goroutine. A client that is idle or
// already disconnected is left untouched.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.stopEngineLocked()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logInfo("disconnected by caller")
	if fn := c.disconnectCallback(); fn != nil {
		c.invoke("disconnect", func() { fn(nil) })
	}
}

// startAttemptLocked freezes the staged configuration for the given
// attempt, constructs a fresh engine and starts it. On failure the state
// is already Disconnected when the error is returned. Callers hold c.mu.
func (c *Client) startAttemptLocked(attempt Attempt) error {
	cfg := c.snapshotLocked(attempt)
	c.generation++
	sink := &engineSink{client: c, gen: c.generation}

	c.stats.connectAttempts.Add(1)
	if attempt == AttemptFallback {
		c.stats.fallbackAttempts.Add(1)
	}

	engine, err := c.factory(cfg, sink)
	if err != nil {
		c.state = StateDisconnected
		if !isInitError(err) {
			err = fmt.Errorf("%w: %v", ErrEngineInit, err)
		}
		c.lastError = err
		return err
	}

	if err := engine.Start(); err != nil {
		engine.Stop()
		c.state = StateDisconnected
		cerr := &ConnectError{Attempt: attempt, Err: err}
		c.lastError = cerr
		return cerr
	}

	c.engine = engine
	return nil
}

// snapshotLocked deep-copies the staged configuration into a frozen
// per-attempt EngineConfig. Later setter calls cannot reach an engine
// built from this snapshot. Callers hold c.mu.
func (c *Client) snapshotLocked(attempt Attempt) EngineConfig {
	level := ProtocolPrimary
	if attempt == AttemptFallback {
		level = ProtocolLegacy
	}

	cfg := EngineConfig{
		Broker:         c.addr,
		ClientID:       c.clientID,
		KeepAlive:      c.keepAlive,
		Protocol:       level,
		TLS:            c.certs.clone(),
		ConnectTimeout: defaultConnectTimeout,
	}
	if c.creds != nil {
		creds := *c.creds
		cfg.Credentials = &creds
	}
	if c.will != nil {
		will := c.will.clone()
		cfg.Will = &will
	}
	return cfg
}

// stopEngineLocked retires the current engine, if any. The generation is
// bumped before Stop so events already in flight from the old instance
// are recognised as stale even if they overtake the teardown. Callers
// hold c.mu.
func (c *Client) stopEngineLocked() {
	if c.engine == nil {
		return
	}
	c.generation++
	c.engine.Stop()
	c.engine = nil
}

// isInitError reports whether err is a construction-time failure, which
// short-circuits the attempt without any fallback.
func isInitError(err error) bool {
	return errors.Is(err, ErrEngineInit)
}
