package uplink

// engineSink binds one engine instance to the client together with the
// generation it was created under. Every notification is checked against
// the client's current generation, so a replaced engine can keep talking
// into the void without corrupting the live session.
type engineSink struct {
	client *Client
	gen    uint64
}

var _ EngineEvents = (*engineSink)(nil)

func (s *engineSink) Connected() {
	s.client.engineConnected(s.gen)
}

func (s *engineSink) ConnectFailed(err error) {
	s.client.engineFailure(s.gen, err)
}

func (s *engineSink) ConnectionLost(err error) {
	s.client.engineFailure(s.gen, err)
}

func (s *engineSink) Message(topic string, payload []byte) {
	s.client.engineMessage(s.gen, topic, payload)
}

func (s *engineSink) Error(err error) {
	s.client.engineError(s.gen, err)
}

// engineConnected moves a connecting session to its connected state and
// fires the connect callback.
func (c *Client) engineConnected(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case StateConnectingPrimary:
		c.state = StateConnectedPrimary
	case StateConnectingFallback:
		c.state = StateConnectedFallback
	default:
		c.mu.Unlock()
		return
	}
	state := c.state
	c.mu.Unlock()

	c.logInfo("session established", "state", state.String())
	if fn := c.connectCallback(); fn != nil {
		c.invoke("connect", func() { fn() })
	}
}

// engineFailure drives the state machine for any failure notification
// from the engine serving generation gen. The reaction depends on where
// the session is, not on which notification arrived: a failure while
// negotiating is a failed attempt, a failure while connected is a lost
// session. The single legacy-level recovery attempt is launched here when
// fallback is enabled.
func (c *Client) engineFailure(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}

	var (
		report      error // handed to the disconnect callback
		negotiating bool  // true when a connect attempt failed rather than a live session
		retried     bool  // true when the legacy-level attempt was launched instead
	)

	switch c.state {
	case StateConnectingPrimary:
		negotiating = true
		if c.fallback {
			retried, report = c.failoverLocked()
		} else {
			c.stopEngineLocked()
			c.state = StateDisconnected
			report = &ConnectError{Attempt: AttemptPrimary, Err: err}
		}
	case StateConnectingFallback:
		negotiating = true
		c.stopEngineLocked()
		c.state = StateDisconnected
		report = &ConnectError{Attempt: AttemptFallback, Err: err}
	case StateConnectedPrimary:
		if c.fallback {
			retried, report = c.failoverLocked()
		} else {
			c.stopEngineLocked()
			c.state = StateDisconnected
			report = err
		}
	case StateConnectedFallback:
		c.stopEngineLocked()
		c.state = StateDisconnected
		report = err
	default:
		// Idle or Disconnected: nothing live to tear down.
		c.mu.Unlock()
		return
	}
	c.lastError = err
	c.mu.Unlock()

	if retried {
		c.logWarn("retrying on legacy protocol level", "error", err)
		return
	}

	if negotiating {
		c.logError("negotiation failed", "error", report)
		if fn := c.errorCallback(); fn != nil {
			c.invoke("error", func() { fn(report) })
		}
	} else {
		c.logWarn("connection lost", "error", report)
	}
	if fn := c.disconnectCallback(); fn != nil {
		c.invoke("disconnect", func() { fn(report) })
	}
}

// failoverLocked retires the failed engine and launches the legacy-level
// attempt from the current staged configuration. When the launch itself
// fails the session is already Disconnected and the returned error is
// what the caller should report. Callers hold c.mu.
func (c *Client) failoverLocked() (launched bool, failure error) {
	c.stopEngineLocked()
	c.state = StateConnectingFallback
	if err := c.startAttemptLocked(AttemptFallback); err != nil {
		return false, err
	}
	return true, nil
}

// engineMessage delivers an inbound publish to the registered handler.
func (c *Client) engineMessage(gen uint64, topic string, payload []byte) {
	c.mu.RLock()
	stale := gen != c.generation
	c.mu.RUnlock()
	if stale {
		return
	}

	c.stats.messagesReceived.Add(1)
	c.stats.bytesReceived.Add(uint64(len(payload)))

	fn := c.messageCallback()
	if fn == nil {
		c.logDebug("inbound message dropped, no handler registered", "topic", topic)
		return
	}
	c.invoke("message", func() { fn(topic, payload) })
}

// engineError surfaces an informational engine error. No state change
// ever results from these.
func (c *Client) engineError(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.lastError = err
	c.mu.Unlock()

	c.stats.engineErrors.Add(1)
	c.logWarn("engine error", "error", err)
	if fn := c.errorCallback(); fn != nil {
		c.invoke("error", func() { fn(err) })
	}
}

// invoke runs a user callback with panic recovery so a misbehaving
// handler cannot kill the engine goroutine that delivered the event.
func (c *Client) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logError("callback panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}
