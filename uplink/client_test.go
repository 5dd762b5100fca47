package uplink

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeEngine is a scriptable engine that records dispatches and exposes
// its event sink, so tests can drive the session machine without a
// broker. Events are delivered by calling sink methods directly, which
// mirrors the synchronous delivery contract of the real engine.
type fakeEngine struct {
	cfg      EngineConfig
	events   EngineEvents
	startErr error

	mu           sync.Mutex
	started      bool
	stopped      bool
	publishes    []fakeDispatch
	subscribes   []fakeDispatch
	unsubscribes []string
}

type fakeDispatch struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (e *fakeEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	e.started = true
	return nil
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
}

func (e *fakeEngine) Publish(topic string, payload []byte, qos byte, retained bool) (MessageID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishes = append(e.publishes, fakeDispatch{topic: topic, payload: payload, qos: qos, retained: retained})
	return MessageID(len(e.publishes)), nil
}

func (e *fakeEngine) Subscribe(topic string, qos byte) (MessageID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribes = append(e.subscribes, fakeDispatch{topic: topic, qos: qos})
	return MessageID(100 + len(e.subscribes)), nil
}

func (e *fakeEngine) Unsubscribe(topic string) (MessageID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsubscribes = append(e.unsubscribes, topic)
	return MessageID(200 + len(e.unsubscribes)), nil
}

func (e *fakeEngine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *fakeEngine) isStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// fakeFactory builds fakeEngines, remembering every engine together with
// the frozen snapshot it was built from.
type fakeFactory struct {
	mu        sync.Mutex
	engines   []*fakeEngine
	initErr   error
	startErrs []error // consumed one per build; nil entries mean a clean start
}

func (f *fakeFactory) build(cfg EngineConfig, events EngineEvents) (Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	var startErr error
	if len(f.startErrs) > 0 {
		startErr = f.startErrs[0]
		f.startErrs = f.startErrs[1:]
	}
	e := &fakeEngine{cfg: cfg, events: events, startErr: startErr}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *fakeFactory) engine(t *testing.T, i int) *fakeEngine {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.engines) {
		t.Fatalf("engine(%d): only %d engines built", i, len(f.engines))
	}
	return f.engines[i]
}

// testClient returns a client wired to a fake engine factory and a
// plausible broker address.
func testClient(t *testing.T) (*Client, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	c := New()
	c.SetEngineFactory(f.build)
	c.SetServer("broker.test", 1883)
	return c, f
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnectRequiresClientID(t *testing.T) {
	c, f := testClient(t)

	err := c.Connect("")
	if !errors.Is(err, ErrMissingClientID) {
		t.Fatalf("Connect(\"\") error = %v, want ErrMissingClientID", err)
	}
	if f.count() != 0 {
		t.Errorf("engines built = %d, want 0", f.count())
	}
	if c.State() != StateIdle {
		t.Errorf("State() = %v, want StateIdle", c.State())
	}
}

func TestConnectRequiresBrokerHost(t *testing.T) {
	f := &fakeFactory{}
	c := New()
	c.SetEngineFactory(f.build)

	err := c.Connect("dev-1")
	if !errors.Is(err, ErrInvalidURI) {
		t.Fatalf("Connect() error = %v, want ErrInvalidURI", err)
	}
	if f.count() != 0 {
		t.Errorf("engines built = %d, want 0", f.count())
	}
	if c.State() != StateIdle {
		t.Errorf("State() = %v, want StateIdle", c.State())
	}
}

func TestConnectStartsPrimaryAttempt(t *testing.T) {
	c, f := testClient(t)
	c.SetKeepAlive(45 * time.Second)

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if c.State() != StateConnectingPrimary {
		t.Errorf("State() = %v, want StateConnectingPrimary", c.State())
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true before broker accepted")
	}

	eng := f.engine(t, 0)
	if !eng.isStarted() {
		t.Error("engine was not started")
	}
	if eng.cfg.Protocol != ProtocolPrimary {
		t.Errorf("snapshot protocol = %v, want ProtocolPrimary", eng.cfg.Protocol)
	}
	if eng.cfg.ClientID != "dev-1" {
		t.Errorf("snapshot client id = %q, want %q", eng.cfg.ClientID, "dev-1")
	}
	if eng.cfg.KeepAlive != 45*time.Second {
		t.Errorf("snapshot keepalive = %v, want 45s", eng.cfg.KeepAlive)
	}
	if got := eng.cfg.Broker.URI(); got != "mqtt://broker.test:1883" {
		t.Errorf("snapshot broker = %q, want mqtt://broker.test:1883", got)
	}
}

func TestConnectedCallbackAndState(t *testing.T) {
	c, f := testClient(t)

	connected := make(chan struct{}, 1)
	c.OnConnect(func() { connected <- struct{}{} })

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	f.engine(t, 0).events.Connected()

	select {
	case <-connected:
	default:
		t.Fatal("connect callback did not fire")
	}
	if c.State() != StateConnectedPrimary {
		t.Errorf("State() = %v, want StateConnectedPrimary", c.State())
	}
	if !c.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if c.UsingFallback() {
		t.Error("UsingFallback() = true, want false")
	}
}

func TestConnectReplacesLiveSession(t *testing.T) {
	c, f := testClient(t)

	connects := make(chan struct{}, 2)
	c.OnConnect(func() { connects <- struct{}{} })

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eng0 := f.engine(t, 0)
	eng0.events.Connected()
	<-connects

	// Reconnecting from a live session retires the old engine and starts
	// a fresh primary attempt.
	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if !eng0.isStopped() {
		t.Error("old engine was not stopped")
	}
	if f.count() != 2 {
		t.Fatalf("engines built = %d, want 2", f.count())
	}
	if c.State() != StateConnectingPrimary {
		t.Errorf("State() = %v, want StateConnectingPrimary", c.State())
	}

	// A late event from the retired engine must not disturb the new
	// attempt.
	eng0.events.Connected()
	if c.State() != StateConnectingPrimary {
		t.Errorf("State() after stale event = %v, want StateConnectingPrimary", c.State())
	}
	select {
	case <-connects:
		t.Fatal("stale engine event fired the connect callback")
	default:
	}
}

func TestConnectEngineInitFailure(t *testing.T) {
	c, f := testClient(t)
	c.SetProtocolFallback(true)
	f.initErr = errors.New("boom")

	err := c.Connect("dev-1")
	if !errors.Is(err, ErrEngineInit) {
		t.Fatalf("Connect() error = %v, want ErrEngineInit", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want StateDisconnected", c.State())
	}
	// Construction failures are configuration problems; retrying them on
	// the legacy level would fail identically.
	if f.count() != 0 {
		t.Errorf("engines built = %d, want 0", f.count())
	}
}

func TestConnectSyncStartFailureFallsBack(t *testing.T) {
	c, f := testClient(t)
	c.SetProtocolFallback(true)
	f.startErrs = []error{errors.New("no transport")}

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v, want fallback launch", err)
	}
	if f.count() != 2 {
		t.Fatalf("engines built = %d, want 2", f.count())
	}
	if got := f.engine(t, 1).cfg.Protocol; got != ProtocolLegacy {
		t.Errorf("fallback protocol = %v, want ProtocolLegacy", got)
	}
	if c.State() != StateConnectingFallback {
		t.Errorf("State() = %v, want StateConnectingFallback", c.State())
	}
}

func TestConnectSyncStartFailureNoFallback(t *testing.T) {
	c, f := testClient(t)
	f.startErrs = []error{errors.New("no transport")}

	err := c.Connect("dev-1")
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectFailed", err)
	}
	var cerr *ConnectError
	if !errors.As(err, &cerr) || cerr.Attempt != AttemptPrimary {
		t.Errorf("Connect() error = %v, want primary ConnectError", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want StateDisconnected", c.State())
	}
	if f.count() != 1 {
		t.Errorf("engines built = %d, want 1", f.count())
	}
}

// =============================================================================
// Protocol Fallback Tests
// =============================================================================

func TestPrimaryNegotiationFailureFallsBack(t *testing.T) {
	c, f := testClient(t)
	c.SetProtocolFallback(true)

	connected := make(chan struct{}, 1)
	disconnected := make(chan error, 1)
	c.OnConnect(func() { connected <- struct{}{} })
	c.OnDisconnect(func(err error) { disconnected <- err })

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eng0 := f.engine(t, 0)
	eng0.events.ConnectFailed(errors.New("connection refused"))

	if f.count() != 2 {
		t.Fatalf("engines built = %d, want 2", f.count())
	}
	if !eng0.isStopped() {
		t.Error("failed primary engine was not stopped")
	}
	if c.State() != StateConnectingFallback {
		t.Errorf("State() = %v, want StateConnectingFallback", c.State())
	}
	if !c.UsingFallback() {
		t.Error("UsingFallback() = false during fallback attempt")
	}
	select {
	case err := <-disconnected:
		t.Fatalf("disconnect callback fired during fallback: %v", err)
	default:
	}

	eng1 := f.engine(t, 1)
	if eng1.cfg.Protocol != ProtocolLegacy {
		t.Errorf("fallback protocol = %v, want ProtocolLegacy", eng1.cfg.Protocol)
	}
	eng1.events.Connected()

	select {
	case <-connected:
	default:
		t.Fatal("connect callback did not fire for fallback session")
	}
	if c.State() != StateConnectedFallback {
		t.Errorf("State() = %v, want StateConnectedFallback", c.State())
	}
	if !c.IsConnected() || !c.UsingFallback() {
		t.Errorf("IsConnected() = %v, UsingFallback() = %v, want true/true", c.IsConnected(), c.UsingFallback())
	}
}

func TestPrimaryNegotiationFailureNoFallback(t *testing.T) {
	c, f := testClient(t)

	disconnected := make(chan error, 1)
	errored := make(chan error, 1)
	c.OnDisconnect(func(err error) { disconnected <- err })
	c.OnError(func(err error) { errored <- err })

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	f.engine(t, 0).events.ConnectFailed(errors.New("connection refused"))

	var got error
	select {
	case got = <-disconnected:
	default:
		t.Fatal("disconnect callback did not fire")
	}
	if !errors.Is(got, ErrConnectFailed) {
		t.Errorf("disconnect error = %v, want ErrConnectFailed", got)
	}
	var cerr *ConnectError
	if !errors.As(got, &cerr) || cerr.Attempt != AttemptPrimary {
		t.Errorf("disconnect error = %v, want primary ConnectError", got)
	}
	select {
	case <-errored:
	default:
		t.Error("error callback did not fire for negotiation failure")
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want StateDisconnected", c.State())
	}
	if f.count() != 1 {
		t.Errorf("engines built = %d, want 1", f.count())
	}
}

func TestFallbackNegotiationFailureIsTerminal(t *testing.T) {
	c, f := testClient(t)
	c.SetProtocolFallback(true)

	disconnected := make(chan error, 1)
	c.OnDisconnect(func(err error) { disconnected <- err })

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	f.engine(t, 0).events.ConnectFailed(errors.New("refused v4"))
	f.engine(t, 1).events.ConnectFailed(errors.New("refused v3"))

	var got error
	select {
	case got = <-disconnected:
	default:
		t.Fatal("disconnect callback did not fire")
	}
	var cerr *ConnectError
	if !errors.As(got, &cerr) || cerr.Attempt != AttemptFallback {
		t.Errorf("disconnect error = %v, want fallback ConnectError", got)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want StateDisconnected", c.State())
	}
	if f.count() != 2 {
		t.Errorf("engines built = %d, want 2, fallback must not retry", f.count())
	}
}

func TestConnectionLostTriggersFallbackOnce(t *testing.T) {
	c, f := testClient(t)
	c.SetProtocolFallback(true)

	disconnected := make(chan error, 1)
	c.OnDisconnect(func(err error) { disconnected <- err })

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eng0 := f.engine(t, 0)
	eng0.events.Connected()
	if c.State() != StateConnectedPrimary {
		t.Fatalf("State() = %v, want StateConnectedPrimary", c.State())
	}

	// An unexpected loss of the primary session gets one recovery attempt
	// on the legacy level.
	eng0.events.ConnectionLost(errors.New("broken pipe"))
	if f.count() != 2 {
		t.Fatalf("engines built = %d, want 2", f.count())
	}
	if c.State() != StateConnectingFallback {
		t.Errorf("State() = %v, want StateConnectingFallback", c.State())
	}
	select {
	case err := <-disconnected:
		t.Fatalf("disconnect callback fired during recovery: %v", err)
	default:
	}

	eng1 := f.engine(t, 1)
	eng1.events.Connected()
	if c.State() != StateConnectedFallback {
		t.Fatalf("State() = %v, want StateConnectedFallback", c.State())
	}

	// Losing the fallback session is terminal: no second recovery.
	lossErr := errors.New("broken pipe again")
	eng1.events.ConnectionLost(lossErr)

	var got error
	select {
	case got = <-disconnected:
	default:
		t.Fatal("disconnect callback did not fire after fallback loss")
	}
	if !errors.Is(got, lossErr) {
		t.Errorf("disconnect error = %v, want %v", got, lossErr)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want StateDisconnected", c.State())
	}
	if f.count() != 2 {
		t.Errorf("engines built = %d, want 2", f.count())
	}
}

func TestConnectionLostNoFallbackWhenDisabled(t *testing.T) {
	c, f := testClient(t)

	disconnected := make(chan error, 1)
	c.OnDisconnect(func(err error) { disconnected <- err })

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eng := f.engine(t, 0)
	eng.events.Connected()

	lossErr := errors.New("keepalive timeout")
	eng.events.ConnectionLost(lossErr)

	var got error
	select {
	case got = <-disconnected:
	default:
		t.Fatal("disconnect callback did not fire")
	}
	if !errors.Is(got, lossErr) {
		t.Errorf("disconnect error = %v, want %v", got, lossErr)
	}
	if f.count() != 1 {
		t.Errorf("engines built = %d, want 1", f.count())
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want StateDisconnected", c.State())
	}
}

func TestFallbackSnapshotUsesCurrentConfig(t *testing.T) {
	c, f := testClient(t)
	c.SetProtocolFallback(true)
	c.SetCredentials("first", "pw1")

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eng0 := f.engine(t, 0)
	if eng0.cfg.Credentials == nil || eng0.cfg.Credentials.Username != "first" {
		t.Fatalf("primary snapshot credentials = %+v, want first", eng0.cfg.Credentials)
	}

	// Staged between attempts: the fallback snapshot must see it.
	c.SetCredentials("second", "pw2")
	eng0.events.ConnectFailed(errors.New("refused"))

	eng1 := f.engine(t, 1)
	if eng1.cfg.Credentials == nil || eng1.cfg.Credentials.Username != "second" {
		t.Errorf("fallback snapshot credentials = %+v, want second", eng1.cfg.Credentials)
	}
}

// =============================================================================
// Disconnect Tests
// =============================================================================

func TestDisconnect(t *testing.T) {
	c, f := testClient(t)
	c.SetProtocolFallback(true)

	disconnected := make(chan error, 1)
	c.OnDisconnect(func(err error) { disconnected <- err })

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eng := f.engine(t, 0)
	eng.events.Connected()

	c.Disconnect()

	if !eng.isStopped() {
		t.Error("engine was not stopped")
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want StateDisconnected", c.State())
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}

	var got error
	select {
	case got = <-disconnected:
	default:
		t.Fatal("disconnect callback did not fire")
	}
	if got != nil {
		t.Errorf("disconnect error = %v, want nil for deliberate disconnect", got)
	}

	// Deliberate disconnects never trigger recovery, even with fallback
	// enabled.
	if f.count() != 1 {
		t.Errorf("engines built = %d, want 1", f.count())
	}
}

func TestDisconnectIdleNoOp(t *testing.T) {
	c, _ := testClient(t)

	disconnected := make(chan error, 1)
	c.OnDisconnect(func(err error) { disconnected <- err })

	c.Disconnect()

	if c.State() != StateIdle {
		t.Errorf("State() = %v, want StateIdle", c.State())
	}
	select {
	case <-disconnected:
		t.Error("disconnect callback fired for idle client")
	default:
	}
}

func TestDisconnectTwiceSingleCallback(t *testing.T) {
	c, f := testClient(t)

	disconnected := make(chan error, 2)
	c.OnDisconnect(func(err error) { disconnected <- err })

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	f.engine(t, 0).events.Connected()

	c.Disconnect()
	c.Disconnect()

	if got := len(disconnected); got != 1 {
		t.Errorf("disconnect callbacks fired = %d, want 1", got)
	}
}

// =============================================================================
// Dispatch Tests
// =============================================================================

func TestPublishNotConnected(t *testing.T) {
	c, _ := testClient(t)

	id, err := c.Publish("site/state", []byte("on"), 1, false)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish() error = %v, want ErrNotConnected", err)
	}
	if id != MessageIDNone {
		t.Errorf("Publish() id = %d, want MessageIDNone", id)
	}
}

func TestPublishWhileNegotiating(t *testing.T) {
	c, _ := testClient(t)

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// The attempt is in flight but the broker has not accepted yet.
	id, err := c.Publish("site/state", []byte("on"), 1, false)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish() error = %v, want ErrNotConnected", err)
	}
	if id != MessageIDNone {
		t.Errorf("Publish() id = %d, want MessageIDNone", id)
	}
}

func TestPublishValidation(t *testing.T) {
	c, f := testClient(t)
	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	f.engine(t, 0).events.Connected()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{name: "empty topic", topic: "", payload: []byte("x"), qos: 1, wantErr: ErrInvalidTopic},
		{name: "invalid qos", topic: "site/state", payload: []byte("x"), qos: 3, wantErr: ErrInvalidQoS},
		{name: "oversize payload", topic: "site/state", payload: make([]byte, maxPayloadSize+1), qos: 1, wantErr: ErrPublishFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
			if id != MessageIDNone {
				t.Errorf("Publish() id = %d, want MessageIDNone", id)
			}
		})
	}

	if got := len(f.engine(t, 0).publishes); got != 0 {
		t.Errorf("rejected publishes reached the engine: %d", got)
	}
}

func TestPublish(t *testing.T) {
	c, f := testClient(t)
	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eng := f.engine(t, 0)
	eng.events.Connected()

	id, err := c.Publish("site/state", []byte(`{"on":true}`), 1, true)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if id != 1 {
		t.Errorf("Publish() id = %d, want 1", id)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.publishes) != 1 {
		t.Fatalf("engine publishes = %d, want 1", len(eng.publishes))
	}
	p := eng.publishes[0]
	if p.topic != "site/state" || string(p.payload) != `{"on":true}` || p.qos != 1 || !p.retained {
		t.Errorf("engine saw %+v", p)
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	c, f := testClient(t)
	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eng := f.engine(t, 0)
	eng.events.Connected()

	id, err := c.Subscribe("site/cmd/#", 1)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if id != 101 {
		t.Errorf("Subscribe() id = %d, want 101", id)
	}

	id, err = c.Unsubscribe("site/cmd/#")
	if err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if id != 201 {
		t.Errorf("Unsubscribe() id = %d, want 201", id)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.subscribes) != 1 || eng.subscribes[0].topic != "site/cmd/#" || eng.subscribes[0].qos != 1 {
		t.Errorf("engine subscribes = %+v", eng.subscribes)
	}
	if len(eng.unsubscribes) != 1 || eng.unsubscribes[0] != "site/cmd/#" {
		t.Errorf("engine unsubscribes = %+v", eng.unsubscribes)
	}
}

func TestSubscribeValidation(t *testing.T) {
	c, f := testClient(t)
	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	f.engine(t, 0).events.Connected()

	if _, err := c.Subscribe("", 1); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if _, err := c.Subscribe("site/cmd/#", 5); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos=5) error = %v, want ErrInvalidQoS", err)
	}
	if _, err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
}

// =============================================================================
// Event Delivery Tests
// =============================================================================

func TestMessageDelivery(t *testing.T) {
	c, f := testClient(t)

	type msg struct {
		topic   string
		payload []byte
	}
	received := make(chan msg, 1)
	c.OnMessage(func(topic string, payload []byte) {
		received <- msg{topic: topic, payload: payload}
	})

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eng := f.engine(t, 0)
	eng.events.Connected()
	eng.events.Message("site/cmd/light", []byte(`{"on":true}`))

	select {
	case m := <-received:
		if m.topic != "site/cmd/light" {
			t.Errorf("topic = %q, want site/cmd/light", m.topic)
		}
		if !bytes.Equal(m.payload, []byte(`{"on":true}`)) {
			t.Errorf("payload = %q", m.payload)
		}
	default:
		t.Fatal("message callback did not fire")
	}
}

func TestMessageWithoutHandler(t *testing.T) {
	c, f := testClient(t)

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eng := f.engine(t, 0)
	eng.events.Connected()

	// Must not panic with no handler registered.
	eng.events.Message("site/cmd/light", []byte("on"))
}

func TestErrorEventInformational(t *testing.T) {
	c, f := testClient(t)

	errored := make(chan error, 1)
	c.OnError(func(err error) { errored <- err })

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eng := f.engine(t, 0)
	eng.events.Connected()

	engineErr := errors.New("publish ack timeout")
	eng.events.Error(engineErr)

	select {
	case got := <-errored:
		if !errors.Is(got, engineErr) {
			t.Errorf("error callback got %v, want %v", got, engineErr)
		}
	default:
		t.Fatal("error callback did not fire")
	}

	// Error events are informational: the session must be untouched.
	if c.State() != StateConnectedPrimary {
		t.Errorf("State() = %v, want StateConnectedPrimary", c.State())
	}
	if !c.IsConnected() {
		t.Error("IsConnected() = false after informational error")
	}
}

func TestStaleEventsAfterDisconnect(t *testing.T) {
	c, f := testClient(t)
	c.SetProtocolFallback(true)

	received := make(chan struct{}, 1)
	c.OnMessage(func(string, []byte) { received <- struct{}{} })

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eng := f.engine(t, 0)
	eng.events.Connected()
	c.Disconnect()

	// Events racing the teardown are dropped rather than resurrecting
	// the session.
	eng.events.Message("site/cmd/light", []byte("on"))
	eng.events.ConnectionLost(errors.New("late"))

	select {
	case <-received:
		t.Error("stale message reached the handler")
	default:
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want StateDisconnected", c.State())
	}
	if f.count() != 1 {
		t.Errorf("engines built = %d, want 1, stale loss must not trigger fallback", f.count())
	}
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	c, f := testClient(t)

	calls := 0
	c.OnMessage(func(string, []byte) {
		calls++
		panic("handler bug")
	})

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eng := f.engine(t, 0)
	eng.events.Connected()

	eng.events.Message("site/cmd/light", []byte("a"))
	eng.events.Message("site/cmd/light", []byte("b"))

	if calls != 2 {
		t.Errorf("handler calls = %d, want 2, panic must not wedge delivery", calls)
	}
	if !c.IsConnected() {
		t.Error("IsConnected() = false after handler panic")
	}
}

// =============================================================================
// Configuration Staging Tests
// =============================================================================

func TestCredentialsAbsentUntilStaged(t *testing.T) {
	c, f := testClient(t)

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if f.engine(t, 0).cfg.Credentials != nil {
		t.Error("snapshot credentials staged without SetCredentials")
	}

	// Empty strings are legitimate staged values, distinct from absence.
	c.SetCredentials("", "")
	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	creds := f.engine(t, 1).cfg.Credentials
	if creds == nil {
		t.Fatal("snapshot credentials absent after SetCredentials(\"\", \"\")")
	}
	if creds.Username != "" || creds.Password != "" {
		t.Errorf("snapshot credentials = %+v, want empty pair", creds)
	}
}

func TestCertificateStagingLastWriteWins(t *testing.T) {
	c, f := testClient(t)

	first := []byte("-----BEGIN CERTIFICATE-----\nfirst\n-----END CERTIFICATE-----\n")
	second := []byte("-----BEGIN CERTIFICATE-----\nsecond\n-----END CERTIFICATE-----\n")

	c.SetCACertificate(first)
	c.SetCACertificate(nil)      // ignored
	c.SetCACertificate([]byte{}) // ignored
	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := f.engine(t, 0).cfg.TLS.CA; !bytes.Equal(got, first) {
		t.Errorf("snapshot CA = %q, want first staging to survive empty writes", got)
	}

	c.SetCACertificate(second)
	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := f.engine(t, 1).cfg.TLS.CA; !bytes.Equal(got, second) {
		t.Errorf("snapshot CA = %q, want second", got)
	}

	// The same discipline applies to the client certificate slot.
	c.SetClientCertificate(first)
	c.SetClientCertificate(second)
	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := f.engine(t, 2).cfg.TLS.Certificate; !bytes.Equal(got, second) {
		t.Errorf("snapshot client certificate = %q, want second", got)
	}
}

func TestSnapshotIsolatedFromLaterMutation(t *testing.T) {
	c, f := testClient(t)

	ca := []byte("-----BEGIN CERTIFICATE-----\noriginal\n-----END CERTIFICATE-----\n")
	want := bytes.Clone(ca)
	c.SetCACertificate(ca)
	ca[30] = 'X' // caller reuses its buffer

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eng := f.engine(t, 0)
	if !bytes.Equal(eng.cfg.TLS.CA, want) {
		t.Error("caller buffer mutation reached the staged CA")
	}

	// Staging after the snapshot must not reach the running engine either.
	c.SetCACertificate([]byte("-----BEGIN CERTIFICATE-----\nreplaced\n-----END CERTIFICATE-----\n"))
	c.SetCredentials("late", "late")
	if !bytes.Equal(eng.cfg.TLS.CA, want) {
		t.Error("later staging reached the frozen snapshot")
	}
	if eng.cfg.Credentials != nil {
		t.Error("later credentials reached the frozen snapshot")
	}
}

func TestWillStaging(t *testing.T) {
	c, f := testClient(t)

	c.SetWill("site/status/dev-1", []byte("offline"), 1, true)
	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	will := f.engine(t, 0).cfg.Will
	if will == nil {
		t.Fatal("snapshot will absent after SetWill")
	}
	if will.Topic != "site/status/dev-1" || string(will.Payload) != "offline" || will.QoS != 1 || !will.Retained {
		t.Errorf("snapshot will = %+v", will)
	}

	c.ClearWill()
	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if f.engine(t, 1).cfg.Will != nil {
		t.Error("snapshot will present after ClearWill")
	}
}

func TestSetBrokerURIStagesEndpoint(t *testing.T) {
	c, f := testClient(t)

	if err := c.SetBrokerURI("wss://b.example.com/mqtt"); err != nil {
		t.Fatalf("SetBrokerURI() error = %v", err)
	}
	if got := c.BrokerURI(); got != "wss://b.example.com:8883/mqtt" {
		t.Errorf("BrokerURI() = %q, want wss://b.example.com:8883/mqtt", got)
	}

	// A malformed URI leaves the staged endpoint untouched.
	if err := c.SetBrokerURI("ftp://b.example.com"); !errors.Is(err, ErrInvalidURI) {
		t.Fatalf("SetBrokerURI() error = %v, want ErrInvalidURI", err)
	}
	if got := c.BrokerURI(); got != "wss://b.example.com:8883/mqtt" {
		t.Errorf("BrokerURI() after bad staging = %q", got)
	}

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	addr := f.engine(t, 0).cfg.Broker
	if !addr.Secure || !addr.WebSocket || addr.Port != 8883 || addr.Path != "/mqtt" {
		t.Errorf("snapshot broker = %+v", addr)
	}
}

func TestSetServerKeepsTransportFlags(t *testing.T) {
	c, _ := testClient(t)

	if err := c.SetBrokerURI("mqtts://old.example.com:9993"); err != nil {
		t.Fatalf("SetBrokerURI() error = %v", err)
	}
	c.SetServer("new.example.com", 0)

	// Host replaced, zero port resolved against the staged security mode.
	if got := c.BrokerURI(); got != "mqtts://new.example.com:8883" {
		t.Errorf("BrokerURI() = %q, want mqtts://new.example.com:8883", got)
	}
}

func TestDiscreteWebSocketStaging(t *testing.T) {
	c, f := testClient(t)

	// Piecewise staging with the secure bit untouched yields a plain
	// WebSocket endpoint.
	c.SetWebSocket(true)
	c.SetPath("/mqtt")
	c.SetServer("b.example.com", 443)

	if got := c.BrokerURI(); got != "ws://b.example.com:443/mqtt" {
		t.Errorf("BrokerURI() = %q, want ws://b.example.com:443/mqtt", got)
	}

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	addr := f.engine(t, 0).cfg.Broker
	if addr.Secure || !addr.WebSocket || addr.Host != "b.example.com" || addr.Port != 443 || addr.Path != "/mqtt" {
		t.Errorf("snapshot broker = %+v", addr)
	}
}

// =============================================================================
// Health and Stats Tests
// =============================================================================

func TestHealthCheck(t *testing.T) {
	c, f := testClient(t)

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	f.engine(t, 0).events.Connected()

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestStatsCounters(t *testing.T) {
	c, f := testClient(t)
	c.SetProtocolFallback(true)

	if err := c.Connect("dev-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eng0 := f.engine(t, 0)
	eng0.events.ConnectFailed(errors.New("refused"))
	eng1 := f.engine(t, 1)
	eng1.events.Connected()

	if _, err := c.Publish("site/state", []byte("on"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	eng1.events.Message("site/cmd/light", []byte("toggle"))
	eng1.events.Error(errors.New("minor"))

	stats := c.Stats()
	if stats.ConnectAttempts != 2 {
		t.Errorf("ConnectAttempts = %d, want 2", stats.ConnectAttempts)
	}
	if stats.FallbackAttempts != 1 {
		t.Errorf("FallbackAttempts = %d, want 1", stats.FallbackAttempts)
	}
	if stats.MessagesPublished != 1 {
		t.Errorf("MessagesPublished = %d, want 1", stats.MessagesPublished)
	}
	if stats.MessagesReceived != 1 {
		t.Errorf("MessagesReceived = %d, want 1", stats.MessagesReceived)
	}
	if stats.BytesReceived != uint64(len("toggle")) {
		t.Errorf("BytesReceived = %d, want %d", stats.BytesReceived, len("toggle"))
	}
	if stats.EngineErrors != 1 {
		t.Errorf("EngineErrors = %d, want 1", stats.EngineErrors)
	}
	if stats.LastError != "minor" {
		t.Errorf("LastError = %q, want %q", stats.LastError, "minor")
	}
}
