package uplink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Default session tuning. Keepalive matches the firmware convention for
// always-on links; the connect timeout bounds one CONNECT exchange.
const (
	defaultKeepAlive      = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

// Logger is the interface for structured logging within the client.
// Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// Stats is a point-in-time snapshot of client activity counters.
type Stats struct {
	ConnectAttempts   uint64
	FallbackAttempts  uint64
	MessagesPublished uint64
	MessagesReceived  uint64
	BytesReceived     uint64
	EngineErrors      uint64
	LastError         string // Text of the most recent failure, empty before any
}

// clientStats holds the live counters behind Stats.
type clientStats struct {
	connectAttempts   atomic.Uint64
	fallbackAttempts  atomic.Uint64
	messagesPublished atomic.Uint64
	messagesReceived  atomic.Uint64
	bytesReceived     atomic.Uint64
	engineErrors      atomic.Uint64
}

// Client manages one logical broker session: staged configuration, the
// negotiation state machine, and the callbacks that surface session and
// traffic events.
//
// Configuration setters stage values that take effect on the next
// negotiation attempt; a running session is never reconfigured in place.
// All methods are safe for concurrent use. Callbacks are invoked
// synchronously from engine delivery goroutines, so they must return
// promptly and must not call Connect or Disconnect inline.
type Client struct {
	mu         sync.RWMutex
	addr       BrokerAddress
	clientID   string
	keepAlive  time.Duration
	fallback   bool
	creds      *Credentials
	certs      CertificateBundle
	will       *Will
	state      SessionState
	engine     Engine
	generation uint64
	factory    EngineFactory
	lastError  error

	callbackMu   sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)
	onMessage    func(topic string, payload []byte)
	onError      func(err error)

	loggerMu sync.RWMutex
	logger   Logger

	stats clientStats
}

// New creates a client with conventional defaults: plain TCP on port
// 1883, a 30 second keepalive, protocol fallback disabled and the paho
// transport engine. Every default can be overridden before Connect.
func New() *Client {
	return &Client{
		addr:      BrokerAddress{Port: DefaultPort},
		keepAlive: defaultKeepAlive,
		state:     StateIdle,
		factory:   NewPahoEngine,
	}
}

// ===== Staged configuration =====

// SetBrokerURI stages the full broker endpoint from a URI such as
// "mqtts://broker.example.com:8883" or "wss://broker.example.com/mqtt".
// The URI is validated now; a malformed one returns ErrInvalidURI and
// leaves the staged address untouched.
func (c *Client) SetBrokerURI(uri string) error {
	addr, err := ParseBrokerURI(uri)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.addr = addr
	c.mu.Unlock()
	return nil
}

// SetServer stages the broker host and port directly, keeping the staged
// transport and security flags. A zero port selects the conventional
// default for the staged security mode.
func (c *Client) SetServer(host string, port uint16) {
	c.mu.Lock()
	c.addr.Host = host
	if port == 0 {
		port = defaultPortFor(c.addr.Secure)
	}
	c.addr.Port = port
	c.mu.Unlock()
}

// SetWebSocket stages whether the session tunnels over WebSocket rather
// than raw TCP.
func (c *Client) SetWebSocket(enabled bool) {
	c.mu.Lock()
	c.addr.WebSocket = enabled
	c.mu.Unlock()
}

// SetPath stages the WebSocket endpoint path. Ignored by non-WebSocket
// transports.
func (c *Client) SetPath(path string) {
	c.mu.Lock()
	c.addr.Path = path
	c.mu.Unlock()
}

// BrokerURI returns the canonical URI for the currently staged address.
func (c *Client) BrokerURI() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr.URI()
}

// SetCredentials stages the username/password pair offered at CONNECT.
// Before the first call the session authenticates anonymously; staged
// credentials persist until replaced, and empty strings are legitimate
// values, not absence.
func (c *Client) SetCredentials(username, password string) {
	c.mu.Lock()
	c.creds = &Credentials{Username: username, Password: password}
	c.mu.Unlock()
}

// SetKeepAlive stages the CONNECT keepalive interval.
func (c *Client) SetKeepAlive(interval time.Duration) {
	c.mu.Lock()
	c.keepAlive = interval
	c.mu.Unlock()
}

// SetProtocolFallback stages whether a failed primary negotiation (or an
// unexpected disconnect from a primary session) is retried once on the
// legacy protocol level.
func (c *Client) SetProtocolFallback(enabled bool) {
	c.mu.Lock()
	c.fallback = enabled
	c.mu.Unlock()
}

// SetCACertificate stages the PEM bundle used to verify the broker.
// Last write wins; empty input is ignored so a missing file read upstream
// cannot wipe previously staged material.
func (c *Client) SetCACertificate(pem []byte) {
	if len(pem) == 0 {
		return
	}
	c.mu.Lock()
	c.certs.CA = clonePEM(pem)
	c.mu.Unlock()
}

// SetClientCertificate stages the PEM client certificate for mutual TLS.
// Empty input is ignored.
func (c *Client) SetClientCertificate(pem []byte) {
	if len(pem) == 0 {
		return
	}
	c.mu.Lock()
	c.certs.Certificate = clonePEM(pem)
	c.mu.Unlock()
}

// SetClientKey stages the PEM private key matching the client
// certificate. Empty input is ignored.
func (c *Client) SetClientKey(pem []byte) {
	if len(pem) == 0 {
		return
	}
	c.mu.Lock()
	c.certs.Key = clonePEM(pem)
	c.mu.Unlock()
}

// SetInsecure stages whether broker certificate verification is skipped.
// For bench use against self-signed brokers only.
func (c *Client) SetInsecure(insecure bool) {
	c.mu.Lock()
	c.certs.Insecure = insecure
	c.mu.Unlock()
}

// SetWill stages the testament registered at CONNECT and published by the
// broker if the session drops uncleanly.
func (c *Client) SetWill(topic string, payload []byte, qos byte, retained bool) {
	c.mu.Lock()
	w := Will{Topic: topic, Payload: payload, QoS: qos, Retained: retained}.clone()
	c.will = &w
	c.mu.Unlock()
}

// ClearWill removes a previously staged testament.
func (c *Client) ClearWill() {
	c.mu.Lock()
	c.will = nil
	c.mu.Unlock()
}

// SetEngineFactory replaces the transport engine constructor. The default
// builds paho-backed engines; tests substitute a fake to drive the
// session machine without a broker. Takes effect on the next attempt.
func (c *Client) SetEngineFactory(factory EngineFactory) {
	c.mu.Lock()
	if factory == nil {
		factory = NewPahoEngine
	}
	c.factory = factory
	c.mu.Unlock()
}

// ===== Callbacks =====

// OnConnect registers the handler invoked after each accepted CONNECT,
// including the one that completes a fallback attempt. Subscriptions do
// not survive reconnection, so this handler is the place to re-establish
// them.
func (c *Client) OnConnect(fn func()) {
	c.callbackMu.Lock()
	c.onConnect = fn
	c.callbackMu.Unlock()
}

// OnDisconnect registers the handler invoked when the session ends: with
// a nil error after a caller-initiated Disconnect, and with the causing
// error when the engine reports failure or loss.
func (c *Client) OnDisconnect(fn func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = fn
	c.callbackMu.Unlock()
}

// OnMessage registers the handler for inbound messages on subscribed
// topics. The payload slice is the engine's; copy it before retaining.
func (c *Client) OnMessage(fn func(topic string, payload []byte)) {
	c.callbackMu.Lock()
	c.onMessage = fn
	c.callbackMu.Unlock()
}

// OnError registers the handler for informational engine errors. These
// never imply a session state change.
func (c *Client) OnError(fn func(err error)) {
	c.callbackMu.Lock()
	c.onError = fn
	c.callbackMu.Unlock()
}

func (c *Client) connectCallback() func() {
	c.callbackMu.RLock()
	defer c.callbackMu.RUnlock()
	return c.onConnect
}

func (c *Client) disconnectCallback() func(error) {
	c.callbackMu.RLock()
	defer c.callbackMu.RUnlock()
	return c.onDisconnect
}

func (c *Client) messageCallback() func(string, []byte) {
	c.callbackMu.RLock()
	defer c.callbackMu.RUnlock()
	return c.onMessage
}

func (c *Client) errorCallback() func(error) {
	c.callbackMu.RLock()
	defer c.callbackMu.RUnlock()
	return c.onError
}

// ===== Session queries =====

// State returns the current session state.
func (c *Client) State() SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether a session is established and the engine is
// live.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.IsConnected() && c.engine != nil
}

// UsingFallback reports whether the current session (or attempt) is on
// the legacy protocol level.
func (c *Client) UsingFallback() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.UsingFallback()
}

// Stats returns a snapshot of the activity counters.
func (c *Client) Stats() Stats {
	stats := Stats{
		ConnectAttempts:   c.stats.connectAttempts.Load(),
		FallbackAttempts:  c.stats.fallbackAttempts.Load(),
		MessagesPublished: c.stats.messagesPublished.Load(),
		MessagesReceived:  c.stats.messagesReceived.Load(),
		BytesReceived:     c.stats.bytesReceived.Load(),
		EngineErrors:      c.stats.engineErrors.Load(),
	}
	c.mu.RLock()
	if c.lastError != nil {
		stats.LastError = c.lastError.Error()
	}
	c.mu.RUnlock()
	return stats
}

// HealthCheck verifies the session is established. Suitable for wiring
// into a daemon-level health aggregator.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// ===== Logging =====

// SetLogger installs a structured logger. Passing nil silences the
// client. Safe to call at any time, including while connected.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, keysAndValues ...interface{}) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...interface{}) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...interface{}) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, keysAndValues ...interface{}) {
	if l := c.getLogger(); l != nil {
		l.Error(msg, keysAndValues...)
	}
}
