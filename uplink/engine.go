package uplink

import "time"

// ProtocolLevel is the MQTT protocol level offered in the CONNECT packet.
type ProtocolLevel byte

// The two levels the session manager negotiates with. The primary level
// is offered first; the legacy level is the single downgrade target when
// protocol fallback is enabled.
const (
	ProtocolPrimary ProtocolLevel = 4 // MQTT 3.1.1
	ProtocolLegacy  ProtocolLevel = 3 // MQTT 3.1
)

// String returns the wire-protocol name for the level.
func (p ProtocolLevel) String() string {
	switch p {
	case ProtocolPrimary:
		return "3.1.1"
	case ProtocolLegacy:
		return "3.1"
	default:
		return "unknown"
	}
}

// MessageID identifies a dispatched publish, subscribe or unsubscribe
// operation. Values are only meaningful for correlation and logging.
type MessageID int

// MessageIDNone is returned by dispatch operations that never reached the
// engine.
const MessageIDNone MessageID = -1

// EngineConfig is the frozen per-attempt configuration handed to an
// EngineFactory. It is a snapshot: the session manager deep-copies all
// staged values at the moment an attempt starts, so later setter calls on
// the client cannot leak into a running engine.
type EngineConfig struct {
	// Broker is the resolved endpoint for this attempt.
	Broker BrokerAddress

	// ClientID is the identifier offered in CONNECT. Never empty.
	ClientID string

	// KeepAlive is the CONNECT keep-alive interval.
	KeepAlive time.Duration

	// Protocol is the level offered for this attempt.
	Protocol ProtocolLevel

	// Credentials is nil when no username/password was ever staged.
	Credentials *Credentials

	// TLS holds the PEM material. Only consulted when Broker.Secure.
	TLS CertificateBundle

	// Will is nil when no testament was staged.
	Will *Will

	// ConnectTimeout bounds how long one CONNECT exchange may take before
	// the engine reports the attempt as failed.
	ConnectTimeout time.Duration
}

// EngineEvents receives lifecycle and traffic notifications from an
// engine. Implementations are invoked synchronously from the engine's own
// delivery goroutines, so handlers must not block for long and must not
// call back into the engine that delivered the event.
type EngineEvents interface {
	// Connected fires once the broker accepts the CONNECT.
	Connected()

	// ConnectFailed fires when the attempt started by Start cannot reach
	// an accepted CONNECT (dial error, TLS failure, CONNACK refusal,
	// timeout). Fires at most once per Start.
	ConnectFailed(err error)

	// ConnectionLost fires when an established session drops without the
	// caller asking for it. Never fires after Stop.
	ConnectionLost(err error)

	// Message delivers an inbound publish with its exact payload bytes.
	Message(topic string, payload []byte)

	// Error reports a non-fatal engine condition. Informational only;
	// never implies a session state change.
	Error(err error)
}

// Engine is one single-use transport instance bound to one negotiation
// attempt. Engines are never restarted: the session manager constructs a
// fresh engine per attempt and stops the previous one first.
type Engine interface {
	// Start begins the asynchronous connection attempt. It must return
	// without waiting for the CONNECT exchange and must not deliver
	// events synchronously from the calling goroutine. The outcome
	// arrives later as exactly one of Connected or ConnectFailed.
	Start() error

	// Stop tears the engine down. After Stop returns no further events
	// are delivered. Safe to call regardless of connection state and
	// safe to call more than once.
	Stop()

	// Publish dispatches an outbound message and returns the engine's
	// identifier for it.
	Publish(topic string, payload []byte, qos byte, retained bool) (MessageID, error)

	// Subscribe registers a topic filter with the broker.
	Subscribe(topic string, qos byte) (MessageID, error)

	// Unsubscribe removes a topic filter.
	Unsubscribe(topic string) (MessageID, error)
}

// EngineFactory builds an Engine for one attempt. Factories must validate
// what they can without I/O (certificate PEM, key pairing) and report
// problems as errors matching ErrEngineInit.
//
// The default factory wraps the Eclipse Paho client; tests substitute
// their own via SetEngineFactory.
type EngineFactory func(cfg EngineConfig, events EngineEvents) (Engine, error)
