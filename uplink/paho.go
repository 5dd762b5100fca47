package uplink

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// dispatchTimeout bounds how long the background token watchers wait for
// broker acknowledgement before reporting the dispatch as an error event.
const dispatchTimeout = 30 * time.Second

// disconnectQuiesce is how long Stop allows in-flight work to finish
// before the network connection is closed, in milliseconds.
const disconnectQuiesce = 250

// pahoEngine adapts the Eclipse Paho client to the Engine contract. One
// instance serves exactly one negotiation attempt; reconnection and retry
// are disabled so every lifecycle transition is reported upward instead
// of being handled internally.
type pahoEngine struct {
	client  mqtt.Client
	events  EngineEvents
	stopped atomic.Bool

	// dispatchSeq numbers subscribe/unsubscribe operations. The paho
	// tokens for those carry no packet identifier, so the engine assigns
	// its own correlation sequence.
	dispatchSeq atomic.Int64
}

// NewPahoEngine builds the production transport engine. Certificate
// material is validated here, before any network I/O, so a bad bundle
// fails the attempt immediately with ErrEngineInit.
func NewPahoEngine(cfg EngineConfig, events EngineEvents) (Engine, error) {
	e := &pahoEngine{events: events}

	opts, err := buildPahoOptions(cfg, e)
	if err != nil {
		return nil, err
	}
	e.client = mqtt.NewClient(opts)
	return e, nil
}

// buildPahoOptions translates a frozen attempt configuration into paho
// client options. Automatic reconnection stays off: recovery policy
// belongs to the session manager, not the transport.
func buildPahoOptions(cfg EngineConfig, e *pahoEngine) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker.engineURI())
	opts.SetClientID(cfg.ClientID)
	opts.SetProtocolVersion(uint(cfg.Protocol))
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOrderMatters(false)

	if cfg.Credentials != nil {
		opts.SetUsername(cfg.Credentials.Username)
		opts.SetPassword(cfg.Credentials.Password)
	}

	if cfg.Will != nil {
		opts.SetBinaryWill(cfg.Will.Topic, cfg.Will.Payload, cfg.Will.QoS, cfg.Will.Retained)
	}

	if cfg.Broker.Secure {
		tlsCfg, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		if !e.stopped.Load() {
			e.events.Connected()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if !e.stopped.Load() {
			e.events.ConnectionLost(err)
		}
	})
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		if !e.stopped.Load() {
			e.events.Message(msg.Topic(), msg.Payload())
		}
	})

	return opts, nil
}

// buildTLSConfig assembles the tls.Config for a secure endpoint from the
// staged PEM material.
func buildTLSConfig(bundle CertificateBundle) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: bundle.Insecure, //nolint:gosec // bench-testing escape hatch, off by default
	}

	if len(bundle.CA) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(bundle.CA) {
			return nil, fmt.Errorf("%w: CA bundle contains no valid PEM certificates", ErrEngineInit)
		}
		tlsCfg.RootCAs = pool
	}

	haveCert := len(bundle.Certificate) > 0
	haveKey := len(bundle.Key) > 0
	if haveCert != haveKey {
		return nil, fmt.Errorf("%w: client certificate and key must be staged together", ErrEngineInit)
	}
	if haveCert {
		pair, err := tls.X509KeyPair(bundle.Certificate, bundle.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: loading client key pair: %v", ErrEngineInit, err)
		}
		tlsCfg.Certificates = []tls.Certificate{pair}
	}

	return tlsCfg, nil
}

// Start launches the CONNECT exchange and returns immediately. The
// outcome is delivered later through the event sink: Connected via the
// connect handler, ConnectFailed via the token watcher below.
func (e *pahoEngine) Start() error {
	token := e.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil && !e.stopped.Load() {
			e.events.ConnectFailed(err)
		}
	}()
	return nil
}

// Stop silences the event sink and disconnects. Idempotent.
func (e *pahoEngine) Stop() {
	if e.stopped.Swap(true) {
		return
	}
	e.client.Disconnect(disconnectQuiesce)
}

// Publish hands a message to the outbound queue and returns the packet
// identifier paho assigned to it (0 for QoS 0, which needs no ack).
// Delivery completion is observed in the background; failures come back
// as error events.
func (e *pahoEngine) Publish(topic string, payload []byte, qos byte, retained bool) (MessageID, error) {
	token := e.client.Publish(topic, qos, retained, payload)
	if err := token.Error(); err != nil {
		return MessageIDNone, fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	id := MessageID(0)
	if pt, ok := token.(*mqtt.PublishToken); ok {
		id = MessageID(pt.MessageID())
	}
	e.watchToken("publish", topic, token)
	return id, nil
}

// Subscribe registers a topic filter. Inbound messages arrive through the
// default publish handler, keeping a single delivery path for the caller.
func (e *pahoEngine) Subscribe(topic string, qos byte) (MessageID, error) {
	token := e.client.Subscribe(topic, qos, nil)
	if err := token.Error(); err != nil {
		return MessageIDNone, fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	e.watchToken("subscribe", topic, token)
	return MessageID(e.dispatchSeq.Add(1)), nil
}

// Unsubscribe removes a topic filter.
func (e *pahoEngine) Unsubscribe(topic string) (MessageID, error) {
	token := e.client.Unsubscribe(topic)
	if err := token.Error(); err != nil {
		return MessageIDNone, fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	e.watchToken("unsubscribe", topic, token)
	return MessageID(e.dispatchSeq.Add(1)), nil
}

// watchToken observes dispatch completion in the background and reports
// failures as informational error events.
func (e *pahoEngine) watchToken(op, topic string, token mqtt.Token) {
	go func() {
		if !token.WaitTimeout(dispatchTimeout) {
			if !e.stopped.Load() {
				e.events.Error(fmt.Errorf("uplink: %s on %q not acknowledged within %s", op, topic, dispatchTimeout))
			}
			return
		}
		if err := token.Error(); err != nil && !e.stopped.Load() {
			e.events.Error(fmt.Errorf("uplink: %s on %q failed: %w", op, topic, err))
		}
	}()
}
