// Package uplink manages the broker-facing connection lifecycle for Gray
// Logic Link devices.
//
// This package manages:
//   - Broker endpoint resolution (mqtt/mqtts/ws/wss URIs and parts)
//   - CONNECT negotiation with one-shot legacy protocol fallback
//   - Credential and TLS certificate staging
//   - Message publish, subscribe and testament registration
//   - Session state tracking and activity counters
//
// # Architecture
//
// A Client is a thin session manager over single-use transport engines.
// Configuration setters stage values; Connect freezes them into a
// per-attempt snapshot and builds a fresh engine from it. The engine
// reports lifecycle events upward and the client applies its state
// machine to them, so recovery policy lives in one place:
//
//	caller → Client (state machine) → Engine (paho) → broker
//
// When protocol fallback is enabled, a failed primary negotiation or an
// unexpected disconnect from a primary session triggers exactly one
// retry on the legacy protocol level. A deliberate Disconnect never
// triggers recovery.
//
// # Security Considerations
//
//   - TLS endpoints verify against system roots unless a CA bundle is staged
//   - Mutual TLS requires certificate and key staged together
//   - SetInsecure disables verification and is for bench testing only
//   - Credentials travel in CONNECT; use a TLS endpoint in production
//
// # Usage
//
//	client := uplink.New()
//	if err := client.SetBrokerURI("mqtts://broker.example.com:8883"); err != nil {
//	    log.Fatal(err)
//	}
//	client.SetCredentials("panel-7", "secret")
//	client.SetProtocolFallback(true)
//
//	client.OnConnect(func() {
//	    client.Subscribe("gray-logic/cmd/#", 1)
//	})
//	client.OnMessage(func(topic string, payload []byte) {
//	    log.Printf("received: %s = %s", topic, payload)
//	})
//
//	if err := client.Connect("panel-7"); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect()
//
// Callbacks fire synchronously from engine goroutines: return quickly,
// copy payloads before retaining them, and do not call Connect or
// Disconnect from inside a callback.
package uplink
