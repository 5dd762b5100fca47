package uplink

import "fmt"

// maxQoS is the highest MQTT quality-of-service level.
const maxQoS = 2

// maxPayloadSize caps outbound message size at 1MB. Larger payloads are
// rejected before reaching the engine.
const maxPayloadSize = 1024 * 1024

// Publish dispatches a message to the broker and returns the engine's
// identifier for it (0 for QoS 0, which carries no acknowledgement).
// Delivery is asynchronous: a nil error means the message was accepted
// into the outbound path, and any later failure surfaces through the
// error callback. Returns MessageIDNone with ErrNotConnected if no
// session is live.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) (MessageID, error) {
	if topic == "" {
		return MessageIDNone, ErrInvalidTopic
	}
	if qos > maxQoS {
		return MessageIDNone, ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return MessageIDNone, fmt.Errorf("%w: payload exceeds %d bytes", ErrPublishFailed, maxPayloadSize)
	}

	engine, ok := c.liveEngine()
	if !ok {
		return MessageIDNone, ErrNotConnected
	}

	id, err := engine.Publish(topic, payload, qos, retained)
	if err != nil {
		return MessageIDNone, err
	}
	c.stats.messagesPublished.Add(1)
	c.logDebug("published", "topic", topic, "qos", qos, "bytes", len(payload), "message_id", id)
	return id, nil
}

// Subscribe registers a topic filter with the broker. Inbound messages
// arrive via the message callback. Subscriptions belong to the current
// session only; after a reconnect they must be re-established, typically
// from the connect callback.
func (c *Client) Subscribe(topic string, qos byte) (MessageID, error) {
	if topic == "" {
		return MessageIDNone, ErrInvalidTopic
	}
	if qos > maxQoS {
		return MessageIDNone, ErrInvalidQoS
	}

	engine, ok := c.liveEngine()
	if !ok {
		return MessageIDNone, ErrNotConnected
	}

	id, err := engine.Subscribe(topic, qos)
	if err != nil {
		return MessageIDNone, err
	}
	c.logDebug("subscribed", "topic", topic, "qos", qos, "message_id", id)
	return id, nil
}

// Unsubscribe removes a topic filter from the current session.
func (c *Client) Unsubscribe(topic string) (MessageID, error) {
	if topic == "" {
		return MessageIDNone, ErrInvalidTopic
	}

	engine, ok := c.liveEngine()
	if !ok {
		return MessageIDNone, ErrNotConnected
	}

	id, err := engine.Unsubscribe(topic)
	if err != nil {
		return MessageIDNone, err
	}
	c.logDebug("unsubscribed", "topic", topic, "message_id", id)
	return id, nil
}

// liveEngine returns the engine when a session is established.
func (c *Client) liveEngine() (Engine, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.engine == nil || !c.state.IsConnected() {
		return nil, false
	}
	return c.engine, true
}
