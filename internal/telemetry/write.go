package telemetry

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Dispatch directions for WriteDispatch.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// WriteSessionEvent records an uplink lifecycle transition.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - deviceID: Gateway identifier (e.g., "gw-hall-01")
//   - event: Lifecycle event (e.g., "connected", "fallback", "disconnected")
//   - fallback: Whether the session is on the legacy protocol level
//
// Example:
//
//	client.WriteSessionEvent("gw-hall-01", "connected", false)
//	client.WriteSessionEvent("gw-hall-01", "fallback", true)
func (c *Client) WriteSessionEvent(deviceID string, event string, fallback bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"uplink_session",
		map[string]string{
			"device_id": deviceID,
			"event":     event,
		},
		map[string]interface{}{
			"count":    1,
			"fallback": fallback,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteDispatch records a single message crossing the uplink.
//
// Used for tracking traffic volume per direction.
//
// Parameters:
//   - deviceID: Gateway identifier
//   - direction: DirectionInbound or DirectionOutbound
//   - bytes: Payload size in bytes
func (c *Client) WriteDispatch(deviceID string, direction string, bytes int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"uplink_dispatch",
		map[string]string{
			"device_id": deviceID,
			"direction": direction,
		},
		map[string]interface{}{
			"count": 1,
			"bytes": bytes,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("uplink_stats",
//	    map[string]string{"device_id": "gw-hall-01"},
//	    map[string]interface{}{"connect_attempts": 3, "messages_published": 120})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
