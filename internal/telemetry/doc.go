// Package telemetry provides InfluxDB connectivity for Gray Logic Link.
//
// It wraps the official influxdb-client-go v2 library with Gray Logic-specific
// patterns for connection management, metric writing, and health monitoring.
//
// # Purpose
//
// This package handles time-series data storage for:
//   - Uplink session lifecycle events (connect, fallback, disconnect)
//   - Dispatch traffic counters (messages, bytes, per direction)
//
// # Usage
//
//	cfg := config.TelemetryConfig{
//	    Enabled: true,
//	    URL:     "http://localhost:8086",
//	    Token:   "your-token",
//	    Org:     "graylogic",
//	    Bucket:  "uplink",
//	}
//
//	client, err := telemetry.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Record session events
//	client.WriteSessionEvent("gw-hall-01", "connected", false)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
//
// # Performance
//
// Writes are batched according to config.yaml settings (batch_size, flush_interval).
// This keeps per-message overhead off the uplink's callback path.
package telemetry
