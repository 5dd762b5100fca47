// Package journal provides a SQLite session-event journal for Gray Logic Link.
//
// This package manages:
//   - A local append-only log of uplink lifecycle events
//   - Database connection with WAL mode for concurrent access
//   - An idempotent bootstrap schema (single table, no migrations)
//   - Connection pooling and lifecycle management
//
// Security Considerations:
//   - All queries use parameterised statements (no SQL injection)
//   - Journal file permissions are set to 0600 (owner read/write only)
//   - Event detail text may contain broker error messages; never record
//     credentials or tokens in it
//
// Performance Characteristics:
//   - WAL mode allows concurrent reads during writes
//   - Busy timeout prevents lock contention errors
//   - Single-writer pool matches SQLite's concurrency model
//
// Usage:
//
//	j, err := journal.Open(journal.Config{
//	    Path:        "./data/linkd.db",
//	    WALMode:     true,
//	    BusyTimeout: 5,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer j.Close()
//
//	j.Record(ctx, journal.EventConnected, "mqtts://broker.example.com:8883", "")
package journal
