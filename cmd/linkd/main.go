// Gray Logic Link - MQTT Uplink Gateway
//
// This is the main entry point for the Gray Logic Link daemon.
// linkd maintains a single managed MQTT session from a gateway to the
// site broker, providing:
//   - Canonical broker addressing (mqtt, mqtts, ws, wss)
//   - Protocol negotiation with one-shot legacy fallback
//   - Staged credentials and TLS material consumed at connect time
//   - Local session journal and optional InfluxDB telemetry
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/config"
	"github.com/nerrad567/gray-logic-link/internal/journal"
	"github.com/nerrad567/gray-logic-link/internal/logging"
	"github.com/nerrad567/gray-logic-link/internal/telemetry"
	"github.com/nerrad567/gray-logic-link/uplink"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// Status payloads published to the status topic (retained).
// The will carries the offline marker so the broker announces unclean exits.
const (
	statusOnline  = "online"
	statusOffline = "offline"
)

const (
	// journalKeepEntries bounds journal growth across restarts.
	journalKeepEntries = 1000

	// journalWriteTimeout bounds journal writes made from uplink callbacks.
	journalWriteTimeout = 2 * time.Second
)

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	// This is the Go pattern for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run the application
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Link",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open session journal (optional)
	var j *journal.Journal
	if cfg.Journal.Enabled {
		j, err = journal.Open(journal.Config{
			Path:        cfg.Journal.Path,
			WALMode:     cfg.Journal.WALMode,
			BusyTimeout: cfg.Journal.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer func() {
			log.Info("closing journal")
			if closeErr := j.Close(); closeErr != nil {
				log.Error("error closing journal", "error", closeErr)
			}
		}()
		log.Info("journal opened", "path", cfg.Journal.Path)

		// Bound growth before this session starts appending
		deleted, pruneErr := j.Prune(ctx, journalKeepEntries)
		if pruneErr != nil {
			log.Warn("journal prune failed", "error", pruneErr)
		} else if deleted > 0 {
			log.Info("journal pruned", "deleted", deleted)
		}
	} else {
		log.Info("journal disabled")
	}

	// Connect telemetry (optional)
	var tel *telemetry.Client
	if cfg.Telemetry.Enabled {
		tel, err = telemetry.Connect(cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("connecting telemetry: %w", err)
		}
		defer func() {
			log.Info("closing telemetry connection")
			if closeErr := tel.Close(); closeErr != nil {
				log.Error("error closing telemetry", "error", closeErr)
			}
		}()
		log.Info("telemetry connected",
			"url", cfg.Telemetry.URL,
			"org", cfg.Telemetry.Org,
			"bucket", cfg.Telemetry.Bucket,
		)

		// Set up telemetry error callback
		tel.SetOnError(func(err error) {
			log.Error("telemetry write error", "error", err)
		})
	} else {
		log.Info("telemetry disabled")
	}

	// Build the uplink client from config
	client, err := buildClient(cfg, log)
	if err != nil {
		return fmt.Errorf("building uplink client: %w", err)
	}

	// sessionDone carries the first terminal session failure.
	// The uplink is single-shot once fallback is exhausted, so a dead
	// session means exit and let the supervisor restart us.
	sessionDone := make(chan error, 1)
	var doneOnce sync.Once
	fail := func(err error) {
		doneOnce.Do(func() { sessionDone <- err })
	}

	// Wire lifecycle callbacks before connecting
	wireCallbacks(client, cfg, log, j, tel, fail)

	// Hand off the connection attempt
	if err := client.Connect(cfg.Device.ID); err != nil {
		return fmt.Errorf("connecting uplink: %w", err)
	}
	defer func() {
		log.Info("disconnecting uplink")
		// A clean DISCONNECT discards the will, so publish the retained
		// offline marker ourselves before dropping the session
		if cfg.Uplink.StatusTopic != "" && client.IsConnected() {
			qos := byte(cfg.Uplink.QoS) //nolint:gosec // G115: qos validated to 0-2
			if _, pubErr := client.Publish(cfg.Uplink.StatusTopic, []byte(statusOffline), qos, true); pubErr != nil {
				log.Warn("publishing offline status", "error", pubErr)
			}
		}
		client.Disconnect()
		stats := client.Stats()
		log.Info("uplink session summary",
			"connect_attempts", stats.ConnectAttempts,
			"fallback_attempts", stats.FallbackAttempts,
			"messages_published", stats.MessagesPublished,
			"messages_received", stats.MessagesReceived,
		)
	}()
	log.Info("uplink connecting",
		"broker", client.BrokerURI(),
		"client_id", cfg.Device.ID,
	)

	// Verify local infrastructure is healthy.
	// The uplink itself reports through callbacks once negotiation settles.
	if err := healthCheck(ctx, j, tel); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal or terminal session failure
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case err := <-sessionDone:
		return fmt.Errorf("uplink session ended: %w", err)
	}

	// Deferred Close() calls will run in reverse order:
	// 1. Uplink (offline status + disconnect)
	// 2. Telemetry (if enabled)
	// 3. Journal (if enabled)

	log.Info("Gray Logic Link stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildClient constructs an uplink client from daemon configuration.
//
// The broker endpoint is always staged as a canonical URI so the scheme
// carries the transport flags; TLS material is loaded from the configured
// PEM files at startup.
//
// Parameters:
//   - cfg: Application configuration
//   - log: Logger instance
//
// Returns:
//   - *uplink.Client: Configured client, not yet connected
//   - error: If the endpoint is invalid or PEM files cannot be read
func buildClient(cfg *config.Config, log *logging.Logger) (*uplink.Client, error) {
	client := uplink.New()
	client.SetLogger(log.With("component", "uplink"))

	uri := cfg.Uplink.Broker.URI
	if uri == "" {
		uri = composeBrokerURI(cfg.Uplink.Broker)
	}
	if err := client.SetBrokerURI(uri); err != nil {
		return nil, fmt.Errorf("staging broker endpoint %q: %w", uri, err)
	}

	if cfg.Uplink.Auth.Username != "" || cfg.Uplink.Auth.Password != "" {
		client.SetCredentials(cfg.Uplink.Auth.Username, cfg.Uplink.Auth.Password)
	}

	if cfg.Uplink.TLS.CAFile != "" {
		pem, err := os.ReadFile(cfg.Uplink.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		client.SetCACertificate(pem)
	}
	if cfg.Uplink.TLS.CertFile != "" {
		pem, err := os.ReadFile(cfg.Uplink.TLS.CertFile)
		if err != nil {
			return nil, fmt.Errorf("reading client certificate: %w", err)
		}
		client.SetClientCertificate(pem)
	}
	if cfg.Uplink.TLS.KeyFile != "" {
		pem, err := os.ReadFile(cfg.Uplink.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading client key: %w", err)
		}
		client.SetClientKey(pem)
	}
	if cfg.Uplink.TLS.Insecure {
		log.Warn("server certificate verification disabled")
		client.SetInsecure(true)
	}

	client.SetKeepAlive(cfg.KeepAliveInterval())
	client.SetProtocolFallback(cfg.Uplink.ProtocolFallback)

	if cfg.Uplink.StatusTopic != "" {
		qos := byte(cfg.Uplink.QoS) //nolint:gosec // G115: qos validated to 0-2
		client.SetWill(cfg.Uplink.StatusTopic, []byte(statusOffline), qos, true)
	}

	return client, nil
}

// composeBrokerURI builds a canonical broker URI from discrete config fields.
// The (secure, websocket) pair selects the scheme; a zero port defers to
// the scheme default.
func composeBrokerURI(b config.BrokerConfig) string {
	var scheme string
	switch {
	case b.Secure && b.WebSocket:
		scheme = "wss"
	case b.Secure:
		scheme = "mqtts"
	case b.WebSocket:
		scheme = "ws"
	default:
		scheme = "mqtt"
	}

	hostport := b.Host
	if b.Port > 0 {
		hostport = net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
	}

	uri := scheme + "://" + hostport
	if b.WebSocket && b.Path != "" {
		if b.Path[0] != '/' {
			uri += "/"
		}
		uri += b.Path
	}
	return uri
}

// wireCallbacks attaches journal, telemetry, and lifecycle handlers to the
// uplink client. Callbacks run synchronously on engine goroutines, so each
// handler does bounded work only.
//
// Parameters:
//   - client: Uplink client to wire
//   - cfg: Application configuration
//   - log: Logger instance
//   - j: Session journal (may be nil if disabled)
//   - tel: Telemetry client (may be nil if disabled)
//   - fail: Invoked once with the terminal error when the session dies
func wireCallbacks(client *uplink.Client, cfg *config.Config, log *logging.Logger, j *journal.Journal, tel *telemetry.Client, fail func(error)) {
	deviceID := cfg.Device.ID
	qos := byte(cfg.Uplink.QoS) //nolint:gosec // G115: qos validated to 0-2
	statusTopic := cfg.Uplink.StatusTopic
	subscriptions := cfg.Uplink.Subscriptions
	brokerURI := client.BrokerURI()

	record := func(event, detail string) {
		if j == nil {
			return
		}
		recordCtx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		defer cancel()
		if err := j.Record(recordCtx, event, brokerURI, detail); err != nil {
			log.Warn("journal write failed", "error", err)
		}
	}

	client.OnConnect(func() {
		fallback := client.UsingFallback()
		log.Info("uplink established", "fallback", fallback)

		event := journal.EventConnected
		if fallback {
			event = journal.EventFallback
		}
		record(event, "")
		if tel != nil {
			tel.WriteSessionEvent(deviceID, "connected", fallback)
		}

		// Subscriptions do not survive the broker-side session, so
		// re-establish the configured set on every accepted connect
		for _, sub := range subscriptions {
			subQoS := byte(sub.QoS) //nolint:gosec // G115: qos validated to 0-2
			if _, err := client.Subscribe(sub.Topic, subQoS); err != nil {
				log.Error("subscribe failed", "topic", sub.Topic, "error", err)
			}
		}

		if statusTopic != "" {
			if _, err := client.Publish(statusTopic, []byte(statusOnline), qos, true); err != nil {
				log.Error("status publish failed", "error", err)
			}
		}
	})

	client.OnDisconnect(func(err error) {
		if err == nil {
			log.Info("uplink disconnected")
			record(journal.EventDisconnected, "requested")
			if tel != nil {
				tel.WriteSessionEvent(deviceID, "disconnected", false)
			}
			return
		}

		log.Warn("uplink session ended", "error", err)
		record(journal.EventDisconnected, err.Error())
		if tel != nil {
			tel.WriteSessionEvent(deviceID, "disconnected", false)
		}
		fail(err)
	})

	client.OnMessage(func(topic string, payload []byte) {
		log.Debug("message received", "topic", topic, "bytes", len(payload))
		if tel != nil {
			tel.WriteDispatch(deviceID, telemetry.DirectionInbound, len(payload))
		}
	})

	client.OnError(func(err error) {
		log.Warn("uplink error", "error", err)
		record(journal.EventError, err.Error())
	})
}

// healthCheck verifies local infrastructure is healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - j: Session journal to check (may be nil if disabled)
//   - tel: Telemetry client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, j *journal.Journal, tel *telemetry.Client) error {
	if j != nil {
		if err := j.HealthCheck(ctx); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}

	if tel != nil {
		if err := tel.HealthCheck(ctx); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}

	return nil
}
