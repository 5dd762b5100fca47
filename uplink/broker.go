package uplink

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Default broker ports. Plain TCP and plain WebSocket listeners
// conventionally share 1883; TLS listeners of either transport share 8883.
const (
	DefaultPort       uint16 = 1883
	DefaultSecurePort uint16 = 8883
)

// defaultWebSocketPath is applied whenever a WebSocket address carries no
// explicit endpoint path.
const defaultWebSocketPath = "/"

// BrokerAddress is the structured form of a broker endpoint. The zero
// value is not usable; obtain one from ParseBrokerURI or populate Host and
// let the client fill scheme-appropriate defaults.
//
// Secure and WebSocket select one of four URI schemes:
//
//	Secure  WebSocket  Scheme
//	false   false      mqtt
//	true    false      mqtts
//	false   true       ws
//	true    true       wss
//
// Path is meaningful only for WebSocket transports and names the HTTP
// endpoint the upgrade request targets.
type BrokerAddress struct {
	Host      string
	Port      uint16
	Secure    bool
	WebSocket bool
	Path      string
}

// ParseBrokerURI decomposes a broker URI into a BrokerAddress. The scheme
// selects transport and security, a missing port falls back to the
// scheme's conventional default, and a WebSocket address with no path is
// normalised to "/". Unknown schemes, empty hosts and out-of-range ports
// are rejected with ErrInvalidURI.
func ParseBrokerURI(raw string) (BrokerAddress, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return BrokerAddress{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	var addr BrokerAddress
	switch strings.ToLower(u.Scheme) {
	case "mqtt":
		// plain TCP
	case "mqtts":
		addr.Secure = true
	case "ws":
		addr.WebSocket = true
	case "wss":
		addr.Secure = true
		addr.WebSocket = true
	default:
		return BrokerAddress{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
	}

	addr.Host = u.Hostname()
	if addr.Host == "" {
		return BrokerAddress{}, fmt.Errorf("%w: missing host", ErrInvalidURI)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil || port == 0 {
			return BrokerAddress{}, fmt.Errorf("%w: invalid port %q", ErrInvalidURI, p)
		}
		addr.Port = uint16(port)
	} else {
		addr.Port = defaultPortFor(addr.Secure)
	}

	if addr.WebSocket {
		addr.Path = u.Path
		if addr.Path == "" {
			addr.Path = defaultWebSocketPath
		}
	}

	return addr, nil
}

// Scheme returns the canonical URI scheme for the security/transport
// pair.
func (a BrokerAddress) Scheme() string {
	switch {
	case a.Secure && a.WebSocket:
		return "wss"
	case a.Secure:
		return "mqtts"
	case a.WebSocket:
		return "ws"
	default:
		return "mqtt"
	}
}

// URI renders the address back into canonical URI form. The port is always
// emitted explicitly and a WebSocket path is always present, so parsing
// the result yields an identical BrokerAddress.
func (a BrokerAddress) URI() string {
	return a.render(a.Scheme())
}

// engineURI renders the address with the scheme vocabulary the paho
// network layer understands (tcp/ssl rather than mqtt/mqtts).
func (a BrokerAddress) engineURI() string {
	scheme := "tcp"
	switch {
	case a.Secure && a.WebSocket:
		scheme = "wss"
	case a.Secure:
		scheme = "ssl"
	case a.WebSocket:
		scheme = "ws"
	}
	return a.render(scheme)
}

func (a BrokerAddress) render(scheme string) string {
	port := a.Port
	if port == 0 {
		port = defaultPortFor(a.Secure)
	}
	hostport := net.JoinHostPort(a.Host, strconv.Itoa(int(port)))

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(hostport)
	if a.WebSocket {
		path := a.Path
		if path == "" {
			path = defaultWebSocketPath
		}
		if !strings.HasPrefix(path, "/") {
			b.WriteString("/")
		}
		b.WriteString(path)
	}
	return b.String()
}

// defaultPortFor returns the conventional listener port for the security
// mode. Transport (TCP vs WebSocket) does not change the default.
func defaultPortFor(secure bool) uint16 {
	if secure {
		return DefaultSecurePort
	}
	return DefaultPort
}
