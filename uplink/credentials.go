package uplink

import "bytes"

// Credentials carries the username/password pair offered during CONNECT.
// Absence and emptiness are distinct: a client with no Credentials staged
// sends neither field, while staged-but-empty values are sent as-is.
type Credentials struct {
	Username string
	Password string
}

// CertificateBundle holds the PEM material for TLS sessions. Each slot is
// independent; a nil slot means "not staged" and leaves the engine's
// behaviour for that concern at its default (system roots, no client
// certificate).
type CertificateBundle struct {
	// CA is the PEM-encoded certificate authority bundle used to verify
	// the broker. When nil the system root pool applies.
	CA []byte

	// Certificate is the PEM-encoded client certificate presented for
	// mutual TLS. Must be staged together with Key.
	Certificate []byte

	// Key is the PEM-encoded private key matching Certificate.
	Key []byte

	// Insecure disables broker certificate verification. Intended for
	// bench testing against brokers with self-signed certificates.
	Insecure bool
}

// clone returns a deep copy so a snapshot cannot observe later mutation
// of the staged bundle.
func (b CertificateBundle) clone() CertificateBundle {
	return CertificateBundle{
		CA:          bytes.Clone(b.CA),
		Certificate: bytes.Clone(b.Certificate),
		Key:         bytes.Clone(b.Key),
		Insecure:    b.Insecure,
	}
}

// clonePEM copies caller-supplied PEM bytes so later mutation of the
// source slice cannot alter staged material.
func clonePEM(pem []byte) []byte { return bytes.Clone(pem) }

// Will describes the testament message registered with the broker at
// CONNECT time and published by the broker if the session drops without a
// clean disconnect.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// clone returns a deep copy with its own payload bytes.
func (w Will) clone() Will {
	return Will{
		Topic:    w.Topic,
		Payload:  bytes.Clone(w.Payload),
		QoS:      w.QoS,
		Retained: w.Retained,
	}
}
