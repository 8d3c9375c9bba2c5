// Package provider binds a device endpoint, a pairing credential, and a
// client label into a reusable identity handle. Constructing a Provider does
// no I/O; the tunnel layer calls Dial when it actually needs an
// authenticated byte stream to the device.
package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/CelloSerenity/idevice/internal/errdefs"
	"github.com/CelloSerenity/idevice/internal/pairing"
)

// DefaultPort is the well-known discovery port devices listen on.
const DefaultPort = 62078

// dialTimeout bounds the TCP connect attempt when the caller's context
// carries no deadline of its own.
const dialTimeout = 10 * time.Second

// Transport selects the substrate Dial uses to reach the device.
type Transport string

const (
	TransportTCP  Transport = "tcp"
	TransportQUIC Transport = "quic"
)

// Provider is immutable after construction. It may be handed to exactly one
// tunnel connect; Acquire enforces the single-use transfer.
type Provider struct {
	host      string
	port      uint16
	label     string
	transport Transport
	record    *pairing.Record
	tlsConf   *tls.Config

	inUse atomic.Bool
}

// Option configures optional Provider behavior.
type Option func(*Provider)

// WithTransport selects the tunnel substrate. The default is TCP with TLS.
func WithTransport(tr Transport) Option {
	return func(p *Provider) { p.transport = tr }
}

// New validates the endpoint, credential, and label, and derives the TLS
// client identity from the pairing record. endpoint is "host" or
// "host:port"; a bare host gets the default discovery port.
func New(endpoint string, rec *pairing.Record, label string, opts ...Option) (*Provider, error) {
	if label == "" {
		return nil, fmt.Errorf("client label must not be empty")
	}

	host, port, err := splitEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return nil, fmt.Errorf("%w: nil pairing record", errdefs.ErrCredential)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	tlsConf, err := deviceTLSConfig(rec)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		host:      host,
		port:      port,
		label:     label,
		transport: TransportTCP,
		record:    rec,
		tlsConf:   tlsConf,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Label returns the client label announced to the device.
func (p *Provider) Label() string { return p.label }

// Address returns the host:port the provider dials.
func (p *Provider) Address() string {
	return net.JoinHostPort(p.host, strconv.Itoa(int(p.port)))
}

// Acquire marks the provider as consumed by a tunnel connect. It succeeds
// exactly once; the provider stays consumed whether the connect succeeds or
// fails, matching the one-tunnel-per-provider ownership contract.
func (p *Provider) Acquire() error {
	if !p.inUse.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: provider already used for a tunnel", errdefs.ErrConsumed)
	}
	return nil
}

// Dial opens the authenticated byte stream the tunnel negotiation runs over.
func (p *Provider) Dial(ctx context.Context) (net.Conn, error) {
	switch p.transport {
	case TransportQUIC:
		return p.dialQUIC(ctx)
	default:
		return p.dialTCP(ctx)
	}
}

func (p *Provider) dialTCP(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: dialTimeout}
	raw, err := d.DialContext(ctx, "tcp", p.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", errdefs.ErrTransport, p.Address(), err)
	}

	conn := tls.Client(raw, p.tlsConf)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: TLS handshake with %s: %v", errdefs.ErrAuthentication, p.Address(), err)
	}
	return conn, nil
}

// splitEndpoint parses "host", "host:port", or "[v6]:port".
func splitEndpoint(endpoint string) (string, uint16, error) {
	if endpoint == "" {
		return "", 0, fmt.Errorf("%w: empty address", errdefs.ErrInvalidEndpoint)
	}

	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		// No port in the endpoint; take it whole and use the default.
		host, portStr = endpoint, strconv.Itoa(DefaultPort)
		if host[0] == '[' || net.ParseIP(host) == nil && !validHostname(host) {
			return "", 0, fmt.Errorf("%w: %q", errdefs.ErrInvalidEndpoint, endpoint)
		}
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: %q has no host", errdefs.ErrInvalidEndpoint, endpoint)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("%w: bad port in %q", errdefs.ErrInvalidEndpoint, endpoint)
	}
	return host, uint16(port), nil
}

// validHostname is a loose check; DNS resolution is the real arbiter later.
func validHostname(host string) bool {
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '.':
		default:
			return false
		}
	}
	return len(host) > 0
}

// deviceTLSConfig builds the client TLS configuration: present the host
// identity from the pairing record and pin the peer to the device
// certificate recorded at pairing time. Devices present self-signed
// certificates, so chain verification is replaced by the pin.
func deviceTLSConfig(rec *pairing.Record) (*tls.Config, error) {
	cert, err := rec.TLSCertificate()
	if err != nil {
		return nil, err
	}
	leaf, err := rec.DeviceLeaf()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		RootCAs:               rec.RootPool(),
		MinVersion:            tls.VersionTLS12,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: pinVerifier(leaf),
	}, nil
}

// pinVerifier accepts a peer chain only if it contains the pinned leaf.
func pinVerifier(leaf *x509.Certificate) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			if bytes.Equal(raw, leaf.Raw) {
				return nil
			}
		}
		return fmt.Errorf("%w: device presented an unpinned certificate", errdefs.ErrAuthentication)
	}
}
