// Package tunnel performs the device tunnel negotiation and owns the
// resulting connection until the stream multiplexer takes it over.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/CelloSerenity/idevice/internal/errdefs"
	"github.com/CelloSerenity/idevice/internal/provider"
	"github.com/CelloSerenity/idevice/internal/util"
)

// negotiateTimeout bounds the whole exchange when the caller's context has
// no deadline of its own.
const negotiateTimeout = 10 * time.Second

// Session is an established tunnel. It owns the underlying connection until
// Release hands it to the multiplexer.
type Session struct {
	conn net.Conn
	port uint16

	released atomic.Bool
}

// Connect consumes the provider, dials the device, and runs the tunnel
// negotiation. On success the returned session carries the in-tunnel port of
// the service discovery listener.
func Connect(ctx context.Context, prov *provider.Provider) (*Session, error) {
	if err := prov.Acquire(); err != nil {
		return nil, err
	}

	conn, err := prov.Dial(ctx)
	if err != nil {
		return nil, err
	}

	sess, err := negotiate(ctx, conn, prov.Label())
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

func negotiate(ctx context.Context, conn net.Conn, label string) (*Session, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(negotiateTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: arming negotiation deadline: %v", errdefs.ErrTransport, err)
	}

	req := handshakeRequest{
		Type:      requestType,
		Version:   wireProtocolVersion,
		Label:     label,
		SessionID: uuid.NewString(),
		MTU:       defaultMTU,
	}
	body, err := marshalRequest(req)
	if err != nil {
		return nil, err
	}
	if err := writeMessage(conn, body); err != nil {
		return nil, classify("sending handshake", err)
	}

	resp, err := readMessage(conn)
	if err != nil {
		return nil, classify("reading handshake reply", err)
	}

	port, err := parseResponse(resp)
	if err != nil {
		return nil, err
	}

	// Hand the connection back with no deadline; the multiplexer manages
	// its own timing from here on.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: clearing negotiation deadline: %v", errdefs.ErrTransport, err)
	}

	util.LogDebug("Tunnel negotiated, discovery port %d", port)
	return &Session{conn: conn, port: port}, nil
}

// parseResponse pulls the discovery port out of the server handshake reply.
func parseResponse(body []byte) (uint16, error) {
	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("%w: handshake reply is not valid JSON", errdefs.ErrProtocol)
	}
	if typ := gjson.GetBytes(body, "type").String(); typ != responseType {
		return 0, fmt.Errorf("%w: unexpected handshake reply type %q", errdefs.ErrProtocol, typ)
	}

	port := gjson.GetBytes(body, "serverRSDPort")
	if !port.Exists() {
		return 0, fmt.Errorf("%w: handshake reply carries no serverRSDPort", errdefs.ErrProtocol)
	}
	v := port.Int()
	if v < 1 || v > 65535 {
		return 0, fmt.Errorf("%w: serverRSDPort %d out of range", errdefs.ErrProtocol, v)
	}
	return uint16(v), nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, errdefs.ErrProtocol):
		return err
	case errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %s: %v", errdefs.ErrTimeout, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", errdefs.ErrTransport, op, err)
	}
}

// DiscoveryPort is the in-tunnel port of the service discovery listener.
func (s *Session) DiscoveryPort() uint16 { return s.port }

// Release transfers ownership of the tunnel connection to the caller. It
// succeeds exactly once; afterwards the session is spent and Close is a
// no-op.
func (s *Session) Release() (net.Conn, error) {
	if !s.released.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: tunnel connection already released", errdefs.ErrConsumed)
	}
	return s.conn, nil
}

// Close shuts the tunnel down unless Release already transferred it.
func (s *Session) Close() error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}
