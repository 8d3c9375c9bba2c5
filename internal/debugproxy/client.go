// Package debugproxy is a client for the device's debug service, speaking
// the checksummed packet protocol debugger stubs use. One command is in
// flight at a time; asynchronous notifications that arrive alongside a
// reply are parked and drained afterwards.
package debugproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/CelloSerenity/idevice/internal/adapter"
	"github.com/CelloSerenity/idevice/internal/errdefs"
	"github.com/CelloSerenity/idevice/internal/rsd"
	"github.com/CelloSerenity/idevice/internal/util"
)

// serviceNames are the catalog entries the debug service registers under,
// preferred name first.
var serviceNames = []string{
	"com.apple.debugserver",
	"com.apple.debugserver.shim.remote",
}

const (
	defaultReplyTimeout = 5 * time.Second
	defaultDrainTimeout = 100 * time.Millisecond

	// maxRetransmits bounds both our retransmissions after a nack and the
	// retransmits we request for corrupted replies.
	maxRetransmits = 3
)

type state uint8

const (
	stateConnected state = iota
	stateAwaitingReply
	stateDraining
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateAwaitingReply:
		return "awaiting a reply"
	case stateDraining:
		return "draining notifications"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Option configures optional client behavior.
type Option func(*Client)

// WithReplyTimeout bounds how long a command may wait for its reply.
func WithReplyTimeout(d time.Duration) Option {
	return func(c *Client) { c.replyTimeout = d }
}

// WithDrainTimeout bounds how long one ReadResponse call listens for
// further packets before reporting the stream quiet.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Client) { c.drainTimeout = d }
}

// Client drives one debug service connection.
type Client struct {
	conn net.Conn
	r    *bufio.Reader

	replyTimeout time.Duration
	drainTimeout time.Duration

	mu      sync.Mutex
	st      state
	pending []Response
}

// New wraps an open connection to the debug service. The service sends
// nothing until the first command, so there is no startup exchange.
func New(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:         conn,
		r:            bufio.NewReader(conn),
		replyTimeout: defaultReplyTimeout,
		drainTimeout: defaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConnectRSD locates the debug service in the catalog and opens a client
// on a fresh stream to its port.
func ConnectRSD(ctx context.Context, adp *adapter.Adapter, services *rsd.ServiceMap, opts ...Option) (*Client, error) {
	svc, err := services.Find(serviceNames...)
	if err != nil {
		return nil, err
	}

	st, err := adp.Connect(ctx, svc.Port)
	if err != nil {
		return nil, err
	}

	util.LogInfo("Connected to %s on port %d", svc.Name, svc.Port)
	return New(st, opts...), nil
}

// SendCommand transmits one command and returns its primary reply.
// Notifications that arrive first are parked for ReadResponse. The command
// must be sent from the connected state; after the reply the client is
// draining until ReadResponse reports no pending data.
func (c *Client) SendCommand(cmd Command) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.st {
	case stateConnected:
	case stateClosed:
		return Response{}, fmt.Errorf("%w: client is closed", errdefs.ErrConnectionClosed)
	default:
		return Response{}, fmt.Errorf("%w: cannot send while %s", errdefs.ErrBadState, c.st)
	}

	text, err := cmd.wire()
	if err != nil {
		return Response{}, err
	}
	packet := encodePacket(text)

	if err := c.conn.SetDeadline(time.Now().Add(c.replyTimeout)); err != nil {
		return Response{}, c.fatal(err)
	}

	// Transmit until the service acknowledges.
	acked := false
	for attempt := 0; attempt < maxRetransmits && !acked; attempt++ {
		if _, err := c.conn.Write(packet); err != nil {
			return Response{}, c.fatal(err)
		}
		ok, err := c.readAck()
		if err != nil {
			return Response{}, c.replyFailure(cmd, err)
		}
		if !ok {
			util.LogWarning("Command %q rejected by the service, retransmitting", cmd.Name)
			continue
		}
		acked = true
	}
	if !acked {
		return Response{}, fmt.Errorf("%w: %q rejected %d times", errdefs.ErrCommand, cmd.Name, maxRetransmits)
	}

	c.st = stateAwaitingReply

	// Collect packets until the primary reply shows up.
	nacks := 0
	for {
		payload, notify, err := readPacket(c.r)
		switch {
		case errors.Is(err, errBadChecksum):
			nacks++
			if nacks > maxRetransmits {
				c.st = stateConnected
				return Response{}, fmt.Errorf("%w: reply to %q corrupted %d times in a row", errdefs.ErrCommand, cmd.Name, nacks)
			}
			util.LogWarning("Corrupted reply to %q, requesting a retransmit", cmd.Name)
			if _, err := c.conn.Write([]byte{nackByte}); err != nil {
				return Response{}, c.fatal(err)
			}
			continue

		case err != nil:
			return Response{}, c.replyFailure(cmd, err)
		}

		if notify {
			c.pending = append(c.pending, Response{Payload: payload, Notification: true})
			continue
		}

		if _, err := c.conn.Write([]byte{ackByte}); err != nil {
			return Response{}, c.fatal(err)
		}
		c.st = stateDraining
		return Response{Payload: payload}, nil
	}
}

// ReadResponse hands out one pending notification, listening briefly on
// the wire when none is parked. It reports ErrNoPendingData once the drain
// window passes quietly, which returns the client to the connected state.
func (c *Client) ReadResponse() (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.st {
	case stateDraining:
	case stateClosed:
		return Response{}, fmt.Errorf("%w: client is closed", errdefs.ErrConnectionClosed)
	case stateConnected:
		return Response{}, fmt.Errorf("%w: no command outstanding", errdefs.ErrNoPendingData)
	default:
		return Response{}, fmt.Errorf("%w: cannot drain while %s", errdefs.ErrBadState, c.st)
	}

	if len(c.pending) > 0 {
		resp := c.pending[0]
		c.pending = c.pending[1:]
		return resp, nil
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.drainTimeout)); err != nil {
		return Response{}, c.fatal(err)
	}

	nacks := 0
	for {
		payload, notify, err := readPacket(c.r)
		switch {
		case errors.Is(err, errBadChecksum):
			nacks++
			if nacks > maxRetransmits {
				c.st = stateConnected
				return Response{}, fmt.Errorf("%w: notification corrupted %d times in a row", errdefs.ErrCommand, nacks)
			}
			if err := c.writeVerdict(nackByte); err != nil {
				return Response{}, c.fatal(err)
			}
			continue

		case errors.Is(err, os.ErrDeadlineExceeded):
			c.st = stateConnected
			return Response{}, fmt.Errorf("%w: nothing further from the service", errdefs.ErrNoPendingData)

		case err != nil:
			return Response{}, c.drainFailure(err)
		}

		if !notify {
			if err := c.writeVerdict(ackByte); err != nil {
				return Response{}, c.fatal(err)
			}
		}
		return Response{Payload: payload, Notification: notify}, nil
	}
}

// writeVerdict acks or nacks a packet read during the drain phase under a
// fresh write deadline; the one armed by the last SendCommand may have
// passed long ago.
func (c *Client) writeVerdict(b byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.drainTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write([]byte{b})
	return err
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st == stateClosed {
		return nil
	}
	c.st = stateClosed
	return c.conn.Close()
}

// readAck waits for the service's verdict on the last packet. A reply
// packet showing up instead counts as an implicit acknowledgment.
func (c *Client) readAck() (bool, error) {
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return false, err
		}
		switch b {
		case ackByte:
			return true, nil
		case nackByte:
			return false, nil
		case packetStart, notifyStart:
			c.r.UnreadByte()
			return true, nil
		}
	}
}

// fatal handles write-side failures, which always end the session.
func (c *Client) fatal(err error) error {
	c.st = stateClosed
	c.conn.Close()
	if isHangup(err) {
		return fmt.Errorf("%w: service hung up", errdefs.ErrConnectionClosed)
	}
	return fmt.Errorf("%w: writing to the debug service: %v", errdefs.ErrTransport, err)
}

// replyFailure classifies read-side failures while a command is waiting on
// its reply. A timeout leaves the session usable; everything else ends it.
func (c *Client) replyFailure(cmd Command, err error) error {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		c.st = stateConnected
		return fmt.Errorf("%w: no reply to %q within %v", errdefs.ErrTimeout, cmd.Name, c.replyTimeout)
	case isHangup(err):
		c.st = stateClosed
		c.conn.Close()
		return fmt.Errorf("%w: service hung up awaiting the reply to %q", errdefs.ErrConnectionClosed, cmd.Name)
	case errors.Is(err, errdefs.ErrProtocol):
		c.st = stateClosed
		c.conn.Close()
		return err
	default:
		c.st = stateClosed
		c.conn.Close()
		return fmt.Errorf("%w: reading the reply to %q: %v", errdefs.ErrTransport, cmd.Name, err)
	}
}

func (c *Client) drainFailure(err error) error {
	switch {
	case isHangup(err):
		c.st = stateClosed
		c.conn.Close()
		return fmt.Errorf("%w: service hung up", errdefs.ErrConnectionClosed)
	case errors.Is(err, errdefs.ErrProtocol):
		c.st = stateClosed
		c.conn.Close()
		return err
	default:
		c.st = stateClosed
		c.conn.Close()
		return fmt.Errorf("%w: draining notifications: %v", errdefs.ErrTransport, err)
	}
}

func isHangup(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, errdefs.ErrConnectionClosed)
}
