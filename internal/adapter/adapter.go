// Package adapter multiplexes logical streams over the single tunnel
// connection. Each stream behaves like a net.Conn bound to one in-tunnel
// port on the device; a lone demux goroutine fans incoming frames out to
// their streams.
package adapter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/CelloSerenity/idevice/internal/errdefs"
	"github.com/CelloSerenity/idevice/internal/util"
)

// Source yields ownership of the underlying tunnel connection exactly once.
// The tunnel session satisfies it.
type Source interface {
	Release() (net.Conn, error)
}

// Option configures optional adapter behavior.
type Option func(*Adapter) error

// WithCapture writes every frame crossing the tunnel, both directions, to a
// pcap file at path for offline inspection.
func WithCapture(path string) Option {
	return func(a *Adapter) error {
		c, err := newCapture(path)
		if err != nil {
			return err
		}
		a.capture = c
		return nil
	}
}

type openResult struct {
	accepted bool
}

// Adapter owns the tunnel connection. All frame writes are serialized
// through wmu so concurrent streams can never interleave partial frames.
type Adapter struct {
	conn    net.Conn
	capture *capture

	wmu sync.Mutex

	mu      sync.Mutex
	routes  map[uint32]*Stream
	pending map[uint32]chan openResult

	nextID atomic.Uint32

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// New consumes the tunnel session and starts demultiplexing its connection.
// The session cannot be used again afterwards.
func New(src Source, opts ...Option) (*Adapter, error) {
	conn, err := src.Release()
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		conn:    conn,
		routes:  make(map[uint32]*Stream),
		pending: make(map[uint32]chan openResult),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			conn.Close()
			return nil, err
		}
	}

	go a.demux()
	return a, nil
}

// Connect opens a logical stream to an in-tunnel port on the device and
// waits for the device to accept or refuse it.
func (a *Adapter) Connect(ctx context.Context, port uint16) (*Stream, error) {
	select {
	case <-a.done:
		return nil, a.failure()
	default:
	}

	id := a.nextID.Add(1)
	st := newStream(a, id, port)
	reply := make(chan openResult, 1)

	// Route the stream before the OPEN goes out so data frames arriving
	// right behind the ACCEPT have somewhere to land.
	a.mu.Lock()
	a.routes[id] = st
	a.pending[id] = reply
	a.mu.Unlock()

	var payload [2]byte
	binary.BigEndian.PutUint16(payload[:], port)
	if err := a.writeFrame(st, frameOpen, payload[:]); err != nil {
		a.unroute(id)
		return nil, err
	}

	select {
	case res, ok := <-reply:
		if !ok {
			// The adapter died while we were waiting.
			return nil, a.failure()
		}
		if !res.accepted {
			a.unroute(id)
			return nil, fmt.Errorf("%w: device refused port %d", errdefs.ErrPortUnreachable, port)
		}
		util.Stats.AddStream()
		util.LogDebug("Stream %d connected to port %d", id, port)
		return st, nil

	case <-ctx.Done():
		a.unroute(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no answer for port %d", errdefs.ErrTimeout, port)
		}
		return nil, ctx.Err()

	case <-a.done:
		a.unroute(id)
		return nil, a.failure()
	}
}

// Close tears the adapter down. Every stream unblocks and the tunnel
// connection is closed.
func (a *Adapter) Close() error {
	a.fail(fmt.Errorf("%w: adapter closed", errdefs.ErrClosed))
	return nil
}

// failure reports why the adapter shut down. Only valid after done closed.
func (a *Adapter) failure() error {
	return a.err
}

// fail records the shutdown cause once and unblocks everything.
func (a *Adapter) fail(cause error) {
	a.closeOnce.Do(func() {
		a.err = cause
		close(a.done)
		a.conn.Close()
		if a.capture != nil {
			a.capture.Close()
		}

		a.mu.Lock()
		pending := a.pending
		a.pending = make(map[uint32]chan openResult)
		a.mu.Unlock()
		for _, ch := range pending {
			close(ch)
		}
	})
}

func (a *Adapter) unroute(id uint32) {
	a.mu.Lock()
	delete(a.routes, id)
	delete(a.pending, id)
	a.mu.Unlock()
}

// writeFrame stamps the stream's next sequence number and serializes the
// frame onto the tunnel. The number is taken under the write lock, so a
// stream's frames reach the wire in stamp order even with concurrent
// writers.
func (a *Adapter) writeFrame(st *Stream, typ frameType, payload []byte) error {
	a.wmu.Lock()
	defer a.wmu.Unlock()

	select {
	case <-a.done:
		return a.failure()
	default:
	}

	buf := encodeFrame(frame{Type: typ, StreamID: st.id, Seq: st.nextSeq(), Payload: payload})
	if a.capture != nil {
		a.capture.record(buf)
	}
	if _, err := a.conn.Write(buf); err != nil {
		err = fmt.Errorf("%w: writing %s frame: %v", errdefs.ErrTransport, typ, err)
		a.fail(err)
		return err
	}
	util.Stats.AddSent(len(buf))
	return nil
}

// demux is the single reader of the tunnel connection.
func (a *Adapter) demux() {
	for {
		f, err := readFrame(a.conn)
		if err != nil {
			a.fail(classifyReadErr(err))
			return
		}
		util.Stats.AddRecv(headerSize + len(f.Payload))
		if a.capture != nil {
			a.capture.record(encodeFrame(f))
		}
		if err := a.dispatch(f); err != nil {
			a.fail(err)
			return
		}
	}
}

func classifyReadErr(err error) error {
	switch {
	case errors.Is(err, errdefs.ErrProtocol):
		return err
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: tunnel closed by device", errdefs.ErrConnectionClosed)
	default:
		return fmt.Errorf("%w: reading tunnel: %v", errdefs.ErrTransport, err)
	}
}

// dispatch routes one inbound frame. Frames for ids that are no longer
// routed are stale echoes of streams we already abandoned and are dropped;
// everything else must line up exactly or the tunnel is corrupt.
func (a *Adapter) dispatch(f frame) error {
	a.mu.Lock()
	st := a.routes[f.StreamID]
	_, opening := a.pending[f.StreamID]
	a.mu.Unlock()

	if f.Type == frameOpen {
		return fmt.Errorf("%w: device tried to open stream %d", errdefs.ErrProtocol, f.StreamID)
	}
	if st == nil {
		util.LogDebug("Dropping stale %s frame for stream %d", f.Type, f.StreamID)
		return nil
	}

	if err := st.checkSeq(f.Seq); err != nil {
		return err
	}

	switch f.Type {
	case frameAccept, frameRefuse:
		// Claim the pending entry under the lock so fail cannot close the
		// channel between our read and our send.
		a.mu.Lock()
		reply, ok := a.pending[f.StreamID]
		if ok {
			delete(a.pending, f.StreamID)
		}
		a.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: %s for stream %d, which is not opening", errdefs.ErrProtocol, f.Type, f.StreamID)
		}
		reply <- openResult{accepted: f.Type == frameAccept}
		return nil

	case frameData:
		if opening {
			return fmt.Errorf("%w: data on stream %d before it was accepted", errdefs.ErrProtocol, f.StreamID)
		}
		return st.deliver(f.Payload)

	default: // frameClose
		if opening {
			return fmt.Errorf("%w: close on stream %d before it was accepted", errdefs.ErrProtocol, f.StreamID)
		}
		a.mu.Lock()
		delete(a.routes, f.StreamID)
		a.mu.Unlock()
		st.remoteClose()
		return nil
	}
}
