package adapter

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CelloSerenity/idevice/internal/errdefs"
	"github.com/CelloSerenity/idevice/internal/util"
)

// inboxDepth is how many undelivered payloads a stream may buffer before
// the demux loop starts exerting backpressure on the whole tunnel.
const inboxDepth = 64

// Stream is one logical connection to an in-tunnel port on the device. It
// implements net.Conn; reads drain what the demux loop delivered, writes are
// chunked into frames and serialized through the adapter.
type Stream struct {
	a    *Adapter
	id   uint32
	port uint16

	inbox    chan []byte
	readMu   sync.Mutex
	leftover []byte

	closed       chan struct{}
	closedFlag   atomic.Bool
	remoteClosed atomic.Bool
	teardownOnce sync.Once

	sendSeq uint32 // stamped only under the adapter's write lock
	recvSeq uint32 // touched only by the demux goroutine

	readDL  deadline
	writeDL deadline
}

func newStream(a *Adapter, id uint32, port uint16) *Stream {
	return &Stream{
		a:       a,
		id:      id,
		port:    port,
		inbox:   make(chan []byte, inboxDepth),
		closed:  make(chan struct{}),
		readDL:  makeDeadline(),
		writeDL: makeDeadline(),
	}
}

// nextSeq hands out this direction's sequence numbers, starting at zero
// with the frame that opens or closes the stream included in the count.
// Must be called with the adapter's write lock held.
func (s *Stream) nextSeq() uint32 {
	n := s.sendSeq
	s.sendSeq++
	return n
}

// checkSeq validates the device-side sequence number. Called only from the
// demux goroutine.
func (s *Stream) checkSeq(seq uint32) error {
	if seq != s.recvSeq {
		return fmt.Errorf("%w: stream %d got frame %d, expected %d", errdefs.ErrProtocol, s.id, seq, s.recvSeq)
	}
	s.recvSeq++
	return nil
}

// deliver hands an inbound payload to the reader, blocking when the inbox
// is full. A closed or dying stream swallows the payload.
func (s *Stream) deliver(p []byte) error {
	select {
	case s.inbox <- p:
	case <-s.closed:
	case <-s.a.done:
	}
	return nil
}

// remoteClose marks the device side closed. Payloads already in the inbox
// stay readable; after they drain, reads return io.EOF.
func (s *Stream) remoteClose() {
	s.remoteClosed.Store(true)
	close(s.inbox)
	s.teardown()
}

func (s *Stream) teardown() {
	s.teardownOnce.Do(func() {
		util.Stats.RemoveStream()
		util.LogDebug("Stream %d closed", s.id)
	})
}

func (s *Stream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for {
		if s.closedFlag.Load() {
			return 0, fmt.Errorf("%w: stream %d", errdefs.ErrClosed, s.id)
		}
		if len(s.leftover) > 0 {
			n := copy(p, s.leftover)
			s.leftover = s.leftover[n:]
			return n, nil
		}
		if len(p) == 0 {
			return 0, nil
		}

		// Drain buffered payloads ahead of shutdown signals so data that
		// arrived before a failure is never lost.
		select {
		case b, ok := <-s.inbox:
			if !ok {
				return 0, io.EOF
			}
			s.leftover = b
			continue
		default:
		}

		select {
		case b, ok := <-s.inbox:
			if !ok {
				return 0, io.EOF
			}
			s.leftover = b
		case <-s.closed:
			return 0, fmt.Errorf("%w: stream %d", errdefs.ErrClosed, s.id)
		case <-s.readDL.wait():
			return 0, os.ErrDeadlineExceeded
		case <-s.a.done:
			return 0, s.a.failure()
		}
	}
}

func (s *Stream) Write(p []byte) (int, error) {
	if s.closedFlag.Load() {
		return 0, fmt.Errorf("%w: stream %d", errdefs.ErrClosed, s.id)
	}
	if s.remoteClosed.Load() {
		return 0, fmt.Errorf("%w: stream %d closed by device", errdefs.ErrConnectionClosed, s.id)
	}

	total := 0
	for len(p) > 0 {
		if isClosedChan(s.writeDL.wait()) {
			return total, os.ErrDeadlineExceeded
		}
		n := min(len(p), maxPayload)
		if err := s.a.writeFrame(s, frameData, p[:n]); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

// Close retires the stream locally and tells the device, best effort. Reads
// and writes fail immediately afterwards.
func (s *Stream) Close() error {
	if !s.closedFlag.CompareAndSwap(false, true) {
		return nil
	}
	close(s.closed)
	s.a.unroute(s.id)
	if !s.remoteClosed.Load() {
		s.a.writeFrame(s, frameClose, nil)
	}
	s.teardown()
	return nil
}

func (s *Stream) LocalAddr() net.Addr {
	return streamAddr{name: fmt.Sprintf("stream-%d", s.id)}
}

func (s *Stream) RemoteAddr() net.Addr {
	return streamAddr{name: fmt.Sprintf("port-%d", s.port)}
}

func (s *Stream) SetDeadline(t time.Time) error {
	s.readDL.set(t)
	s.writeDL.set(t)
	return nil
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.readDL.set(t)
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.writeDL.set(t)
	return nil
}

type streamAddr struct{ name string }

func (a streamAddr) Network() string { return "tunnel" }
func (a streamAddr) String() string  { return a.name }

// deadline turns a point in time into a channel that closes when the time
// arrives, the shape net.Pipe uses for its deadlines. The zero time disarms
// it.
type deadline struct {
	mu     sync.Mutex
	timer  *time.Timer
	cancel chan struct{}
}

func makeDeadline() deadline {
	return deadline{cancel: make(chan struct{})}
}

func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		<-d.cancel // the expiry callback is mid-flight, let it finish
	}
	d.timer = nil

	closed := isClosedChan(d.cancel)
	if t.IsZero() {
		if closed {
			d.cancel = make(chan struct{})
		}
		return
	}

	if dur := time.Until(t); dur > 0 {
		if closed {
			d.cancel = make(chan struct{})
		}
		cancel := d.cancel
		d.timer = time.AfterFunc(dur, func() { close(cancel) })
		return
	}

	if !closed {
		close(d.cancel)
	}
}

func (d *deadline) wait() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel
}

func isClosedChan(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
