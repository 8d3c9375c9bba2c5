package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/CelloSerenity/idevice/internal/errdefs"
)

// tunnelALPN is the protocol name offered during the QUIC handshake.
const tunnelALPN = "RemotePairingTunnel"

func (p *Provider) dialQUIC(ctx context.Context) (net.Conn, error) {
	conf := p.tlsConf.Clone()
	conf.NextProtos = []string{tunnelALPN}

	qconn, err := quic.DialAddr(ctx, p.Address(), conf, &quic.Config{
		KeepAlivePeriod: keepAlivePeriod,
		MaxIdleTimeout:  maxIdleTimeout,
	})
	if err != nil {
		return nil, classifyQUICErr(p.Address(), err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("%w: opening tunnel stream to %s: %v", errdefs.ErrTransport, p.Address(), err)
	}
	return &quicStreamConn{Stream: stream, conn: qconn}, nil
}

const (
	keepAlivePeriod = 15 * time.Second
	maxIdleTimeout  = 90 * time.Second
)

// classifyQUICErr separates handshake authentication failures from plain
// transport failures so callers can match on the error class.
func classifyQUICErr(addr string, err error) error {
	var terr *quic.TransportError
	if errors.As(err, &terr) && terr.ErrorCode.IsCryptoError() {
		return fmt.Errorf("%w: QUIC handshake with %s: %v", errdefs.ErrAuthentication, addr, err)
	}
	return fmt.Errorf("%w: dialing %s: %v", errdefs.ErrTransport, addr, err)
}

// quicStreamConn adapts the tunnel stream to net.Conn. Closing the stream
// closes the whole connection; the tunnel runs exactly one stream.
type quicStreamConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (c *quicStreamConn) Close() error {
	c.Stream.Close()
	return c.conn.CloseWithError(0, "closed")
}

func (c *quicStreamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicStreamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
