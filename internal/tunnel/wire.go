package tunnel

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/CelloSerenity/idevice/internal/errdefs"
)

// Negotiation messages travel as magic-prefixed JSON frames:
//
//	offset 0  8 bytes  magic "CDTunnel"
//	offset 8  2 bytes  body length, big endian
//	offset 10 N bytes  JSON body
//
// The u16 length caps a negotiation message at 64 KiB, which is orders of
// magnitude above what either side ever sends.
const (
	negotiationMagic = "CDTunnel"
	wireHeaderSize   = len(negotiationMagic) + 2
	maxBodySize      = 1<<16 - 1
)

// handshakeRequest announces the client to the device and asks it to stand
// up the in-tunnel service discovery listener.
type handshakeRequest struct {
	Type      string `json:"type"`
	Version   int    `json:"wireProtocolVersion"`
	Label     string `json:"label"`
	SessionID string `json:"sessionId"`
	MTU       int    `json:"mtu"`
}

const (
	requestType  = "clientHandshakeRequest"
	responseType = "serverHandshakeResponse"

	wireProtocolVersion = 1
	defaultMTU          = 16000
)

func writeMessage(w io.Writer, body []byte) error {
	if len(body) > maxBodySize {
		return fmt.Errorf("%w: negotiation message of %d bytes exceeds the frame limit", errdefs.ErrProtocol, len(body))
	}
	buf := make([]byte, wireHeaderSize+len(body))
	copy(buf, negotiationMagic)
	binary.BigEndian.PutUint16(buf[len(negotiationMagic):], uint16(len(body)))
	copy(buf[wireHeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	hdr := make([]byte, wireHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if string(hdr[:len(negotiationMagic)]) != negotiationMagic {
		return nil, fmt.Errorf("%w: bad negotiation magic %q", errdefs.ErrProtocol, hdr[:len(negotiationMagic)])
	}
	body := make([]byte, binary.BigEndian.Uint16(hdr[len(negotiationMagic):]))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func marshalRequest(req handshakeRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding handshake request: %v", errdefs.ErrProtocol, err)
	}
	return body, nil
}
