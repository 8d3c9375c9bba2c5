package adapter

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/CelloSerenity/idevice/internal/errdefs"
)

// Every frame on the tunnel carries an 18-byte header:
//
//	offset 0   1 byte   wire version
//	offset 1   1 byte   frame type
//	offset 2   4 bytes  stream id, big endian
//	offset 6   4 bytes  per-stream sequence number, big endian
//	offset 10  4 bytes  payload length, big endian
//	offset 14  4 bytes  IEEE CRC-32 of the payload, big endian
//
// The substrate is reliable and ordered, so the sequence number and checksum
// are integrity checks rather than reassembly inputs. Any violation means
// the tunnel itself is corrupt and tears the whole adapter down.
const (
	frameVersion = 1
	headerSize   = 18
	maxPayload   = 16 * 1024
)

type frameType uint8

const (
	frameOpen frameType = iota + 1
	frameAccept
	frameRefuse
	frameData
	frameClose
)

func (t frameType) String() string {
	switch t {
	case frameOpen:
		return "OPEN"
	case frameAccept:
		return "ACCEPT"
	case frameRefuse:
		return "REFUSE"
	case frameData:
		return "DATA"
	case frameClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

type frame struct {
	Type     frameType
	StreamID uint32
	Seq      uint32
	Payload  []byte
}

// encodeFrame renders the frame into a fresh wire buffer.
func encodeFrame(f frame) []byte {
	buf := make([]byte, headerSize+len(f.Payload))
	buf[0] = frameVersion
	buf[1] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[2:6], f.StreamID)
	binary.BigEndian.PutUint32(buf[6:10], f.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(buf[14:18], crc32.ChecksumIEEE(f.Payload))
	copy(buf[headerSize:], f.Payload)
	return buf
}

// readFrame reads and validates exactly one frame. I/O errors come back
// verbatim; header or checksum violations come back as ErrProtocol.
func readFrame(r io.Reader) (frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}

	if hdr[0] != frameVersion {
		return frame{}, fmt.Errorf("%w: unsupported frame version %d", errdefs.ErrProtocol, hdr[0])
	}
	typ := frameType(hdr[1])
	if typ < frameOpen || typ > frameClose {
		return frame{}, fmt.Errorf("%w: unknown frame type %d", errdefs.ErrProtocol, hdr[1])
	}
	length := binary.BigEndian.Uint32(hdr[10:14])
	if length > maxPayload {
		return frame{}, fmt.Errorf("%w: frame payload of %d bytes exceeds the %d byte limit", errdefs.ErrProtocol, length, maxPayload)
	}

	f := frame{
		Type:     typ,
		StreamID: binary.BigEndian.Uint32(hdr[2:6]),
		Seq:      binary.BigEndian.Uint32(hdr[6:10]),
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return frame{}, err
		}
	}

	if sum := crc32.ChecksumIEEE(f.Payload); sum != binary.BigEndian.Uint32(hdr[14:18]) {
		return frame{}, fmt.Errorf("%w: %s frame on stream %d failed its checksum", errdefs.ErrProtocol, typ, f.StreamID)
	}
	return f, nil
}
