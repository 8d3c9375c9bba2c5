package debugproxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/CelloSerenity/idevice/internal/errdefs"
)

// Packets look like `$<payload>#<2 hex digits>`: the checksum is the mod-256
// sum of the payload bytes as transmitted, escapes included. Asynchronous
// notifications use `%` in place of `$` and are never acknowledged. The
// receiver answers every ordinary packet with `+` (good) or `-` (resend).
const (
	packetStart  = '$'
	notifyStart  = '%'
	packetEnd    = '#'
	packetEscape = '}'
	runLength    = '*'
	ackByte      = '+'
	nackByte     = '-'

	escapeXor = 0x20
)

// maxPacketSize caps a single reply. Memory dumps are the largest packets
// in practice and stay well under this.
const maxPacketSize = 1 << 20

// errBadChecksum asks the caller to nack and listen for the retransmit.
var errBadChecksum = errors.New("packet failed its checksum")

func mustEscape(b byte) bool {
	return b == packetStart || b == packetEnd || b == packetEscape || b == runLength
}

// encodePacket frames a payload for transmission, escaping the bytes the
// wire syntax reserves.
func encodePacket(payload string) []byte {
	var b bytes.Buffer
	b.Grow(len(payload) + 4)
	b.WriteByte(packetStart)

	var sum byte
	for i := 0; i < len(payload); i++ {
		c := payload[i]
		if mustEscape(c) {
			e := c ^ escapeXor
			b.WriteByte(packetEscape)
			b.WriteByte(e)
			sum += packetEscape + e
			continue
		}
		b.WriteByte(c)
		sum += c
	}

	b.WriteByte(packetEnd)
	fmt.Fprintf(&b, "%02x", sum)
	return b.Bytes()
}

// readPacket scans to the next packet, verifies its checksum, and decodes
// the payload. Stray acks and line noise between packets are skipped. A
// checksum failure comes back as errBadChecksum so the caller can nack;
// I/O errors come back verbatim.
func readPacket(r *bufio.Reader) (payload string, notification bool, err error) {
	var start byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", false, err
		}
		if b == packetStart || b == notifyStart {
			start = b
			break
		}
	}

	var raw []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", false, err
		}
		if b == packetEnd {
			break
		}
		raw = append(raw, b)
		if len(raw) > maxPacketSize {
			return "", false, fmt.Errorf("%w: packet exceeds %d bytes", errdefs.ErrProtocol, maxPacketSize)
		}
	}

	var sumHex [2]byte
	if _, err := io.ReadFull(r, sumHex[:]); err != nil {
		return "", false, err
	}
	want, err := strconv.ParseUint(string(sumHex[:]), 16, 8)
	if err != nil {
		// Garbled checksum digits are indistinguishable from a corrupted
		// packet; ask for a retransmit.
		return "", false, errBadChecksum
	}

	var sum byte
	for _, b := range raw {
		sum += b
	}
	if sum != byte(want) {
		return "", false, errBadChecksum
	}

	decoded, err := decodeBody(raw)
	if err != nil {
		return "", false, err
	}
	return decoded, start == notifyStart, nil
}

// decodeBody undoes transport escaping and expands run-length runs. A run
// `X*N` repeats the already emitted X another N-29 times.
func decodeBody(raw []byte) (string, error) {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		switch c := raw[i]; c {
		case packetEscape:
			i++
			if i >= len(raw) {
				return "", fmt.Errorf("%w: packet ends mid escape", errdefs.ErrProtocol)
			}
			out = append(out, raw[i]^escapeXor)

		case runLength:
			i++
			if len(out) == 0 || i >= len(raw) {
				return "", fmt.Errorf("%w: run-length marker with nothing to repeat", errdefs.ErrProtocol)
			}
			n := int(raw[i]) - 29
			if n <= 0 {
				return "", fmt.Errorf("%w: run-length count byte %d below the printable floor", errdefs.ErrProtocol, raw[i])
			}
			last := out[len(out)-1]
			for ; n > 0; n-- {
				out = append(out, last)
			}

		default:
			out = append(out, c)
		}
	}
	return string(out), nil
}
