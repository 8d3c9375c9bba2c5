package adapter

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

// capture appends raw tunnel frames to a pcap file so a session can be
// replayed through standard packet tooling. Records use LINKTYPE_USER0;
// the payload of each record is one mux frame, header included.
type capture struct {
	mu sync.Mutex
	f  *os.File
}

const (
	pcapMagic    = 0xa1b2c3d4
	pcapVerMajor = 2
	pcapVerMinor = 4
	pcapSnapLen  = 65535
	pcapUser0    = 147
)

func newCapture(path string) (*capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("opening capture file: %w", err)
	}

	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], pcapMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], pcapVerMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], pcapVerMinor)
	// 8:16 is timezone offset and timestamp accuracy, both zero.
	binary.LittleEndian.PutUint32(hdr[16:20], pcapSnapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], pcapUser0)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing capture header: %w", err)
	}
	return &capture{f: f}, nil
}

// record appends one frame. Errors are swallowed; capture is diagnostic and
// must never take a live session down.
func (c *capture) record(data []byte) {
	now := time.Now()

	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(now.Unix()))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(now.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(data)))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(data)))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return
	}
	if _, err := c.f.Write(hdr[:]); err != nil {
		return
	}
	c.f.Write(data)
}

func (c *capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}
