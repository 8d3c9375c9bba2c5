// Package rsd speaks the in-tunnel service discovery protocol. One
// handshake on a fresh stream yields the catalog of services the device
// exposes and the ports they listen on.
package rsd

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/CelloSerenity/idevice/internal/errdefs"
	"github.com/CelloSerenity/idevice/internal/util"
)

// ProtocolVersion is the catalog exchange version this client speaks.
const ProtocolVersion = 1

// handshakeTimeout bounds the exchange when the context has no deadline.
const handshakeTimeout = 10 * time.Second

// maxMessageSize caps a catalog message. Real catalogs run a few KiB; the
// cap only guards against a corrupt length prefix.
const maxMessageSize = 1 << 20

// Service is one entry of the device's service catalog.
type Service struct {
	Name        string
	Port        uint16
	Entitlement string
}

// ServiceMap is the parsed catalog. It is immutable; lookups never touch
// the network.
type ServiceMap struct {
	version  int
	uuid     string
	services map[string]Service
}

// Get looks a service up by its full name.
func (m *ServiceMap) Get(name string) (Service, bool) {
	svc, ok := m.services[name]
	return svc, ok
}

// Find returns the first of the named services present in the catalog.
func (m *ServiceMap) Find(names ...string) (Service, error) {
	for _, name := range names {
		if svc, ok := m.services[name]; ok {
			return svc, nil
		}
	}
	return Service{}, fmt.Errorf("%w: none of %v in a catalog of %d services", errdefs.ErrServiceNotFound, names, len(m.services))
}

// Len reports how many services the device advertised.
func (m *ServiceMap) Len() int { return len(m.services) }

// Names returns all advertised service names, sorted.
func (m *ServiceMap) Names() []string {
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Version reports the protocol version the device answered with.
func (m *ServiceMap) Version() int { return m.version }

// UUID reports the device's catalog instance id.
func (m *ServiceMap) UUID() string { return m.uuid }

// Client runs the catalog handshake over one discovery stream.
type Client struct {
	conn net.Conn

	mu       sync.Mutex
	services *ServiceMap
}

// NewClient wraps an open discovery stream. The stream stays owned by the
// caller and can be closed as soon as the handshake is done.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Handshake exchanges catalog messages with the device. It runs the
// network exchange at most once; repeated calls return the same catalog.
func (c *Client) Handshake(ctx context.Context) (*ServiceMap, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.services != nil {
		return c.services, nil
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(handshakeTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: arming handshake deadline: %v", errdefs.ErrTransport, err)
	}

	req, err := json.Marshal(map[string]any{
		"type":            "rsdHandshakeRequest",
		"protocolVersion": ProtocolVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding handshake: %v", errdefs.ErrProtocol, err)
	}
	if err := writeMessage(c.conn, req); err != nil {
		return nil, classify("sending handshake", err)
	}

	body, err := readMessage(c.conn)
	if err != nil {
		return nil, classify("reading catalog", err)
	}

	services, err := parseCatalog(body)
	if err != nil {
		return nil, err
	}

	util.LogDebug("Service catalog holds %d services (uuid %s)", services.Len(), services.UUID())
	c.services = services
	return services, nil
}

// writeMessage frames body with a big endian u32 length prefix.
func writeMessage(w io.Writer, body []byte) error {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 || n > maxMessageSize {
		return nil, fmt.Errorf("%w: catalog message length %d out of range", errdefs.ErrProtocol, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// parseCatalog validates the handshake response and lifts the service list
// into an immutable map. Ports may arrive as numbers or numeric strings.
func parseCatalog(body []byte) (*ServiceMap, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: catalog is not valid JSON", errdefs.ErrProtocol)
	}
	if typ := gjson.GetBytes(body, "type").String(); typ != "rsdHandshakeResponse" {
		return nil, fmt.Errorf("%w: unexpected catalog message type %q", errdefs.ErrProtocol, typ)
	}

	version := gjson.GetBytes(body, "protocolVersion")
	if !version.Exists() {
		return nil, fmt.Errorf("%w: catalog carries no protocolVersion", errdefs.ErrProtocol)
	}
	if v := version.Int(); v != ProtocolVersion {
		return nil, fmt.Errorf("%w: device speaks catalog version %d, this client speaks %d", errdefs.ErrVersionMismatch, v, ProtocolVersion)
	}

	m := &ServiceMap{
		version:  ProtocolVersion,
		uuid:     gjson.GetBytes(body, "uuid").String(),
		services: make(map[string]Service),
	}

	var parseErr error
	gjson.GetBytes(body, "services").ForEach(func(key, value gjson.Result) bool {
		port := value.Get("port").Int()
		if port < 1 || port > 65535 {
			parseErr = fmt.Errorf("%w: service %q advertises port %d", errdefs.ErrProtocol, key.String(), port)
			return false
		}
		m.services[key.String()] = Service{
			Name:        key.String(),
			Port:        uint16(port),
			Entitlement: value.Get("entitlement").String(),
		}
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return m, nil
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
