// Package discover browses the local network for devices advertising the
// remote debug tunnel service over multicast DNS.
package discover

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/CelloSerenity/idevice/internal/errdefs"
	"github.com/CelloSerenity/idevice/internal/util"
)

const (
	// serviceName is the DNS-SD service devices register their tunnel
	// listener under.
	serviceName = "_remotedebug-tunnel._tcp.local."

	mdnsAddress = "224.0.0.251:5353"

	// unicastResponse is the QU bit: answers come straight back to this
	// socket instead of the multicast group.
	unicastResponse = 1 << 15
)

// defaultWindow is how long Browse collects answers when the caller does
// not say otherwise.
const defaultWindow = 2 * time.Second

// Device is one advertised tunnel endpoint.
type Device struct {
	Name  string // instance name, service suffix stripped
	Host  string // advertised hostname
	Addrs []net.IP
	Port  uint16
}

// Browse queries the local network and collects answers until the window
// closes. An empty result is not an error.
func Browse(ctx context.Context, window time.Duration) ([]Device, error) {
	if window <= 0 {
		window = defaultWindow
	}

	raddr, err := net.ResolveUDPAddr("udp4", mdnsAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrTransport, err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("%w: opening mDNS socket: %v", errdefs.ErrTransport, err)
	}
	defer conn.Close()

	query := new(dns.Msg)
	query.SetQuestion(serviceName, dns.TypePTR)
	query.Id = 0
	query.RecursionDesired = false
	query.Question[0].Qclass = dns.ClassINET | unicastResponse

	packed, err := query.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: packing mDNS query: %v", errdefs.ErrProtocol, err)
	}
	if _, err := conn.WriteToUDP(packed, raddr); err != nil {
		return nil, fmt.Errorf("%w: sending mDNS query: %v", errdefs.ErrTransport, err)
	}

	deadline := time.Now().Add(window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	b := newBrowser()
	buf := make([]byte, 9000)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			break // the window closed
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			util.LogDebug("Ignoring unparseable mDNS answer: %v", err)
			continue
		}
		b.absorb(msg)
	}

	devices := b.list()
	util.LogDebug("Discovery window closed with %d device(s)", len(devices))
	return devices, nil
}

// browser folds answer messages, which may split one device's records
// across several packets, into a device set.
type browser struct {
	devices map[string]*Device   // instance fqdn → device
	byHost  map[string][]*Device // SRV target → devices behind it
}

func newBrowser() *browser {
	return &browser{
		devices: make(map[string]*Device),
		byHost:  make(map[string][]*Device),
	}
}

func (b *browser) absorb(msg *dns.Msg) {
	records := make([]dns.RR, 0, len(msg.Answer)+len(msg.Extra))
	records = append(records, msg.Answer...)
	records = append(records, msg.Extra...)

	for _, rr := range records {
		switch rec := rr.(type) {
		case *dns.PTR:
			if rec.Hdr.Name == serviceName {
				b.ensure(rec.Ptr)
			}
		case *dns.SRV:
			dev, ok := b.devices[rec.Hdr.Name]
			if !ok {
				// SRV can precede or outrun its PTR.
				if !strings.HasSuffix(rec.Hdr.Name, "."+serviceName) {
					continue
				}
				dev = b.ensure(rec.Hdr.Name)
			}
			dev.Port = rec.Port
			dev.Host = rec.Target
			b.byHost[rec.Target] = append(b.byHost[rec.Target], dev)
		case *dns.A:
			b.addAddr(rec.Hdr.Name, rec.A)
		case *dns.AAAA:
			b.addAddr(rec.Hdr.Name, rec.AAAA)
		}
	}
}

func (b *browser) ensure(instance string) *Device {
	if dev, ok := b.devices[instance]; ok {
		return dev
	}
	dev := &Device{Name: strings.TrimSuffix(instance, "."+serviceName)}
	b.devices[instance] = dev
	return dev
}

func (b *browser) addAddr(host string, ip net.IP) {
	for _, dev := range b.byHost[host] {
		if !containsIP(dev.Addrs, ip) {
			dev.Addrs = append(dev.Addrs, ip)
		}
	}
}

func containsIP(addrs []net.IP, ip net.IP) bool {
	for _, a := range addrs {
		if a.Equal(ip) {
			return true
		}
	}
	return false
}

// list keeps only devices that advertised a port, sorted by name.
func (b *browser) list() []Device {
	out := make([]Device, 0, len(b.devices))
	for _, dev := range b.devices {
		if dev.Port == 0 {
			continue
		}
		out = append(out, *dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Endpoint renders the address Browse results should be dialed at,
// preferring a discovered IP over the advertised hostname.
func (d Device) Endpoint() string {
	host := strings.TrimSuffix(d.Host, ".")
	if len(d.Addrs) > 0 {
		host = d.Addrs[0].String()
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", d.Port))
}
