package discover

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func header(name string, rrtype uint16) dns.RR_Header {
	return dns.RR_Header{Name: name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: 120}
}

func ptr(instance string) *dns.PTR {
	return &dns.PTR{Hdr: header(serviceName, dns.TypePTR), Ptr: instance}
}

func srv(instance, target string, port uint16) *dns.SRV {
	return &dns.SRV{Hdr: header(instance, dns.TypeSRV), Target: target, Port: port}
}

func a(host string, ip string) *dns.A {
	return &dns.A{Hdr: header(host, dns.TypeA), A: net.ParseIP(ip).To4()}
}

func aaaa(host string, ip string) *dns.AAAA {
	return &dns.AAAA{Hdr: header(host, dns.TypeAAAA), AAAA: net.ParseIP(ip)}
}

func TestBrowserAssemblesOneAnswer(t *testing.T) {
	instance := "kitchen-ipad." + serviceName

	b := newBrowser()
	b.absorb(&dns.Msg{
		Answer: []dns.RR{ptr(instance)},
		Extra: []dns.RR{
			srv(instance, "kitchen-ipad.local.", 62078),
			a("kitchen-ipad.local.", "192.168.7.31"),
			aaaa("kitchen-ipad.local.", "fdda:5c3a::31"),
		},
	})

	devices := b.list()
	require.Len(t, devices, 1)

	dev := devices[0]
	require.Equal(t, "kitchen-ipad", dev.Name)
	require.Equal(t, "kitchen-ipad.local.", dev.Host)
	require.Equal(t, uint16(62078), dev.Port)
	require.Len(t, dev.Addrs, 2)
	require.Equal(t, "192.168.7.31:62078", dev.Endpoint())
}

func TestBrowserMergesRecordsAcrossMessages(t *testing.T) {
	instance := "bench-iphone." + serviceName

	b := newBrowser()
	b.absorb(&dns.Msg{Answer: []dns.RR{ptr(instance)}})
	b.absorb(&dns.Msg{Answer: []dns.RR{srv(instance, "bench-iphone.local.", 49152)}})
	b.absorb(&dns.Msg{Answer: []dns.RR{a("bench-iphone.local.", "10.0.4.2")}})

	// A repeated announcement must not duplicate the address.
	b.absorb(&dns.Msg{Answer: []dns.RR{a("bench-iphone.local.", "10.0.4.2")}})

	devices := b.list()
	require.Len(t, devices, 1)
	require.Equal(t, uint16(49152), devices[0].Port)
	require.Len(t, devices[0].Addrs, 1)
}

func TestBrowserToleratesSrvBeforePtr(t *testing.T) {
	instance := "lab-ipad." + serviceName

	b := newBrowser()
	b.absorb(&dns.Msg{Answer: []dns.RR{
		srv(instance, "lab-ipad.local.", 50001),
		a("lab-ipad.local.", "10.9.9.9"),
	}})

	devices := b.list()
	require.Len(t, devices, 1)
	require.Equal(t, "lab-ipad", devices[0].Name)
}

func TestBrowserIgnoresForeignRecords(t *testing.T) {
	b := newBrowser()
	b.absorb(&dns.Msg{Answer: []dns.RR{
		&dns.PTR{Hdr: header("_airplay._tcp.local.", dns.TypePTR), Ptr: "TV._airplay._tcp.local."},
		srv("TV._airplay._tcp.local.", "tv.local.", 7000),
		a("tv.local.", "192.168.7.40"),
	}})

	require.Empty(t, b.list())
}

func TestBrowserDropsDevicesWithoutAPort(t *testing.T) {
	b := newBrowser()
	b.absorb(&dns.Msg{Answer: []dns.RR{ptr("half-seen." + serviceName)}})

	require.Empty(t, b.list())
}

func TestBrowserListIsSorted(t *testing.T) {
	b := newBrowser()
	for _, name := range []string{"zulu", "alpha", "mike"} {
		instance := name + "." + serviceName
		b.absorb(&dns.Msg{Answer: []dns.RR{
			ptr(instance),
			srv(instance, name+".local.", 62078),
		}})
	}

	var names []string
	for _, dev := range b.list() {
		names = append(names, dev.Name)
	}
	if diff := cmp.Diff([]string{"alpha", "mike", "zulu"}, names); diff != "" {
		t.Errorf("device order mismatch (-want +got):\n%s", diff)
	}
}

func TestEndpointFallsBackToHostname(t *testing.T) {
	dev := Device{Name: "x", Host: "x.local.", Port: 62078}
	require.Equal(t, "x.local:62078", dev.Endpoint())
}
