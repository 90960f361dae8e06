package discovery

import (
	"context"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/require"
)

func TestStaticEmitsFound(t *testing.T) {
	out := make(chan Event, 4)
	require.NoError(t, Static{Addrs: []string{"10.0.0.1:8888", " ", "10.0.0.2:8888"}}.Run(context.Background(), out))
	close(out)
	var addrs []string
	for ev := range out {
		require.Equal(t, PeerFound, ev.Kind)
		require.True(t, ev.Sticky())
		addrs = append(addrs, ev.Addr)
	}
	require.Equal(t, []string{"10.0.0.1:8888", "10.0.0.2:8888"}, addrs)
}

func TestMDNSEntryFilter(t *testing.T) {
	m := &MDNS{ID: "SELF0000", Name: "me", Port: 8888}
	other := &MDNS{ID: "PEER0000", Name: "ana", Port: 9999}

	entry := zeroconf.NewServiceEntry("ana-PEER0000", ServiceName, ServiceDomain)
	entry.Text = other.TXT()
	entry.Port = 9999
	entry.TTL = 120
	entry.AddrIPv4 = []net.IP{net.IPv4(192, 168, 1, 20)}

	ev, ok := m.toEvent(entry)
	require.True(t, ok)
	require.Equal(t, Event{Kind: PeerFound, Addr: "192.168.1.20:9999", ID: "PEER0000", Name: "ana", Source: SourceMDNS}, ev)
	require.False(t, ev.Sticky())

	entry.TTL = 0
	ev, ok = m.toEvent(entry)
	require.True(t, ok)
	require.Equal(t, PeerLost, ev.Kind)

	self := zeroconf.NewServiceEntry("me-SELF0000", ServiceName, ServiceDomain)
	self.Text = m.TXT()
	self.AddrIPv4 = []net.IP{net.IPv4(192, 168, 1, 2)}
	_, ok = m.toEvent(self)
	require.False(t, ok)

	foreign := zeroconf.NewServiceEntry("x", ServiceName, ServiceDomain)
	foreign.Text = []string{"id=ZZZ"}
	foreign.AddrIPv4 = []net.IP{net.IPv4(192, 168, 1, 3)}
	_, ok = m.toEvent(foreign)
	require.False(t, ok)
}

func TestMDNSAdvertisesBoundPort(t *testing.T) {
	m := &MDNS{ID: "SELF0000", Name: "me", PortFunc: func() int { return 40123 }}
	m.resolvePort()
	require.Equal(t, 40123, m.Port)
	require.Contains(t, m.TXT(), "port=40123")

	unbound := &MDNS{ID: "SELF0000", Port: 8888, PortFunc: func() int { return 0 }}
	unbound.resolvePort()
	require.Equal(t, 8888, unbound.Port)
}
