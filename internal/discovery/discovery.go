package discovery

import (
	"context"
	"strings"
)

type Kind int

const (
	SourceStatic = "static"
	SourceBook   = "book"
	SourceMDNS   = "mdns"
	SourceUDP    = "udp"
)

const (
	PeerFound Kind = iota
	PeerLost
)

func (k Kind) String() string {
	if k == PeerLost {
		return "peer-lost"
	}
	return "peer-found"
}

// Event is what a discovery mechanism reports. ID is empty when the source
// does not know the device id behind Addr.
type Event struct {
	Kind   Kind
	Addr   string
	ID     string
	Name   string
	Source string
}

// Sticky reports whether the event comes from a source that names each
// address only once. The daemon keeps feeding those back until it stops.
func (e Event) Sticky() bool {
	return e.Source == SourceStatic || e.Source == SourceBook
}

// Source pushes events into out until ctx ends.
type Source interface {
	Run(ctx context.Context, out chan<- Event) error
}

// Static reports a fixed address list once.
type Static struct {
	Addrs []string
}

func (s Static) Run(ctx context.Context, out chan<- Event) error {
	for _, addr := range s.Addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		select {
		case out <- Event{Kind: PeerFound, Addr: addr, Source: SourceStatic}:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
