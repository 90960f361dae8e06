package daemon

import (
	"context"
	"net"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orionmesh/internal/discovery"
	"orionmesh/internal/network"
	"orionmesh/internal/proto"
)

func (r *Runner) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.events:
			r.handleEvent(ev)
		}
	}
}

// handleEvent dials newly found peers unless they are us, already
// connected, share a host with a live session or were tried recently.
func (r *Runner) handleEvent(ev discovery.Event) {
	if ev.Kind == discovery.PeerLost {
		r.forget(ev.Addr)
		r.Self.Attempted.Release(ev.Addr)
		r.log.Debug("peer lost", zap.String("peer", ev.ID), zap.String("source", ev.Source))
		return
	}
	if ev.Addr == "" {
		return
	}
	if ev.Sticky() {
		r.remember(ev)
	}
	if ev.ID != "" && (ev.ID == r.Self.ID() || r.Self.Sessions.Has(ev.ID)) {
		return
	}
	if r.Self.Sessions.HasHost(network.HostOf(ev.Addr)) {
		return
	}
	if !r.Self.Attempted.TryAcquire(ev.Addr) {
		return
	}
	r.log.Debug("peer found",
		zap.String("peer", ev.ID),
		zap.String("addr", ev.Addr),
		zap.String("source", ev.Source),
	)
	addr := ev.Addr
	if !r.spawn(func(ctx context.Context) { r.dial(ctx, addr) }) {
		r.Self.Attempted.Release(addr)
	}
}

func (r *Runner) startAnnounce(ctx context.Context, g *errgroup.Group) {
	a := r.opts.Announce
	if a.Logger == nil {
		a.Logger = r.log
	}
	g.Go(func() error {
		msg := proto.Announce{ID: r.Self.ID(), Name: r.Self.Name, Port: r.ListenPort()}
		if err := a.Broadcast(ctx, msg); err != nil && ctx.Err() == nil {
			r.log.Warn("announce broadcast stopped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		err := a.Listen(ctx, func(msg proto.Announce, from *net.UDPAddr) {
			if msg.ID == r.Self.ID() || from == nil {
				return
			}
			ev := discovery.Event{
				Kind:   discovery.PeerFound,
				Addr:   net.JoinHostPort(from.IP.String(), strconv.Itoa(msg.Port)),
				ID:     msg.ID,
				Name:   msg.Name,
				Source: discovery.SourceUDP,
			}
			select {
			case r.events <- ev:
			case <-ctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			r.log.Warn("announce listener stopped", zap.Error(err))
		}
		return nil
	})
}

// redialBook feeds the remembered peer addresses in as discovery events.
func (r *Runner) redialBook(ctx context.Context) {
	for _, p := range r.Self.Peers.List() {
		ev := discovery.Event{Kind: discovery.PeerFound, Addr: p.Addr, ID: p.ID, Name: p.Name, Source: discovery.SourceBook}
		select {
		case r.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) remember(ev discovery.Event) {
	r.stickyMu.Lock()
	r.sticky[ev.Addr] = ev
	r.stickyMu.Unlock()
}

func (r *Runner) forget(addr string) {
	r.stickyMu.Lock()
	delete(r.sticky, addr)
	r.stickyMu.Unlock()
}

// resetAttempts frees every attempted address and feeds the static and
// peer book addresses back in, so a failed or dropped one is dialed again.
func (r *Runner) resetAttempts(ctx context.Context) {
	r.Self.Attempted.Clear()
	r.stickyMu.Lock()
	evs := make([]discovery.Event, 0, len(r.sticky))
	for _, ev := range r.sticky {
		evs = append(evs, ev)
	}
	r.stickyMu.Unlock()
	for _, ev := range evs {
		select {
		case r.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
