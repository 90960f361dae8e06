package network

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"orionmesh/internal/proto"
)

const (
	DefaultAnnouncePort     = 8889
	DefaultAnnounceInterval = 3 * time.Second
	maxDatagram             = 2048
)

var DefaultAnnounceTargets = []string{
	"255.255.255.255",
	"192.168.43.255",
	"192.168.49.255",
	"192.168.1.255",
}

// Announcer is the best-effort UDP fallback to structured discovery.
type Announcer struct {
	Port     int
	Targets  []string
	Interval time.Duration
	Logger   *zap.Logger
}

func (a *Announcer) defaults() {
	if a.Port <= 0 {
		a.Port = DefaultAnnouncePort
	}
	if len(a.Targets) == 0 {
		a.Targets = DefaultAnnounceTargets
	}
	if a.Interval <= 0 {
		a.Interval = DefaultAnnounceInterval
	}
	if a.Logger == nil {
		a.Logger = zap.NewNop()
	}
}

// Broadcast sends the announce datagram to every target each interval until ctx ends.
func (a *Announcer) Broadcast(ctx context.Context, msg proto.Announce) error {
	a.defaults()
	payload, err := proto.EncodeAnnounce(msg)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	var dests []*net.UDPAddr
	for _, target := range a.Targets {
		addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(target, strconv.Itoa(a.Port)))
		if err != nil {
			a.Logger.Debug("skip announce target", zap.String("target", target), zap.Error(err))
			continue
		}
		dests = append(dests, addr)
	}

	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()
	for {
		for _, dst := range dests {
			if _, err := conn.WriteToUDP(payload, dst); err != nil {
				a.Logger.Debug("announce send failed", zap.Stringer("addr", dst), zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Listen delivers every valid announce datagram to handle until ctx ends.
func (a *Announcer) Listen(ctx context.Context, handle func(proto.Announce, *net.UDPAddr)) error {
	a.defaults()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: a.Port})
	if err != nil {
		return err
	}
	return a.serve(ctx, conn, handle)
}

func (a *Announcer) serve(ctx context.Context, conn *net.UDPConn, handle func(proto.Announce, *net.UDPAddr)) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.Logger.Debug("announce read failed", zap.Error(err))
			continue
		}
		msg, err := proto.DecodeAnnounce(buf[:n])
		if err != nil {
			continue
		}
		handle(msg, from)
	}
}
