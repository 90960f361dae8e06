package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	KindTCP  = "tcp"
	KindQUIC = "quic"

	DefaultDialTimeout   = 10 * time.Second
	DefaultMaxConnsPerIP = 4
)

var ErrListenerClosed = errors.New("listener closed")

// Conn is one bidirectional stream to a peer.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Transport opens and accepts peer streams.
type Transport interface {
	Kind() string
	Listen(addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Conn, error)
}

type Options struct {
	DialTimeout   time.Duration
	MaxConnsPerIP int
	Logger        *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func New(kind string, opts Options) (Transport, error) {
	opts = opts.withDefaults()
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindTCP:
		return &TCPTransport{opts: opts}, nil
	case KindQUIC:
		return NewQUICTransport(opts)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// HostOf returns the host part of addr, or addr itself when it has no port.
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// limitedConn releases its limiter slot exactly once on Close.
type limitedConn struct {
	Conn
	once    sync.Once
	release func()
}

func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}

// TCPTransport carries line frames over plain TCP.
type TCPTransport struct {
	opts Options
}

func (t *TCPTransport) Kind() string { return KindTCP }

func (t *TCPTransport) Listen(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	t.opts.Logger.Info("tcp listen ready", zap.String("addr", ln.Addr().String()))
	return &tcpListener{ln: ln, limiter: newIPLimiter(t.opts.MaxConnsPerIP), log: t.opts.Logger}, nil
}

func (t *TCPTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	d := net.Dialer{Timeout: t.opts.DialTimeout, KeepAlive: 30 * time.Second}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type tcpListener struct {
	ln      net.Listener
	limiter *ipLimiter
	log     *zap.Logger
}

func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }
func (l *tcpListener) Close() error   { return l.ln.Close() }

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil, ErrListenerClosed
			}
			return nil, err
		}
		ip := HostOf(c.RemoteAddr().String())
		if !l.limiter.acquireConn(ip) {
			l.log.Debug("inbound limit reached", zap.String("addr", c.RemoteAddr().String()))
			_ = c.Close()
			continue
		}
		return &limitedConn{Conn: c, release: func() { l.limiter.releaseConn(ip) }}, nil
	}
}
