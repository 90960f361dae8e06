package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

const (
	quicALPN       = "orion-mesh"
	quicServerName = "orion-mesh"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// meshTLSCert is shared by every node. QUIC only provides the encrypted
// stream here; peers are identified by device id at the application layer.
func meshTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("orion-mesh-quic-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{quicServerName},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := meshTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := meshTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: quicServerName,
		NextProtos: []string{quicALPN},
		MinVersion: tls.VersionTLS13,
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
	}
}

// QUICTransport runs each peer session on the first stream of a QUIC connection.
type QUICTransport struct {
	opts      Options
	serverTLS *tls.Config
	clientTLS *tls.Config
}

func NewQUICTransport(opts Options) (*QUICTransport, error) {
	opts = opts.withDefaults()
	srv, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	cli, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	return &QUICTransport{opts: opts, serverTLS: srv, clientTLS: cli}, nil
}

func (t *QUICTransport) Kind() string { return KindQUIC }

func (t *QUICTransport) Listen(addr string) (Listener, error) {
	ln, err := quic.ListenAddr(addr, t.serverTLS, quicConfig())
	if err != nil {
		t.opts.Logger.Warn("quic listen error", zap.String("addr", addr), zap.Error(err))
		return nil, err
	}
	t.opts.Logger.Info("quic listen ready", zap.String("addr", ln.Addr().String()))
	return &quicListener{ln: ln, limiter: newIPLimiter(t.opts.MaxConnsPerIP), log: t.opts.Logger}, nil
}

func (t *QUICTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, t.clientTLS, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{conn: conn, stream: stream}, nil
}

type quicListener struct {
	ln      *quic.Listener
	limiter *ipLimiter
	log     *zap.Logger
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }
func (l *quicListener) Close() error   { return l.ln.Close() }

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil, ErrListenerClosed
			}
			return nil, err
		}
		ip := HostOf(conn.RemoteAddr().String())
		if !l.limiter.acquireConn(ip) {
			l.log.Debug("inbound limit reached", zap.String("addr", conn.RemoteAddr().String()))
			_ = conn.CloseWithError(0, "busy")
			continue
		}
		// the dialer writes its hello immediately, which makes the stream visible
		sctx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
		stream, err := conn.AcceptStream(sctx)
		cancel()
		if err != nil {
			l.limiter.releaseConn(ip)
			_ = conn.CloseWithError(0, "")
			l.log.Debug("quic accept stream error", zap.Error(err))
			continue
		}
		sc := &streamConn{conn: conn, stream: stream}
		return &limitedConn{Conn: sc, release: func() { l.limiter.releaseConn(ip) }}, nil
	}
}

// streamConn adapts a QUIC stream and its connection to Conn.
type streamConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	once   sync.Once
}

func (c *streamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *streamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *streamConn) RemoteAddr() net.Addr        { return c.conn.RemoteAddr() }

func (c *streamConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

func (c *streamConn) Close() error {
	var err error
	c.once.Do(func() {
		c.stream.CancelRead(0)
		_ = c.stream.Close()
		err = c.conn.CloseWithError(0, "")
	})
	return err
}
