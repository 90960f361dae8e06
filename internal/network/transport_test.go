package network

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"orionmesh/internal/proto"
	"orionmesh/internal/testutil"
)

func exchange(t *testing.T, tr Transport) {
	t.Helper()
	ln, err := tr.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	ctx := testutil.Context(t, 10*time.Second)

	accepted := make(chan Conn, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	client, err := tr.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, proto.WriteLine(client, []byte(`{"id":"CLIENT00","n":"c"}`)))

	var server Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		require.FailNow(t, "accept timed out")
	}
	defer server.Close()

	line, err := proto.NewLineReader(server, 0).ReadLine()
	require.NoError(t, err)
	require.Equal(t, `{"id":"CLIENT00","n":"c"}`, string(line))

	require.NoError(t, proto.WriteLine(server, []byte(`{"id":"SERVER00","n":"s"}`)))
	line, err = proto.NewLineReader(client, 0).ReadLine()
	require.NoError(t, err)
	require.Equal(t, `{"id":"SERVER00","n":"s"}`, string(line))
}

func TestTCPTransportExchange(t *testing.T) {
	tr, err := New(KindTCP, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	exchange(t, tr)
}

func TestQUICTransportExchange(t *testing.T) {
	tr, err := New(KindQUIC, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	exchange(t, tr)
}

func TestUnknownTransport(t *testing.T) {
	_, err := New("carrier-pigeon", Options{})
	require.Error(t, err)
}

func TestTCPListenerStopsOnCancel(t *testing.T) {
	tr, err := New(KindTCP, Options{})
	require.NoError(t, err)
	ln, err := tr.Listen("127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ln.Accept(ctx)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrListenerClosed)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "accept did not return after cancel")
	}
}

func TestTCPInboundLimit(t *testing.T) {
	tr, err := New(KindTCP, Options{MaxConnsPerIP: 1})
	require.NoError(t, err)
	ln, err := tr.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	ctx := testutil.Context(t, 10*time.Second)

	first, err := tr.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	accepted, err := ln.Accept(ctx)
	require.NoError(t, err)

	second, err := tr.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = ln.Accept(ctx)
	}()
	// the second connection is refused while the first holds the slot
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = second.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, accepted.Close())
	_ = ln.Close()
	wg.Wait()
}

func TestAnnounceServeDeliversValidDatagrams(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	a := &Announcer{Logger: zaptest.NewLogger(t)}
	a.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan proto.Announce, 4)
	done := make(chan error, 1)
	go func() {
		done <- a.serve(ctx, conn, func(m proto.Announce, _ *net.UDPAddr) { got <- m })
	}()

	sender, err := net.DialUDP("udp4", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer sender.Close()
	_, err = sender.Write([]byte(`garbage`))
	require.NoError(t, err)
	payload, err := proto.EncodeAnnounce(proto.Announce{ID: "A1B2C3D4", Name: "a", Port: 8888})
	require.NoError(t, err)
	_, err = sender.Write(payload)
	require.NoError(t, err)

	select {
	case m := <-got:
		require.Equal(t, "A1B2C3D4", m.ID)
		require.Equal(t, 8888, m.Port)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "announce not delivered")
	}
	cancel()
	require.NoError(t, <-done)
}
