package node

import (
	"bufio"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRaw(w io.Writer, line []byte) error {
	_, err := w.Write(append(line, '\n'))
	return err
}

func TestSessionStoreAtMostOne(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	store := NewSessionStore()

	first := NewSession(a, "10.0.0.1:1", true)
	first.SetPeer("AAAA0000", "a")
	second := NewSession(a, "10.0.0.1:2", false)
	second.SetPeer("AAAA0000", "a")
	anon := NewSession(a, "10.0.0.9:1", false)

	require.True(t, store.Add(first))
	require.False(t, store.Add(second))
	require.False(t, store.Add(anon))
	require.Equal(t, 1, store.Count())
	require.True(t, store.HasHost("10.0.0.1"))

	require.False(t, store.Remove(second))
	require.True(t, store.Has("AAAA0000"))
	require.True(t, store.Remove(first))
	require.Equal(t, 0, store.Count())
}

func TestSessionStoreExcept(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	store := NewSessionStore()
	for _, id := range []string{"C", "A", "B"} {
		s := NewSession(a, id+":1", false)
		s.SetPeer(id, id)
		require.True(t, store.Add(s))
	}
	var ids []string
	for _, s := range store.Except("B") {
		ids = append(ids, s.ID())
	}
	require.Equal(t, []string{"A", "C"}, ids)
	require.Len(t, store.List(), 3)
}

func TestSessionWritesAreSerialized(t *testing.T) {
	a, b := net.Pipe()
	sess := NewSession(a, "pipe", false)
	go func() { _ = sess.WriteLoop(writeRaw) }()

	const senders, each = 8, 20
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				assert.NoError(t, sess.Send([]byte(`{"t":"SYNC_IDS","ids":["abcdefghij"]}`)))
			}
		}()
	}

	sc := bufio.NewScanner(b)
	got := 0
	for got < senders*each && sc.Scan() {
		require.Equal(t, `{"t":"SYNC_IDS","ids":["abcdefghij"]}`, sc.Text())
		got++
	}
	wg.Wait()
	require.Equal(t, senders*each, got)
	require.NoError(t, sess.Close())
	require.Equal(t, StateClosed, sess.State())
	require.ErrorIs(t, sess.Send([]byte("x")), ErrSessionClosed)
	_ = b.Close()
}

func TestSessionFullQueueCloses(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	sess := NewSession(a, "pipe", false)
	for i := 0; i < DefaultSendQueue; i++ {
		require.NoError(t, sess.Send([]byte("x")))
	}
	require.ErrorIs(t, sess.Send([]byte("x")), ErrQueueFull)
	<-sess.Done()
	require.Equal(t, StateClosed, sess.State())
}

func TestSessionStateNeverLeavesClosed(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	sess := NewSession(a, "pipe", true)
	require.Equal(t, StateConnecting, sess.State())
	sess.SetState(StateHandshaking)
	require.Equal(t, "HANDSHAKING", sess.State().String())
	require.NoError(t, sess.Close())
	sess.SetState(StateActive)
	require.Equal(t, StateClosed, sess.State())
}
