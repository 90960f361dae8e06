package daemon

import (
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"orionmesh/internal/crypto"
	"orionmesh/internal/node"
	"orionmesh/internal/notify"
	"orionmesh/internal/proto"
)

type pipePeer struct {
	sess  *node.Session
	lines chan []byte
}

func newTestNode(t *testing.T, name string) *node.Node {
	t.Helper()
	n, err := node.NewNode(t.TempDir(), node.Options{Name: name})
	require.NoError(t, err, "new node")
	return n
}

func newTestRunner(t *testing.T, name string, mutate ...func(*Options)) *Runner {
	t.Helper()
	opts := Options{
		ListenAddr:   "127.0.0.1:0",
		Logger:       zaptest.NewLogger(t),
		Sign:         true,
		SnapInterval: -1,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	r, err := NewRunner(newTestNode(t, name), opts)
	require.NoError(t, err, "new runner")
	return r
}

// attachPeer registers a fake session whose far end is read by the test.
func attachPeer(t *testing.T, r *Runner, id string) *pipePeer {
	t.Helper()
	local, remote := net.Pipe()
	sess := node.NewSession(local, "10.0.0."+id[:1]+":8888", true)
	sess.SetPeer(id, "peer-"+id)
	require.True(t, r.Self.Sessions.Add(sess), "add session %s", id)
	go func() { _ = sess.WriteLoop(proto.WriteLine) }()
	p := &pipePeer{sess: sess, lines: make(chan []byte, 64)}
	go func() {
		rd := proto.NewLineReader(remote, proto.MaxFrameSize)
		for {
			line, err := rd.ReadLine()
			if err != nil {
				return
			}
			p.lines <- line
		}
	}()
	t.Cleanup(func() {
		_ = sess.Close()
		_ = remote.Close()
	})
	return p
}

func (p *pipePeer) expectFrame(t *testing.T) proto.Frame {
	t.Helper()
	select {
	case line := <-p.lines:
		f, err := proto.DecodeFrame(line)
		require.NoError(t, err, "decode frame %q", line)
		return f
	case <-time.After(2 * time.Second):
		require.FailNowf(t, "no frame", "peer %s", p.sess.ID())
		return nil
	}
}

func (p *pipePeer) expectNone(t *testing.T) {
	t.Helper()
	select {
	case line := <-p.lines:
		require.FailNowf(t, "unexpected frame", "peer %s: %s", p.sess.ID(), line)
	case <-time.After(150 * time.Millisecond):
	}
}

func publicMessage(id string, ttl int) proto.Message {
	return proto.Message{
		ID:        id,
		From:      "CAFEBABE",
		FromName:  "remote",
		Payload:   "hola",
		Timestamp: time.Now().UnixMilli(),
		TTL:       ttl,
	}
}

func TestRelayDecrementsTTLAndSkipsSender(t *testing.T) {
	r := newTestRunner(t, "relay")
	x := attachPeer(t, r, "11111111")
	y := attachPeer(t, r, "22222222")

	r.HandleFrame(x.sess, proto.MessageFrame{Message: publicMessage("m-1", 5)})

	f := y.expectFrame(t)
	mf, ok := f.(proto.MessageFrame)
	require.True(t, ok, "expected message frame, got %T", f)
	require.Equal(t, 4, mf.Message.TTL)
	require.Equal(t, 1, mf.Message.Hops)
	x.expectNone(t)

	stored, ok := r.Self.Messages.Get("m-1")
	require.True(t, ok, "message not stored")
	require.Equal(t, 5, stored.TTL, "stored copy changed")
	require.Equal(t, 0, stored.Hops, "stored copy changed")
}

func TestZeroTTLIsStoredButNotRelayed(t *testing.T) {
	r := newTestRunner(t, "edge")
	x := attachPeer(t, r, "11111111")
	y := attachPeer(t, r, "22222222")

	r.HandleFrame(x.sess, proto.MessageFrame{Message: publicMessage("m-0", 0)})
	y.expectNone(t)
	require.True(t, r.Self.Messages.Seen("m-0"), "ttl 0 message should still be stored")
}

func TestDuplicateIsDroppedSilently(t *testing.T) {
	r := newTestRunner(t, "dup")
	x := attachPeer(t, r, "11111111")
	y := attachPeer(t, r, "22222222")

	var delivered int
	r.OnMessage(func(Delivery) { delivered++ })

	m := publicMessage("m-dup", 3)
	r.HandleFrame(x.sess, proto.MessageFrame{Message: m})
	y.expectFrame(t)
	r.HandleFrame(y.sess, proto.MessageFrame{Message: m.Relayed()})
	x.expectNone(t)
	y.expectNone(t)

	require.Equal(t, 1, delivered)
	require.Equal(t, uint64(1), r.Metrics.Snapshot().Gossip.Duplicate)
}

func TestLegacyBatchIsNotRelayed(t *testing.T) {
	r := newTestRunner(t, "legacy")
	x := attachPeer(t, r, "11111111")
	y := attachPeer(t, r, "22222222")

	r.HandleFrame(x.sess, proto.LegacySync{Messages: []proto.Message{publicMessage("l-1", 9), publicMessage("l-2", 9)}})
	y.expectNone(t)
	require.Equal(t, 2, r.Self.Messages.Len())
}

func TestSyncIDsAnswersBothDirections(t *testing.T) {
	r := newTestRunner(t, "sync")
	x := attachPeer(t, r, "11111111")
	r.Self.Messages.Insert(publicMessage("mine", 50))

	r.HandleFrame(x.sess, proto.SyncIDs{IDs: []string{"theirs"}})

	f := x.expectFrame(t)
	msgs, ok := f.(proto.SyncMsgs)
	require.True(t, ok, "expected SYNC_MSGS, got %#v", f)
	require.Len(t, msgs.Messages, 1)
	require.Equal(t, "mine", msgs.Messages[0].ID)

	f = x.expectFrame(t)
	req, ok := f.(proto.SyncReq)
	require.True(t, ok, "expected SYNC_REQ, got %#v", f)
	require.Equal(t, []string{"theirs"}, req.IDs)

	r.HandleFrame(x.sess, proto.SyncIDs{IDs: []string{"mine"}})
	x.expectNone(t)
}

func TestSyncReqReturnsKnownOnly(t *testing.T) {
	r := newTestRunner(t, "req")
	x := attachPeer(t, r, "11111111")
	r.Self.Messages.Insert(publicMessage("a", 50))

	r.HandleFrame(x.sess, proto.SyncReq{IDs: []string{"a", "unknown"}})
	f := x.expectFrame(t)
	msgs, ok := f.(proto.SyncMsgs)
	require.True(t, ok, "unexpected reply %#v", f)
	require.Len(t, msgs.Messages, 1)
	require.Equal(t, "a", msgs.Messages[0].ID)
}

func TestSyncMsgsAreRelayed(t *testing.T) {
	r := newTestRunner(t, "syncrelay")
	x := attachPeer(t, r, "11111111")
	y := attachPeer(t, r, "22222222")

	r.HandleFrame(x.sess, proto.SyncMsgs{Messages: []proto.Message{publicMessage("s-1", 2)}})
	f := y.expectFrame(t)
	mf, ok := f.(proto.MessageFrame)
	require.True(t, ok, "unexpected relay %#v", f)
	require.Equal(t, "s-1", mf.Message.ID)
	require.Equal(t, 1, mf.Message.TTL)
}

func TestExpiredArrivalIsDropped(t *testing.T) {
	now := time.Now()
	r := newTestRunner(t, "old", func(o *Options) {
		o.Now = func() time.Time { return now }
	})
	x := attachPeer(t, r, "11111111")
	m := publicMessage("ancient", 50)
	m.Timestamp = now.Add(-31 * 24 * time.Hour).UnixMilli()

	r.HandleFrame(x.sess, proto.MessageFrame{Message: m})
	require.False(t, r.Self.Messages.Seen("ancient"), "expired message stored")
	require.Equal(t, uint64(1), r.Metrics.Snapshot().Gossip.Expired)
}

func TestSweepRemovesOldMessages(t *testing.T) {
	now := time.Now()
	r := newTestRunner(t, "sweep", func(o *Options) {
		o.Now = func() time.Time { return now }
	})
	x := attachPeer(t, r, "11111111")
	r.HandleFrame(x.sess, proto.MessageFrame{Message: publicMessage("fresh", 0)})
	require.Equal(t, 1, r.Self.Messages.Len())

	now = now.Add(31 * 24 * time.Hour)
	res := r.Sweep()
	require.Equal(t, 1, res.Removed)
	require.Equal(t, 0, r.Self.Messages.Len())
	require.True(t, r.Self.Messages.Seen("fresh"), "seen set should outlive the stored message")
}

func signedBy(t *testing.T, id *crypto.Identity, m proto.Message) proto.Message {
	t.Helper()
	m.From = id.DeviceID()
	m.FromKey = id.ShareableCode()
	sig, err := id.Sign(m.SigningBytes())
	require.NoError(t, err, "sign")
	m.Sig = base64.StdEncoding.EncodeToString(sig)
	return m
}

func TestSignatureChecks(t *testing.T) {
	r := newTestRunner(t, "sig")
	x := attachPeer(t, r, "11111111")
	other, err := crypto.GenerateIdentity()
	require.NoError(t, err, "identity")

	good := signedBy(t, other, publicMessage("signed", 3))
	r.HandleFrame(x.sess, proto.MessageFrame{Message: good})
	require.True(t, r.Self.Messages.Seen("signed"), "valid signature rejected")

	forged := signedBy(t, other, publicMessage("forged", 3))
	forged.Payload = "changed"
	r.HandleFrame(x.sess, proto.MessageFrame{Message: forged})

	spoofed := signedBy(t, other, publicMessage("spoofed", 3))
	spoofed.From = "DEADBEEF"
	r.HandleFrame(x.sess, proto.MessageFrame{Message: spoofed})

	require.False(t, r.Self.Messages.Seen("forged"))
	require.False(t, r.Self.Messages.Seen("spoofed"))
	require.Equal(t, uint64(2), r.Metrics.Snapshot().Gossip.SignatureFailure)
}

func TestInvalidMessageCountsAsMalformed(t *testing.T) {
	r := newTestRunner(t, "invalid")
	x := attachPeer(t, r, "11111111")
	m := publicMessage("", 3)
	r.HandleFrame(x.sess, proto.MessageFrame{Message: m})
	require.Equal(t, 0, r.Self.Messages.Len())
	require.Equal(t, uint64(1), r.Metrics.Snapshot().Gossip.Malformed)
}

func TestSendPublicFloodsAllSessions(t *testing.T) {
	r := newTestRunner(t, "sender")
	x := attachPeer(t, r, "11111111")
	y := attachPeer(t, r, "22222222")

	m, err := r.SendPublic("hola a todos")
	require.NoError(t, err, "send")
	for _, p := range []*pipePeer{x, y} {
		f := p.expectFrame(t)
		mf, ok := f.(proto.MessageFrame)
		require.True(t, ok, "unexpected frame %#v", f)
		require.Equal(t, m.ID, mf.Message.ID)
		require.Equal(t, proto.DefaultTTL, mf.Message.TTL)
		require.Equal(t, 0, mf.Message.Hops)
		require.NotEmpty(t, mf.Message.Sig)
	}
	require.True(t, r.verify(m), "own signature does not verify")
	hist := r.Self.History.List()
	require.Len(t, hist, 1)
	require.True(t, hist[0].IsOutgoing)
	require.Equal(t, "hola a todos", hist[0].Content)

	_, err = r.SendPublic("  ")
	require.ErrorIs(t, err, ErrEmptyText)
}

func TestSendPublicTruncates(t *testing.T) {
	r := newTestRunner(t, "long")
	long := make([]rune, proto.MaxTextLen+20)
	for i := range long {
		long[i] = 'ñ'
	}
	m, err := r.SendPublic(string(long))
	require.NoError(t, err, "send")
	require.Len(t, []rune(m.Payload), proto.MaxTextLen)
}

func TestPrivateMessageVisibility(t *testing.T) {
	alice := newTestRunner(t, "alice")
	bob := newTestRunner(t, "bob")
	carol := newTestRunner(t, "carol")

	_, err := alice.SendPrivate("secreto", bob.Self.ID(), carol.Self.Identity.ShareableCode())
	require.ErrorIs(t, err, ErrRecipientMismatch)
	m, err := alice.SendPrivate("secreto", bob.Self.ID(), bob.Self.Identity.ShareableCode())
	require.NoError(t, err, "send private")
	require.NotEqual(t, "secreto", m.Payload)
	require.True(t, m.Enc)
	require.Equal(t, bob.Self.ID(), m.To)

	text, err := bob.Decrypt(m)
	require.NoError(t, err)
	require.Equal(t, "secreto", text)

	text, err = carol.Decrypt(m)
	require.ErrorIs(t, err, ErrNotForMe)
	require.Equal(t, LockedPlaceholder, text)

	tampered := m
	tampered.Payload = base64.StdEncoding.EncodeToString([]byte("not the ciphertext at all"))
	text, err = bob.Decrypt(tampered)
	require.ErrorIs(t, err, crypto.ErrCannotDecrypt)
	require.Equal(t, FailedPlaceholder, text)
}

func TestSendToContact(t *testing.T) {
	alice := newTestRunner(t, "alice")
	bob := newTestRunner(t, "bob")
	_, err := alice.SendToContact(bob.Self.ID(), "hola")
	require.ErrorIs(t, err, ErrUnknownContact)

	_, err = alice.Self.Contacts.Add("Bob", bob.Self.Identity.ShareableCode())
	require.NoError(t, err, "add contact")
	m, err := alice.SendToContact(bob.Self.ID(), "hola")
	require.NoError(t, err, "send")
	require.Equal(t, bob.Self.ID(), m.To)
}

func TestNotifierRule(t *testing.T) {
	type call struct {
		id       string
		readable bool
		forMe    bool
	}
	var calls []call
	r := newTestRunner(t, "notify", func(o *Options) {
		o.Notifier = notify.Func(func(m proto.Message, text *string, forMe bool) {
			calls = append(calls, call{id: m.ID, readable: text != nil, forMe: forMe})
		})
	})
	x := attachPeer(t, r, "11111111")

	r.HandleFrame(x.sess, proto.MessageFrame{Message: publicMessage("pub", 0)})

	other := publicMessage("other", 0)
	other.Enc, other.To, other.IV = true, "0BADF00D", "AAAAAAAAAAAAAAAA"
	r.HandleFrame(x.sess, proto.MessageFrame{Message: other})

	own := publicMessage("own", 0)
	own.From = r.Self.ID()
	r.HandleFrame(x.sess, proto.MessageFrame{Message: own})

	require.Equal(t, []call{
		{id: "pub", readable: true, forMe: true},
		{id: "other", readable: false, forMe: false},
	}, calls)
}
