package proto

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageFrameWireShape(t *testing.T) {
	m := Message{ID: "abc", From: "A1B2C3D4", FromName: "ana", Payload: "hi", Timestamp: 10, TTL: 50}
	data, err := EncodeFrame(MessageFrame{Message: m})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, "M", raw["t"])
	require.Equal(t, "A1B2C3D4", raw["f"])
	require.Equal(t, "hi", raw["tx"])
	require.Equal(t, false, raw["e"])
	require.NotContains(t, raw, "to")
	require.NotContains(t, raw, "iv")

	f, err := DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, MessageFrame{Message: m}, f)
}

func TestMessageTolerantParsing(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","f":"A","tx":"t","e":false,"ts":1,"fk":"","to":"","iv":""}`), &m))
	require.Equal(t, UnknownName, m.FromName)
	require.Equal(t, DefaultTTL, m.TTL)
	require.Equal(t, 0, m.Hops)
	require.Empty(t, m.To)
	require.NoError(t, m.Validate())

	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","f":"A","fn":"bo","tx":"t","ts":1,"ttl":0,"h":7}`), &m))
	require.Equal(t, "bo", m.FromName)
	require.Equal(t, 0, m.TTL)
	require.Equal(t, 7, m.Hops)
}

func TestValidatePrivateNeedsRecipient(t *testing.T) {
	m := Message{ID: "x", From: "A", Enc: true, IV: "aa"}
	require.ErrorIs(t, m.Validate(), ErrInvalidMessage)
	m.To = "B"
	require.NoError(t, m.Validate())
	m.IV = ""
	require.ErrorIs(t, m.Validate(), ErrInvalidMessage)
}

func TestSyncFramesRoundTrip(t *testing.T) {
	msgs := []Message{{ID: "1", From: "A", FromName: "a", TTL: 3}, {ID: "2", From: "B", FromName: "b", TTL: 50, Hops: 2}}
	for _, f := range []Frame{
		SyncIDs{IDs: []string{"1", "2"}},
		SyncReq{IDs: []string{"3"}},
		SyncMsgs{Messages: msgs},
		LegacySync{Messages: msgs},
	} {
		data, err := EncodeFrame(f)
		require.NoError(t, err)
		got, err := DecodeFrame(data)
		require.NoError(t, err)
		require.Equal(t, f, got)
	}
}

func TestEmptySyncIDsEncodesArray(t *testing.T) {
	data, err := EncodeFrame(SyncIDs{})
	require.NoError(t, err)
	require.JSONEq(t, `{"t":"SYNC_IDS","ids":[]}`, string(data))
}

func TestDecodeFrameRejectsUnknown(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"t":"PING"}`))
	require.ErrorIs(t, err, ErrUnknownFrame)
	_, err = DecodeFrame([]byte(`{"id":"A","n":"x"}`))
	require.ErrorIs(t, err, ErrUnknownFrame)
	_, err = DecodeFrame([]byte(`not json`))
	require.Error(t, err)
}

func TestRelayedCopy(t *testing.T) {
	m := Message{ID: "x", TTL: 50, Hops: 0}
	r := m.Relayed()
	require.Equal(t, 49, r.TTL)
	require.Equal(t, 1, r.Hops)
	require.Equal(t, 50, m.TTL)
}

func TestSigningBytesIgnoreRelayFields(t *testing.T) {
	m := Message{ID: "x", From: "A", Payload: "p", TTL: 50}
	require.Equal(t, m.SigningBytes(), m.Relayed().SigningBytes())
	m2 := m
	m2.Payload = "q"
	require.NotEqual(t, m.SigningBytes(), m2.SigningBytes())
}

func TestTruncateText(t *testing.T) {
	long := strings.Repeat("ñ", MaxTextLen+20)
	require.Equal(t, MaxTextLen, len([]rune(TruncateText(long))))
	require.Equal(t, "short", TruncateText("short"))
}

func TestHelloAndAnnounce(t *testing.T) {
	data, err := EncodeHello(Hello{ID: "A1B2C3D4", Name: "ana"})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"A1B2C3D4","n":"ana"}`, string(data))
	h, err := DecodeHello(data)
	require.NoError(t, err)
	require.Equal(t, "ana", h.Name)

	_, err = DecodeHello([]byte(`{"n":"x"}`))
	require.ErrorIs(t, err, ErrBadHello)
	_, err = DecodeHello([]byte(`{"t":"M","id":"m1","f":"A1B2C3D4","tx":"hi"}`))
	require.ErrorIs(t, err, ErrBadHello)

	data, err = EncodeAnnounce(Announce{ID: "A1B2C3D4", Name: "ana", Port: 8888})
	require.NoError(t, err)
	require.JSONEq(t, `{"t":"ORION","id":"A1B2C3D4","n":"ana","p":8888}`, string(data))
	a, err := DecodeAnnounce(data)
	require.NoError(t, err)
	require.Equal(t, 8888, a.Port)

	_, err = DecodeAnnounce([]byte(`{"t":"OTHER","id":"x","p":1}`))
	require.Error(t, err)
}
