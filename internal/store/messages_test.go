package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"orionmesh/internal/proto"
)

func msg(id string, ts int64) proto.Message {
	return proto.Message{ID: id, From: "AAAA0000", FromName: "a", Payload: id, Timestamp: ts, TTL: proto.DefaultTTL}
}

func TestInsertOnlyOnce(t *testing.T) {
	s, err := OpenMessageStore(filepath.Join(t.TempDir(), "messages.json"), MessageOptions{})
	require.NoError(t, err)

	require.True(t, s.Insert(msg("a", 1)))
	require.False(t, s.Insert(msg("a", 2)))
	got, ok := s.Get("a")
	require.True(t, ok)
	require.EqualValues(t, 1, got.Timestamp)
}

func TestConcurrentInsertSingleWinner(t *testing.T) {
	s, err := OpenMessageStore(filepath.Join(t.TempDir(), "messages.json"), MessageOptions{})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Insert(msg("race", 1)) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

func TestSyncSetDifferences(t *testing.T) {
	s, err := OpenMessageStore(filepath.Join(t.TempDir(), "messages.json"), MessageOptions{})
	require.NoError(t, err)
	s.Insert(msg("a", 1))
	s.Insert(msg("b", 2))

	missing := s.Missing([]string{"b", "c"})
	require.Len(t, missing, 1)
	require.Equal(t, "a", missing[0].ID)

	require.Equal(t, []string{"c"}, s.Unknown([]string{"a", "c", "c", ""}))

	collected := s.Collect([]string{"b", "zzz"})
	require.Len(t, collected, 1)
	require.Equal(t, "b", collected[0].ID)
}

func TestSweepDropsOldMessages(t *testing.T) {
	s, err := OpenMessageStore(filepath.Join(t.TempDir(), "messages.json"), MessageOptions{})
	require.NoError(t, err)
	s.Insert(msg("old", 100))
	s.Insert(msg("new", 1000))

	res := s.Sweep(500)
	require.Equal(t, 1, res.Removed)
	require.False(t, res.SeenRebuilt)
	_, ok := s.Get("old")
	require.False(t, ok)
	_, ok = s.Get("new")
	require.True(t, ok)
	// still deduplicated until the seen set overflows
	require.True(t, s.Seen("old"))
}

func TestSweepRebuildsSeenOverCap(t *testing.T) {
	s, err := OpenMessageStore(filepath.Join(t.TempDir(), "messages.json"), MessageOptions{SeenCap: 3})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		s.Insert(msg(fmt.Sprintf("m%d", i), int64(i)))
	}
	res := s.Sweep(3)
	require.Equal(t, 3, res.Removed)
	require.True(t, res.SeenRebuilt)
	require.Equal(t, 2, s.SeenLen())
	require.True(t, s.Seen("m4"))
	require.False(t, s.Seen("m0"))
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	s, err := OpenMessageStore(path, MessageOptions{})
	require.NoError(t, err)
	s.Insert(msg("b", 2))
	s.Insert(msg("a", 1))
	require.NoError(t, s.Save())

	re, err := OpenMessageStore(path, MessageOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, re.IDs())
	require.True(t, re.Seen("a"))
	require.Equal(t, s.List(), re.List())
}
