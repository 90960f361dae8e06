package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New("loud", false)
	require.Error(t, err)

	log, err := New("DEBUG", true)
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestLimiter(t *testing.T) {
	now := time.Unix(0, 0)
	l := NewLimiter(time.Second)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow("dial:10.0.0.1"))
	require.False(t, l.Allow("dial:10.0.0.1"))
	require.True(t, l.Allow("dial:10.0.0.2"))

	now = now.Add(2 * time.Second)
	require.True(t, l.Allow("dial:10.0.0.1"))

	var nilLimiter *Limiter
	require.True(t, nilLimiter.Allow("x"))
}
