package network

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIPLimiterConnCap(t *testing.T) {
	lim := newIPLimiter(1)
	require.True(t, lim.acquireConn("1.2.3.4"), "first conn")
	require.False(t, lim.acquireConn("1.2.3.4"), "conn cap")
	lim.releaseConn("1.2.3.4")
	require.True(t, lim.acquireConn("1.2.3.4"), "acquire after release")
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	lim := newIPLimiter(1)
	require.True(t, lim.acquireConn("1.2.3.4"))
	require.True(t, lim.acquireConn("2.3.4.5"), "separate ip conn")
	require.Equal(t, 1, lim.active("1.2.3.4"))
}

func TestIPLimiterDisabled(t *testing.T) {
	lim := newIPLimiter(0)
	for i := 0; i < 10; i++ {
		require.True(t, lim.acquireConn("1.2.3.4"), "unlimited acquire")
	}
}
