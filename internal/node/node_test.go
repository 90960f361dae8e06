package node

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewNodeReusesIdentity(t *testing.T) {
	home := t.TempDir()
	first, err := NewNode(home, Options{Name: "  ana "})
	require.NoError(t, err, "new node")
	require.Equal(t, "ana", first.Name)

	second, err := NewNode(home, Options{})
	require.NoError(t, err, "reopen node")
	require.Equal(t, first.ID(), second.ID(), "device id changed across restart")
	require.Equal(t, DefaultName(second.ID()), second.Name)
}

func TestDefaultName(t *testing.T) {
	require.Equal(t, "Orion-A1B2", DefaultName("A1B2C3D4"))
}
