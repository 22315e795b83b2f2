package policy_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/rdmaring/internal/policy"
)

func TestEmptyPatternDisablesRDMA(t *testing.T) {
	p, err := policy.New("")
	require.NoError(t, err)
	require.False(t, p.IsRDMACapable("10.0.0.5"))
}

func TestGlobPatternMatchesAddress(t *testing.T) {
	p, err := policy.New("10.0.*.*")
	require.NoError(t, err)
	require.True(t, p.IsRDMACapable("10.0.1.2"))
	require.False(t, p.IsRDMACapable("192.168.1.2"))
}

func TestReloadBumpsGeneration(t *testing.T) {
	p, err := policy.New("*")
	require.NoError(t, err)
	require.Equal(t, uint64(0), p.Generation())
	require.Equal(t, uint64(1), p.Reload())
	require.Equal(t, uint64(1), p.Generation())
}

func TestInvalidPatternFails(t *testing.T) {
	_, err := policy.New("[")
	require.Error(t, err)
}
