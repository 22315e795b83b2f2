package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/rdmaring/internal/config"
)

func TestLoadOverridesDefaultsPartially(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ring:
  size: 8192
policy:
  allow_pattern: "10.0.*.*"
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(8192), uint64(cfg.Ring.Size))
	require.Equal(t, uint64(256), uint64(cfg.Ring.InlineThreshold))
	require.Equal(t, "10.0.*.*", cfg.Policy.AllowPattern)
}

func TestLoadRejectsNonPowerOfTwoRingSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ring:\n  size: 1000\n"), 0o644))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestPublishThresholdResolvesFraction(t *testing.T) {
	rc := config.RingConfig{Size: 1024, PublishThresholdFraction: 0.25}
	require.Equal(t, uint64(256), rc.PublishThreshold())

	rc = config.RingConfig{Size: 1024}
	require.Equal(t, uint64(0), rc.PublishThreshold())
}
