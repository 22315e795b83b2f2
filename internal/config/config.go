// Package config loads the daemon's YAML configuration: ring sizing, the
// inline-send threshold, the receive-publish threshold, logging, and the
// peer policy that decides which addresses are RDMA-capable.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/rdmaring/internal/logging"
)

// Config is the top-level daemon configuration.
type Config struct {
	Logging logging.Config `yaml:"logging"`
	Ring    RingConfig      `yaml:"ring"`
	Policy  PolicyConfig    `yaml:"policy"`
}

// RingConfig carries the per-MessageRing tuning knobs of spec sections 4.2
// through 4.4.
type RingConfig struct {
	// Size is the receive ring's capacity; must be a power of two.
	Size datasize.ByteSize `yaml:"size"`
	// InlineThreshold is the largest 12+length a send may occupy and
	// still be posted inline, clamped at runtime to the provider's
	// advertised maximum.
	InlineThreshold datasize.ByteSize `yaml:"inline_threshold"`
	// PublishThresholdFraction expresses the receive-publish threshold
	// as a fraction of Size; zero defaults to one half, per spec
	// section 4.3.
	PublishThresholdFraction float64 `yaml:"publish_threshold_fraction"`
	// PrimeDepth is the number of receive work requests posted before
	// the queue pair transitions to ready-to-receive.
	PrimeDepth int `yaml:"prime_depth"`
	// Spin, if true, yields the CPU with a backoff while busy-waiting
	// instead of spinning tightly.
	Spin bool `yaml:"spin"`
}

// PolicyConfig configures the peer policy collaborator: which addresses
// are considered RDMA-capable and the RDMA-capable device to bind.
type PolicyConfig struct {
	// AllowPattern is a glob matched against a candidate peer's address
	// (e.g. "10.0.*.* or "USE_RDMA" env var equivalent). Empty disables
	// RDMA entirely.
	AllowPattern string `yaml:"allow_pattern"`
	// Device is the RDMA device name to open (e.g. "mlx5_0"); empty
	// selects the first RDMA-capable device found.
	Device string `yaml:"device"`
	// Port is the device's physical port number.
	Port uint8 `yaml:"port"`
}

// Default returns the package defaults: a 4 MiB ring, a 256-byte inline
// threshold, info-level logging, and RDMA disabled (no allow pattern).
func Default() *Config {
	return &Config{
		Logging: logging.Config{Level: zapcore.InfoLevel},
		Ring: RingConfig{
			Size:            4 << 20,
			InlineThreshold: 256,
			PrimeDepth:      8,
		},
	}
}

// Load reads and decodes a YAML configuration file, starting from Default
// so a partial file only overrides the fields it sets.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg := Default()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Ring.Size == 0 || cfg.Ring.Size&(cfg.Ring.Size-1) != 0 {
		return nil, fmt.Errorf("ring.size %s must be a non-zero power of two", cfg.Ring.Size)
	}

	return cfg, nil
}

// PublishThreshold resolves RingConfig.PublishThresholdFraction against
// the ring size; zero means "let receivepath pick its own default".
func (c RingConfig) PublishThreshold() uint64 {
	if c.PublishThresholdFraction <= 0 {
		return 0
	}
	return uint64(float64(c.Size) * c.PublishThresholdFraction)
}
