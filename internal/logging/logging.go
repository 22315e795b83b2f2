// Package logging initializes the process-wide structured logger.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config is the logging subsystem's configuration.
type Config struct {
	// Level is the minimum level that is emitted.
	Level zapcore.Level `yaml:"level"`
}

// Init builds a console-encoded logger writing to stderr, colorized when
// stderr is a terminal. The returned AtomicLevel allows the level to be
// changed at runtime, e.g. from a SIGHUP handler.
func Init(cfg *Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		// Every line carries a fixed component tag so a log aggregator can
		// pick out this daemon's lines without parsing messages; it does
		// not identify a ring or a daemon instance.
		InitialFields: map[string]any{"component": "rdmaring"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Sugar(), config.Level, nil
}
