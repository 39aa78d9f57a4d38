// Package logging builds the relay's zap logger from its config section.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Jaobie-BN/labnet-test/config"
)

// New returns a logger writing to stderr at cfg.Level (default info) in
// cfg.Format, "json" (default) or "console". Every entry carries service.
func New(cfg config.LoggingConfig, service string) (*zap.Logger, error) {
	return build(cfg, service, zapcore.Lock(os.Stderr))
}

func build(cfg config.LoggingConfig, service string, sink zapcore.WriteSyncer) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		level = parsed
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder

	var enc zapcore.Encoder
	switch cfg.Format {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("logging.format %q must be json or console", cfg.Format)
	}

	logger := zap.New(zapcore.NewCore(enc, sink, level), zap.ErrorOutput(sink))
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	return logger, nil
}
