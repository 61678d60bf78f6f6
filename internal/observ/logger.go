// Package observ builds the process-wide structured logger.
package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every log line.
const ServiceName = "relay"

// NewLogger creates a structured logger based on environment.
// Production emits JSON with ISO8601 timestamps; everything else gets the
// colored console encoder.
func NewLogger(env, level string) (*zap.Logger, error) {
	config := loggerConfig(env, level)
	return config.Build(zap.Fields(zap.String("service", ServiceName)))
}

func loggerConfig(env, level string) zap.Config {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	// Unknown levels fall back to info.
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	return config
}
