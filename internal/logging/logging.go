// Package logging provides the engine's structured logger, adapted from
// the teacher's pkg/logger: slog with a configurable level/format/output
// and lumberjack-backed file rotation, plus a request-id context key used
// to correlate a TFTP/HTTP/DHCP request across the identification
// pipeline and the audit log (spec §4.7, §9 "security audit log").
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ContextKey namespaces values provd stores on a context.Context.
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	DeviceIDKey  ContextKey = "device_id"
)

// Config holds logger configuration, typically bound from viper (spec
// SPEC_FULL "AMBIENT STACK / configuration").
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// New builds a structured logger from Config.
func New(cfg Config) *slog.Logger {
	level := ParseLevel(cfg.Level)
	writer := SetupWriter(cfg)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler)
}

// ParseLevel parses a string log level to slog.Level, defaulting to info
// on anything unrecognized.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupWriter resolves the configured output sink.
func SetupWriter(cfg Config) io.Writer {
	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.Filename == "" {
			return os.Stdout
		}
		return &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	case "stderr":
		return os.Stderr
	case "stdout", "":
		return os.Stdout
	default:
		return os.Stdout
	}
}

// GenerateRequestID returns a random id for correlating one phone
// request (TFTP GET, HTTP GET, DHCP DISCOVER) through identification and
// reconfiguration.
func GenerateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(b)
}

// WithRequestID attaches a request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// RequestID extracts the request id from ctx, or "" if absent.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// WithDeviceID attaches the matched device id to ctx, once identification
// has resolved one (spec §4.7).
func WithDeviceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, DeviceIDKey, id)
}

// DeviceID extracts the device id from ctx, or "" if absent.
func DeviceID(ctx context.Context) string {
	id, _ := ctx.Value(DeviceIDKey).(string)
	return id
}

// FromContext returns a logger enriched with whatever correlation ids
// are present on ctx.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RequestID(ctx); id != "" {
		logger = logger.With("request_id", id)
	}
	if id := DeviceID(ctx); id != "" {
		logger = logger.With("device_id", id)
	}
	return logger
}
