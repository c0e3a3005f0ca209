package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"log/slog"
)

func TestParseLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_abc")
	assert.Equal(t, "req_abc", RequestID(ctx))
	assert.Equal(t, "", RequestID(context.Background()))
}

func TestDeviceIDRoundTrip(t *testing.T) {
	ctx := WithDeviceID(context.Background(), "dev-1")
	assert.Equal(t, "dev-1", DeviceID(ctx))
}

func TestGenerateRequestIDIsUnique(t *testing.T) {
	a := GenerateRequestID()
	b := GenerateRequestID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "req_")
}
