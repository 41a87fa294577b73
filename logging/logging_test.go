package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for raw, want := range map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		" WARN ":   zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		"off":      zerolog.Disabled,
		"trace":    zerolog.TraceLevel,
		"error":    zerolog.ErrorLevel,
		"info":     zerolog.InfoLevel,
		"disabled": zerolog.Disabled,
	} {
		got, ok := ParseLevel(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got, raw)
	}

	_, ok := ParseLevel("")
	require.False(t, ok)
	_, ok = ParseLevel("loud")
	require.False(t, ok)
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New("blockcast", Config{Level: zerolog.InfoLevel, Format: FormatJSON, Out: &buf})
	logger.Debug().Msg("hidden")
	logger.Info().Str("key", "tx-1").Msg("visible")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "blockcast", line["app"])
	require.Equal(t, "tx-1", line["key"])
	require.Equal(t, "visible", line["message"])
	require.Contains(t, line, "time")
}

func TestEnvOverridesLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogFormat, "json")

	var buf bytes.Buffer
	logger := New("blockcast", Config{Level: zerolog.DebugLevel, Format: FormatConsole, Out: &buf})
	logger.Warn().Msg("dropped")
	require.Zero(t, buf.Len())
	logger.Error().Msg("kept")
	require.Contains(t, buf.String(), `"message":"kept"`)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(ProfileRuntime, "debug", "json")
	require.Equal(t, zerolog.DebugLevel, cfg.Level)
	require.Equal(t, FormatJSON, cfg.Format)

	cfg = ConfigFrom(ProfileTest, "nonsense", "")
	require.Equal(t, DefaultConfig(ProfileTest), cfg)
}
