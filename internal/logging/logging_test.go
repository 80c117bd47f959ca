package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, FormatJSON, "warn")
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown", "fingerprint", "ab12")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "ab12", rec["fingerprint"])
}

func TestNewFormats(t *testing.T) {
	for _, f := range []string{FormatConsole, FormatText, ""} {
		var buf bytes.Buffer
		log, err := New(&buf, f, "info")
		require.NoError(t, err, f)
		log.Info("hello")
		assert.Contains(t, buf.String(), "hello", f)
	}
	_, err := New(&bytes.Buffer{}, "xml", "info")
	require.Error(t, err)
}
