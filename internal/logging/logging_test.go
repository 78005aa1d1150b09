package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := WithComponent(New(Config{Level: "info", Format: "json", Output: &buf}), "worker")
	l.Info("review completed", "review_id", "r1")
	l.Debug("hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "review completed", rec["msg"])
	assert.Equal(t, "worker", rec["component"])
	assert.Equal(t, "r1", rec["review_id"])
}

func TestNew_TextHasNoColorOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Output: &buf})
	l.Error("fetch failed", "error", errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, "fetch failed")
	assert.Contains(t, out, "boom")
	assert.NotContains(t, out, "\x1b[")
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "error", Format: "json", Output: &buf})
	l.Info("dropped")
	assert.Empty(t, buf.String())

	SetLevel(slog.LevelInfo)
	l.Info("kept")
	assert.Contains(t, buf.String(), "kept")
}
