// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureEntries(t *testing.T, level LogLevel, fn func()) []map[string]interface{} {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf, level)
	t.Cleanup(func() { Init(Config{Level: LevelInfo}) })

	fn()

	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line %q", line)
		entries = append(entries, entry)
	}
	return entries
}

func TestInfoWritesStructuredEntry(t *testing.T) {
	entries := captureEntries(t, LevelInfo, func() {
		Info("Sync completed", map[string]interface{}{"pushed": 3, "pulled": 1})
	})

	require.Len(t, entries, 1)
	assert.Equal(t, "Sync completed", entries[0]["message"])
	assert.Equal(t, "info", entries[0]["level"])
	assert.EqualValues(t, 3, entries[0]["pushed"])
	assert.EqualValues(t, 1, entries[0]["pulled"])
	assert.NotEmpty(t, entries[0]["timestamp"])
}

func TestLevelFiltering(t *testing.T) {
	entries := captureEntries(t, LevelWarn, func() {
		Debug("hidden")
		Info("hidden too")
		Warn("shown")
		Error("also shown", errors.New("boom"))
	})

	require.Len(t, entries, 2)
	assert.Equal(t, "shown", entries[0]["message"])
	assert.Equal(t, "also shown", entries[1]["message"])
	assert.Equal(t, "boom", entries[1]["error"])
}

func TestMergesMultipleContexts(t *testing.T) {
	entries := captureEntries(t, LevelDebug, func() {
		Debug("merge", map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2})
	})

	require.Len(t, entries, 1)
	assert.EqualValues(t, 1, entries[0]["a"])
	assert.EqualValues(t, 2, entries[0]["b"])
}

func TestErrorWithCode(t *testing.T) {
	entries := captureEntries(t, LevelInfo, func() {
		ErrorWithCode("Push failed", "NETWORK_ERROR", errors.New("refused"), nil)
	})

	require.Len(t, entries, 1)
	assert.Equal(t, "NETWORK_ERROR", entries[0]["error_code"])
	assert.Equal(t, "refused", entries[0]["error"])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"warn":    LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestInitWithRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cartsync.log")
	l := Init(Config{Level: LevelInfo, File: path, MaxSizeMB: 1, MaxBackups: 1})
	t.Cleanup(func() { Init(Config{Level: LevelInfo}) })

	require.NotNil(t, l.closer)
	l.Info("to file")
	assert.FileExists(t, path)
}
