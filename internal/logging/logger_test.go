package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubAddsSubsystemField(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug").Sub("tts")

	log.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tts", entry["subsystem"])
	assert.Equal(t, "hello", entry["message"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn")

	log.Debug().Msg("quiet")
	log.Info().Msg("quiet")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("loud")
	assert.NotZero(t, buf.Len())
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "not-a-level")

	log.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	log.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}

func TestNewFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "broker.log")

	log, err := NewFile(path, "info")
	require.NoError(t, err)
	log.Info().Msg("first")

	log2, err := NewFile(path, "info")
	require.NoError(t, err)
	log2.Info().Msg("second")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "first")
	assert.Contains(t, string(data), "second")
}

func TestNopDiscards(t *testing.T) {
	Nop().Error().Msg("into the void")
}
