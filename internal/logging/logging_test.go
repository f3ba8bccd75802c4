package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New("warn", &buf, false)

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Str("component", "hub").Msg("shown")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "hub", line["component"])
	assert.Equal(t, "shown", line["message"])
	assert.Contains(t, line, "time")
}

func TestNewFallsBackToInfo(t *testing.T) {
	for _, level := range []string{"", "loud", "  "} {
		var buf bytes.Buffer
		log := New(level, &buf, false)
		log.Debug().Msg("hidden")
		log.Info().Msg("shown")
		assert.Contains(t, buf.String(), "shown", level)
		assert.NotContains(t, buf.String(), "hidden", level)
	}
}

func TestNewPretty(t *testing.T) {
	var buf bytes.Buffer
	log := New("DEBUG", &buf, true)
	log.Debug().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(buf.Bytes()))
}

func TestIsTerminalOnFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, IsTerminal(f))
}
