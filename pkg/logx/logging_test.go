package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	log.Warn("sink failed", String("sink", "irc"), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "sink failed", m["message"])
	assert.Equal(t, "dispatch", m["comp"])
	assert.Equal(t, "irc", m["sink"])
	assert.Equal(t, "boom", m["err"])
	assert.Equal(t, "warn", m["level"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	log.Error("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning", zerolog.InfoLevel))
	assert.Equal(t, zerolog.FatalLevel, parseLevel("critical", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("bogus", zerolog.InfoLevel))
}
