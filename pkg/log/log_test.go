package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, ErrorLevel, ParseLevel("error"))
	assert.Equal(t, InfoLevel, ParseLevel("verbose"))
	assert.Equal(t, InfoLevel, ParseLevel(""))
}

func TestInitJSONWithCollection(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger := WithRecordID(WithCollection("controller", "incidents"), "rec-1")
	logger.Warn().Msg("gateway rejected edit")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "controller", entry["component"])
	assert.Equal(t, "incidents", entry["collection"])
	assert.Equal(t, "rec-1", entry["record_id"])
	assert.Equal(t, "gateway rejected edit", entry["message"])
}

func TestInitLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger := WithComponent("api")
	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	logger.Error().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}
