package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, NewLogger(Config{Level: "WARN"}).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger(Config{}).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger(Config{Level: "loud"}).GetLevel())
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(zerolog.New(&buf), "stream")
	logger.Info().Msg("connected")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "stream", entry["component"])
	assert.Equal(t, "connected", entry["message"])
}
