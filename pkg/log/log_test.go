package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medqa/conductor/pkg/types"
)

type captureSink struct {
	entries []types.LogEntry
}

func (c *captureSink) WriteLog(entry types.LogEntry) error {
	c.entries = append(c.entries, entry)
	return nil
}

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", JSONOutput: true, Output: &buf})

	Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "info", line["level"])
	assert.Contains(t, line, "time")
}

func TestInitLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", JSONOutput: true, Output: &buf})

	Info("dropped")
	assert.Empty(t, buf.Bytes())

	Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestWithComponentAndCase(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", JSONOutput: true, Output: &buf})

	logger := WithCase(WithComponent("conductor"), "c1")
	logger.Info().Msg("step dispatched")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "conductor", line["component"])
	assert.Equal(t, "c1", line["case_id"])
}

func TestWithCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", JSONOutput: true, Output: &buf})

	logger := WithCorrelationID(Logger, "abc-123")
	logger.Info().Msg("ok")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "abc-123", line["correlation_id"])
}

func TestAttachSinkReceivesEvents(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", JSONOutput: true, Output: &buf})

	sink := &captureSink{}
	AttachSink(sink)

	Error("store this")

	require.Len(t, sink.entries, 1)
	assert.Equal(t, "ERROR", sink.entries[0].Level)
	assert.Equal(t, "store this", sink.entries[0].Message)
	assert.False(t, sink.entries[0].Timestamp.IsZero())
}

func TestAttachSinkCarriesAccumulatedFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", JSONOutput: true, Output: &buf})

	sink := &captureSink{}
	AttachSink(sink)

	logger := WithCorrelationID(WithComponent("conductor"), "abc-123")
	logger.Warn().Msg("no GPU free, case parked")

	require.Len(t, sink.entries, 1)
	assert.Equal(t, "conductor", sink.entries[0].Component)
	assert.Equal(t, "abc-123", sink.entries[0].CorrelationID)
	assert.Equal(t, "WARN", sink.entries[0].Level)
	assert.Equal(t, "no GPU free, case parked", sink.entries[0].Message)
}

func TestSinkDoesNotSeeFilteredEvents(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "error", JSONOutput: true, Output: &buf})

	sink := &captureSink{}
	AttachSink(sink)

	Debug("too quiet")
	assert.Empty(t, sink.entries)
}
