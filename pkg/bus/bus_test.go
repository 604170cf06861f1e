package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medqa/conductor/pkg/types"
)

func TestDLQName(t *testing.T) {
	assert.Equal(t, "conductor_queue.dlq", DLQName("conductor_queue"))
	assert.Equal(t, "file_transfer_queue.dlq", DLQName("file_transfer_queue"))
}

func TestShouldDeadLetter(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		expected   bool
	}{
		{"fresh message", 0, 3, false},
		{"one retry left", 2, 3, false},
		{"budget exhausted", 3, 3, true},
		{"over budget", 5, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ShouldDeadLetter(tt.retryCount, tt.maxRetries))
		})
	}
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(CmdNewCaseFound, map[string]string{"case_id": "c1"})
	require.NoError(t, err)

	assert.Equal(t, CmdNewCaseFound, msg.Command)
	assert.NotEmpty(t, msg.CorrelationID)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Equal(t, 0, msg.RetryCount)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "c1", payload["case_id"])
}

func TestNewMessageUniqueCorrelationIDs(t *testing.T) {
	a, err := NewMessage(CmdSystemMonitor, nil)
	require.NoError(t, err)
	b, err := NewMessage(CmdSystemMonitor, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
}

func TestDecodePayload(t *testing.T) {
	msg, err := NewMessage(CmdExecutionFailed, map[string]string{"case_id": "c1", "error": "exit status 2"})
	require.NoError(t, err)

	var out struct {
		CaseID string `json:"case_id"`
		Error  string `json:"error"`
	}
	require.NoError(t, msg.DecodePayload(&out))
	assert.Equal(t, "c1", out.CaseID)
	assert.Equal(t, "exit status 2", out.Error)
}

func TestDecodePayloadMalformed(t *testing.T) {
	msg := Message{Command: CmdNewCaseFound, Payload: json.RawMessage(`{"case_id":`)}

	var out map[string]any
	err := msg.DecodePayload(&out)
	assert.ErrorIs(t, err, types.ErrMalformedMessage)
}

func TestMessageWireFormat(t *testing.T) {
	msg, err := NewMessage(CmdExecuteCommand, map[string]any{"case_id": "c1", "gpu_id": 0})
	require.NoError(t, err)
	msg.RetryCount = 2

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &wire))
	for _, field := range []string{"command", "payload", "timestamp", "correlation_id", "retry_count"} {
		assert.Contains(t, wire, field)
	}
}
