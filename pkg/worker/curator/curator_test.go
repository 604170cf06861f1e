package curator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medqa/conductor/pkg/types"
)

func TestParseGPUTelemetry(t *testing.T) {
	out := "0, GPU-aaaa, 97, 10240, 16384, 71\n" +
		"1, GPU-bbbb, 0, 12, 16384, 33\n"

	metrics, err := ParseGPUTelemetry(out)
	require.NoError(t, err)
	require.Len(t, metrics, 2)

	assert.Equal(t, 0, metrics[0].GPUID)
	assert.Equal(t, "GPU-aaaa", metrics[0].UUID)
	assert.Equal(t, 97, metrics[0].UtilizationPct)
	assert.Equal(t, 10240, metrics[0].MemoryUsedMB)
	assert.Equal(t, 16384, metrics[0].MemoryTotalMB)
	assert.Equal(t, 71, metrics[0].TemperatureC)

	assert.Equal(t, 1, metrics[1].GPUID)
	assert.Equal(t, 33, metrics[1].TemperatureC)
}

func TestParseGPUTelemetrySkipsBlankLines(t *testing.T) {
	metrics, err := ParseGPUTelemetry("\n0, GPU-aaaa, 5, 1, 2, 3\n\n\n")
	require.NoError(t, err)
	assert.Len(t, metrics, 1)
}

func TestParseGPUTelemetryEmptyOutput(t *testing.T) {
	metrics, err := ParseGPUTelemetry("")
	require.NoError(t, err)
	assert.Empty(t, metrics)
}

func TestParseGPUTelemetryMalformed(t *testing.T) {
	tests := []struct {
		name string
		out  string
	}{
		{"too few fields", "0, GPU-aaaa, 97, 10240\n"},
		{"too many fields", "0, GPU-aaaa, 97, 10240, 16384, 71, extra\n"},
		{"bad index", "x, GPU-aaaa, 97, 10240, 16384, 71\n"},
		{"bad utilization", "0, GPU-aaaa, 97%, 10240, 16384, 71\n"},
		{"bad temperature", "0, GPU-aaaa, 97, 10240, 16384, hot\n"},
		{"error text from tool", "NVIDIA-SMI has failed\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGPUTelemetry(tt.out)
			assert.ErrorIs(t, err, types.ErrRemoteExecution)
		})
	}
}
