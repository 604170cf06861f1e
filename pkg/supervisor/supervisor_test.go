package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/medqa/conductor/pkg/config"
)

func TestRestartDelaySchedule(t *testing.T) {
	pc := config.ProcessConfig{
		RestartDelaySec:    30,
		MaxRestartDelaySec: 900,
		MaxRestartAttempts: 10,
	}

	tests := []struct {
		name     string
		failures int
		expected time.Duration
	}{
		{"no failures", 0, 30 * time.Second},
		{"first failure", 1, 60 * time.Second},
		{"second failure", 2, 120 * time.Second},
		{"third failure", 3, 240 * time.Second},
		{"fourth failure", 4, 480 * time.Second},
		{"fifth failure hits the cap", 5, 900 * time.Second},
		{"exponent stops growing", 20, 900 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RestartDelay(pc, tt.failures))
		})
	}
}

func TestRestartDelayExponentCap(t *testing.T) {
	// With a huge ceiling the exponent itself is still capped at 6.
	pc := config.ProcessConfig{
		RestartDelaySec:    1,
		MaxRestartDelaySec: 1_000_000,
	}
	assert.Equal(t, 64*time.Second, RestartDelay(pc, 6))
	assert.Equal(t, 64*time.Second, RestartDelay(pc, 7))
	assert.Equal(t, 64*time.Second, RestartDelay(pc, 100))
}

func TestRestartDelaySmallCap(t *testing.T) {
	pc := config.ProcessConfig{
		RestartDelaySec:    10,
		MaxRestartDelaySec: 15,
	}
	assert.Equal(t, 10*time.Second, RestartDelay(pc, 0))
	assert.Equal(t, 15*time.Second, RestartDelay(pc, 1))
	assert.Equal(t, 15*time.Second, RestartDelay(pc, 4))
}
