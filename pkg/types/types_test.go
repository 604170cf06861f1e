package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCaseStatusTerminal(t *testing.T) {
	tests := []struct {
		status   CaseStatus
		terminal bool
	}{
		{CaseStatusNew, false},
		{CaseStatusQueued, false},
		{CaseStatusProcessing, false},
		{CaseStatusUploading, false},
		{CaseStatusExecuting, false},
		{CaseStatusDownloading, false},
		{CaseStatusPendingResource, false},
		{CaseStatusCompleted, true},
		{CaseStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestSentinelErrorsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("%w: no GPUs available", ErrResourceUnavailable)
	assert.True(t, errors.Is(wrapped, ErrResourceUnavailable))
	assert.False(t, errors.Is(wrapped, ErrStorage))

	double := fmt.Errorf("advancing case: %w", wrapped)
	assert.True(t, errors.Is(double, ErrResourceUnavailable))
}
