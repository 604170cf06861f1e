package storage

import (
	"github.com/medqa/conductor/pkg/types"
)

// Store defines the interface for durable pipeline state.
// Implemented by the SQLite-backed store; the conductor, supervisor and
// workers share it as the single source of truth.
type Store interface {
	// Cases
	CaseExists(caseID string) (bool, error)
	GetCase(caseID string) (*types.Case, error)
	ListCasesByStatus(status types.CaseStatus) ([]*types.Case, error)
	UpdateCaseStatus(caseID string, status types.CaseStatus, message string, workflowStep *string) error
	MarkCaseFailed(caseID string, errorMessage string) error
	GetCaseHistory(caseID string) ([]*types.CaseHistory, error)

	// GPU resources
	ReserveAvailableGPU(caseID string) (int, error)
	ReleaseGPUForCase(caseID string) error
	ListGPUs() ([]*types.GPUResource, error)
	UpsertGPUMetrics(metrics []types.GPUMetrics) error

	// Scanner idempotence records
	AddScannedCase(casePath string, status types.ScanStatus) error
	RemoveScannedCase(casePath string) error
	ScannedCasePaths() (map[string]struct{}, error)
	ListScannedCases() ([]*types.ScannedCase, error)

	// Supervisor process records
	SaveProcessStatus(ps types.ProcessStatus) error
	LoadProcessStatuses() ([]*types.ProcessStatus, error)
	ClearProcessStatus(processName string) error

	// Log sink
	WriteLog(entry types.LogEntry) error

	// Utility
	Close() error
}
