package types

import (
	"time"
)

// Case is the unit of work: one directory of treatment data progressing
// through the configured list of QA computation steps.
type Case struct {
	CaseID        string
	Status        CaseStatus
	AssignedGPUID *int
	WorkflowStep  *string
	ErrorMessage  *string
	CreatedAt     time.Time
	LastUpdated   time.Time
}

// CaseStatus represents the lifecycle state of a case
type CaseStatus string

const (
	CaseStatusNew             CaseStatus = "NEW"
	CaseStatusQueued          CaseStatus = "QUEUED"
	CaseStatusProcessing      CaseStatus = "PROCESSING"
	CaseStatusUploading       CaseStatus = "UPLOADING"
	CaseStatusExecuting       CaseStatus = "EXECUTING"
	CaseStatusDownloading     CaseStatus = "DOWNLOADING"
	CaseStatusCompleted       CaseStatus = "COMPLETED"
	CaseStatusFailed          CaseStatus = "FAILED"
	CaseStatusPendingResource CaseStatus = "PENDING_RESOURCE"
)

// Terminal reports whether the status admits no further transitions.
func (s CaseStatus) Terminal() bool {
	return s == CaseStatusCompleted || s == CaseStatusFailed
}

// CaseHistory is one row of the append-only audit trail. A row is written
// in the same transaction as the case mutation it describes.
type CaseHistory struct {
	HistoryID    int64
	CaseID       string
	Status       CaseStatus
	WorkflowStep *string
	Message      string
	GPUID        *int
	Timestamp    time.Time
}

// GPUResource is a shareable compute slot on the remote host
type GPUResource struct {
	GPUID            int
	UUID             string
	Status           GPUStatus
	ReservedByCaseID *string
	UtilizationPct   float64
	MemoryUsedMB     int
	MemoryTotalMB    int
	TemperatureC     float64
	LastUpdated      time.Time
}

// GPUStatus represents the reservation state of a GPU
type GPUStatus string

const (
	GPUStatusAvailable   GPUStatus = "available"
	GPUStatusReserved    GPUStatus = "reserved"
	GPUStatusError       GPUStatus = "error"
	GPUStatusMaintenance GPUStatus = "maintenance"
)

// GPUMetrics is one parsed line of remote GPU telemetry
type GPUMetrics struct {
	GPUID          int
	UUID           string
	UtilizationPct int
	MemoryUsedMB   int
	MemoryTotalMB  int
	TemperatureC   int
}

// ScannedCase is the scanner's idempotence record for one staging path
type ScannedCase struct {
	CasePath  string
	ScannedAt time.Time
	Status    ScanStatus
}

// ScanStatus marks how a scanned path was handled
type ScanStatus string

const (
	ScanStatusProcessed ScanStatus = "processed"
	ScanStatusFailed    ScanStatus = "failed"
)

// ProcessStatus is the supervisor's persisted view of one managed worker.
// On supervisor restart these rows seed adoption of still-running workers.
type ProcessStatus struct {
	ProcessName string
	PID         int
	IsRemote    bool
	Host        string
	LastUpdated time.Time
}

// LogEntry is one structured log row in the optional store sink
type LogEntry struct {
	Timestamp     time.Time
	Component     string
	Level         string
	CorrelationID string
	Message       string
}
