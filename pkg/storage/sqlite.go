package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/medqa/conductor/pkg/types"
)

// busy-write retry policy for the log sink
const (
	logWriteAttempts = 3
	logWriteBaseWait = 100 * time.Millisecond
)

// SQLiteStore implements Store on a single-file SQLite database.
// WAL mode and a 30 second busy timeout let the orchestrator, conductor
// and workers share the file across processes.
type SQLiteStore struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

// NewSQLiteStore opens (and if needed creates) the database at path.
// Schema creation is idempotent and guarded so concurrent first-connects
// from separate goroutines do not race.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000&_synchronous=NORMAL",
		path,
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", types.ErrStorage, path, err)
	}

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	s.schemaOnce.Do(func() {
		for _, ddl := range schemaDDL {
			if _, err := s.db.Exec(ddl); err != nil {
				s.schemaErr = fmt.Errorf("%w: creating schema: %v", types.ErrStorage, err)
				return
			}
		}
	})
	return s.schemaErr
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS cases (
		case_id TEXT PRIMARY KEY,
		status TEXT NOT NULL CHECK(status IN (
			'NEW', 'QUEUED', 'PROCESSING', 'UPLOADING', 'EXECUTING',
			'DOWNLOADING', 'COMPLETED', 'FAILED', 'PENDING_RESOURCE'
		)),
		assigned_gpu_id INTEGER,
		workflow_step TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL DEFAULT (datetime('now')),
		last_updated TEXT NOT NULL,
		FOREIGN KEY (assigned_gpu_id) REFERENCES gpu_resources(gpu_id)
	)`,
	`CREATE TABLE IF NOT EXISTS case_history (
		history_id INTEGER PRIMARY KEY AUTOINCREMENT,
		case_id TEXT NOT NULL,
		status TEXT NOT NULL,
		workflow_step TEXT,
		message TEXT,
		gpu_id INTEGER,
		timestamp TEXT NOT NULL DEFAULT (datetime('now')),
		FOREIGN KEY (case_id) REFERENCES cases(case_id)
	)`,
	`CREATE TABLE IF NOT EXISTS gpu_resources (
		gpu_id INTEGER PRIMARY KEY,
		uuid TEXT UNIQUE,
		status TEXT NOT NULL CHECK(status IN ('available', 'reserved', 'error', 'maintenance')),
		reserved_by_case_id TEXT,
		utilization_percent REAL,
		memory_used_mb INTEGER,
		memory_total_mb INTEGER,
		temperature_celsius REAL,
		last_updated TEXT NOT NULL DEFAULT (datetime('now')),
		FOREIGN KEY (reserved_by_case_id) REFERENCES cases(case_id)
	)`,
	`CREATE TABLE IF NOT EXISTS scanned_cases (
		case_path TEXT PRIMARY KEY,
		scanned_at TEXT NOT NULL DEFAULT (datetime('now')),
		status TEXT NOT NULL DEFAULT 'processed' CHECK(status IN ('processed', 'failed'))
	)`,
	`CREATE TABLE IF NOT EXISTS process_status (
		process_name TEXT PRIMARY KEY,
		pid INTEGER,
		is_remote BOOLEAN NOT NULL,
		host TEXT,
		last_updated TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS logs (
		log_id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		component TEXT NOT NULL,
		level TEXT NOT NULL CHECK(level IN ('DEBUG', 'INFO', 'WARNING', 'WARN', 'ERROR', 'FATAL')),
		correlation_id TEXT,
		message TEXT NOT NULL
	)`,
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// transact runs fn inside a transaction, committing on nil and rolling
// back on error. All multi-statement mutations go through here.
func (s *SQLiteStore) transact(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", types.ErrStorage, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", types.ErrStorage, err)
	}
	return nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	t, _ := time.Parse("2006-01-02 15:04:05", s)
	return t
}

// Case operations

func (s *SQLiteStore) CaseExists(caseID string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM cases WHERE case_id = ?", caseID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: case lookup: %v", types.ErrStorage, err)
	}
	return true, nil
}

func (s *SQLiteStore) GetCase(caseID string) (*types.Case, error) {
	row := s.db.QueryRow(
		`SELECT case_id, status, assigned_gpu_id, workflow_step, error_message, created_at, last_updated
		 FROM cases WHERE case_id = ?`, caseID)
	return scanCase(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*types.Case, error) {
	var c types.Case
	var gpuID sql.NullInt64
	var step, errMsg sql.NullString
	var createdAt, lastUpdated string

	err := row.Scan(&c.CaseID, &c.Status, &gpuID, &step, &errMsg, &createdAt, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scanning case: %v", types.ErrStorage, err)
	}
	if gpuID.Valid {
		id := int(gpuID.Int64)
		c.AssignedGPUID = &id
	}
	if step.Valid {
		v := step.String
		c.WorkflowStep = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		c.ErrorMessage = &v
	}
	c.CreatedAt = parseTime(createdAt)
	c.LastUpdated = parseTime(lastUpdated)
	return &c, nil
}

func (s *SQLiteStore) ListCasesByStatus(status types.CaseStatus) ([]*types.Case, error) {
	rows, err := s.db.Query(
		`SELECT case_id, status, assigned_gpu_id, workflow_step, error_message, created_at, last_updated
		 FROM cases WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("%w: listing cases: %v", types.ErrStorage, err)
	}
	defer rows.Close()

	var cases []*types.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// UpdateCaseStatus sets the case status (creating the row if absent) and
// writes the matching history row in the same transaction. A nil
// workflowStep leaves the stored step untouched for existing rows; to
// clear the step, pass a pointer to the empty string. The history row
// records whatever GPU the case holds at transition time.
func (s *SQLiteStore) UpdateCaseStatus(caseID string, status types.CaseStatus, message string, workflowStep *string) error {
	ts := nowUTC()
	return s.transact(func(tx *sql.Tx) error {
		var heldGPU sql.NullInt64
		err := tx.QueryRow("SELECT assigned_gpu_id FROM cases WHERE case_id = ?", caseID).Scan(&heldGPU)
		exists := err == nil
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("%w: case lookup: %v", types.ErrStorage, err)
		}

		stepValue := sqlStep(workflowStep)
		if exists {
			if workflowStep != nil {
				_, err = tx.Exec(
					"UPDATE cases SET status = ?, workflow_step = ?, last_updated = ? WHERE case_id = ?",
					status, stepValue, ts, caseID)
			} else {
				_, err = tx.Exec(
					"UPDATE cases SET status = ?, last_updated = ? WHERE case_id = ?",
					status, ts, caseID)
			}
		} else {
			_, err = tx.Exec(
				"INSERT INTO cases (case_id, status, workflow_step, last_updated) VALUES (?, ?, ?, ?)",
				caseID, status, stepValue, ts)
		}
		if err != nil {
			return fmt.Errorf("%w: updating case %s: %v", types.ErrStorage, caseID, err)
		}

		_, err = tx.Exec(
			"INSERT INTO case_history (case_id, status, workflow_step, message, gpu_id, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
			caseID, status, stepValue, message, heldGPU, ts)
		if err != nil {
			return fmt.Errorf("%w: writing history for %s: %v", types.ErrStorage, caseID, err)
		}
		return nil
	})
}

// sqlStep maps the workflowStep convention onto a nullable column: nil
// means "unchanged" at the call site and NULL for fresh rows; a pointer
// to "" stores NULL explicitly.
func sqlStep(workflowStep *string) any {
	if workflowStep == nil || *workflowStep == "" {
		return nil
	}
	return *workflowStep
}

// MarkCaseFailed transitions the case to FAILED, records the error text
// and history row, and clears the GPU assignment, all in one transaction.
// The history row names the GPU the case held when it failed.
func (s *SQLiteStore) MarkCaseFailed(caseID string, errorMessage string) error {
	ts := nowUTC()
	return s.transact(func(tx *sql.Tx) error {
		var heldGPU sql.NullInt64
		err := tx.QueryRow("SELECT assigned_gpu_id FROM cases WHERE case_id = ?", caseID).Scan(&heldGPU)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("%w: case lookup: %v", types.ErrStorage, err)
		}

		res, err := tx.Exec(
			`UPDATE cases SET status = ?, error_message = ?, assigned_gpu_id = NULL, last_updated = ?
			 WHERE case_id = ?`,
			types.CaseStatusFailed, errorMessage, ts, caseID)
		if err != nil {
			return fmt.Errorf("%w: failing case %s: %v", types.ErrStorage, caseID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			_, err = tx.Exec(
				"INSERT INTO cases (case_id, status, error_message, last_updated) VALUES (?, ?, ?, ?)",
				caseID, types.CaseStatusFailed, errorMessage, ts)
			if err != nil {
				return fmt.Errorf("%w: failing case %s: %v", types.ErrStorage, caseID, err)
			}
		}

		_, err = tx.Exec(
			"INSERT INTO case_history (case_id, status, message, gpu_id, timestamp) VALUES (?, ?, ?, ?, ?)",
			caseID, types.CaseStatusFailed, errorMessage, heldGPU, ts)
		if err != nil {
			return fmt.Errorf("%w: writing history for %s: %v", types.ErrStorage, caseID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetCaseHistory(caseID string) ([]*types.CaseHistory, error) {
	rows, err := s.db.Query(
		`SELECT history_id, case_id, status, workflow_step, message, gpu_id, timestamp
		 FROM case_history WHERE case_id = ? ORDER BY history_id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing history: %v", types.ErrStorage, err)
	}
	defer rows.Close()

	var entries []*types.CaseHistory
	for rows.Next() {
		var h types.CaseHistory
		var step, message sql.NullString
		var gpuID sql.NullInt64
		var ts string
		if err := rows.Scan(&h.HistoryID, &h.CaseID, &h.Status, &step, &message, &gpuID, &ts); err != nil {
			return nil, fmt.Errorf("%w: scanning history: %v", types.ErrStorage, err)
		}
		if step.Valid {
			v := step.String
			h.WorkflowStep = &v
		}
		if message.Valid {
			h.Message = message.String
		}
		if gpuID.Valid {
			id := int(gpuID.Int64)
			h.GPUID = &id
		}
		h.Timestamp = parseTime(ts)
		entries = append(entries, &h)
	}
	return entries, rows.Err()
}

// GPU operations

// ReserveAvailableGPU pairs the case with a free GPU. The candidate is
// found outside the transaction; inside it the GPU's availability is
// re-checked so two concurrent reservations cannot both win. Returns
// ErrResourceUnavailable when no GPU is free or the candidate was taken.
func (s *SQLiteStore) ReserveAvailableGPU(caseID string) (int, error) {
	var gpuID int
	err := s.db.QueryRow(
		"SELECT gpu_id FROM gpu_resources WHERE status = 'available' ORDER BY gpu_id LIMIT 1",
	).Scan(&gpuID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: no GPUs available", types.ErrResourceUnavailable)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: finding free GPU: %v", types.ErrStorage, err)
	}

	ts := nowUTC()
	err = s.transact(func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRow("SELECT 1 FROM cases WHERE case_id = ?", caseID).Scan(&one)
		if err == sql.ErrNoRows {
			_, err = tx.Exec(
				"INSERT INTO cases (case_id, status, last_updated) VALUES (?, ?, ?)",
				caseID, types.CaseStatusQueued, ts)
		}
		if err != nil {
			return fmt.Errorf("%w: ensuring case %s: %v", types.ErrStorage, caseID, err)
		}

		err = tx.QueryRow(
			"SELECT 1 FROM gpu_resources WHERE gpu_id = ? AND status = 'available'", gpuID,
		).Scan(&one)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: GPU %d taken during reservation", types.ErrResourceUnavailable, gpuID)
		}
		if err != nil {
			return fmt.Errorf("%w: re-checking GPU %d: %v", types.ErrStorage, gpuID, err)
		}

		if _, err := tx.Exec(
			"UPDATE gpu_resources SET status = 'reserved', reserved_by_case_id = ?, last_updated = ? WHERE gpu_id = ?",
			caseID, ts, gpuID); err != nil {
			return fmt.Errorf("%w: reserving GPU %d: %v", types.ErrStorage, gpuID, err)
		}
		if _, err := tx.Exec(
			"UPDATE cases SET assigned_gpu_id = ?, last_updated = ? WHERE case_id = ?",
			gpuID, ts, caseID); err != nil {
			return fmt.Errorf("%w: assigning GPU %d to %s: %v", types.ErrStorage, gpuID, caseID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return gpuID, nil
}

// ReleaseGPUForCase frees whatever GPU the case holds and clears the
// case's assignment. Safe to call when nothing is reserved.
func (s *SQLiteStore) ReleaseGPUForCase(caseID string) error {
	ts := nowUTC()
	return s.transact(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"UPDATE gpu_resources SET status = 'available', reserved_by_case_id = NULL, last_updated = ? WHERE reserved_by_case_id = ?",
			ts, caseID); err != nil {
			return fmt.Errorf("%w: releasing GPU for %s: %v", types.ErrStorage, caseID, err)
		}
		if _, err := tx.Exec(
			"UPDATE cases SET assigned_gpu_id = NULL, last_updated = ? WHERE case_id = ? AND assigned_gpu_id IS NOT NULL",
			ts, caseID); err != nil {
			return fmt.Errorf("%w: clearing assignment for %s: %v", types.ErrStorage, caseID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListGPUs() ([]*types.GPUResource, error) {
	rows, err := s.db.Query(
		`SELECT gpu_id, COALESCE(uuid, ''), status, reserved_by_case_id,
		        COALESCE(utilization_percent, 0), COALESCE(memory_used_mb, 0),
		        COALESCE(memory_total_mb, 0), COALESCE(temperature_celsius, 0), last_updated
		 FROM gpu_resources ORDER BY gpu_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing GPUs: %v", types.ErrStorage, err)
	}
	defer rows.Close()

	var gpus []*types.GPUResource
	for rows.Next() {
		var g types.GPUResource
		var reservedBy sql.NullString
		var ts string
		if err := rows.Scan(&g.GPUID, &g.UUID, &g.Status, &reservedBy,
			&g.UtilizationPct, &g.MemoryUsedMB, &g.MemoryTotalMB, &g.TemperatureC, &ts); err != nil {
			return nil, fmt.Errorf("%w: scanning GPU: %v", types.ErrStorage, err)
		}
		if reservedBy.Valid {
			v := reservedBy.String
			g.ReservedByCaseID = &v
		}
		g.LastUpdated = parseTime(ts)
		gpus = append(gpus, &g)
	}
	return gpus, rows.Err()
}

// UpsertGPUMetrics folds fresh telemetry into gpu_resources. Rows are
// created as available on first sight; reservation state is never touched
// by telemetry.
func (s *SQLiteStore) UpsertGPUMetrics(metrics []types.GPUMetrics) error {
	ts := nowUTC()
	return s.transact(func(tx *sql.Tx) error {
		for _, m := range metrics {
			res, err := tx.Exec(
				`UPDATE gpu_resources SET uuid = ?, utilization_percent = ?, memory_used_mb = ?,
				        memory_total_mb = ?, temperature_celsius = ?, last_updated = ?
				 WHERE gpu_id = ?`,
				m.UUID, m.UtilizationPct, m.MemoryUsedMB, m.MemoryTotalMB, m.TemperatureC, ts, m.GPUID)
			if err != nil {
				return fmt.Errorf("%w: updating GPU %d telemetry: %v", types.ErrStorage, m.GPUID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				_, err = tx.Exec(
					`INSERT INTO gpu_resources (gpu_id, uuid, status, utilization_percent,
					        memory_used_mb, memory_total_mb, temperature_celsius, last_updated)
					 VALUES (?, ?, 'available', ?, ?, ?, ?, ?)`,
					m.GPUID, m.UUID, m.UtilizationPct, m.MemoryUsedMB, m.MemoryTotalMB, m.TemperatureC, ts)
				if err != nil {
					return fmt.Errorf("%w: inserting GPU %d: %v", types.ErrStorage, m.GPUID, err)
				}
			}
		}
		return nil
	})
}

// Scanner records

func (s *SQLiteStore) AddScannedCase(casePath string, status types.ScanStatus) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO scanned_cases (case_path, status, scanned_at) VALUES (?, ?, ?)",
		casePath, status, nowUTC())
	if err != nil {
		return fmt.Errorf("%w: recording scanned case: %v", types.ErrStorage, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveScannedCase(casePath string) error {
	_, err := s.db.Exec("DELETE FROM scanned_cases WHERE case_path = ?", casePath)
	if err != nil {
		return fmt.Errorf("%w: removing scanned case: %v", types.ErrStorage, err)
	}
	return nil
}

// ScannedCasePaths returns every recorded path regardless of status, so a
// path that failed to publish is still treated as seen within a cycle.
func (s *SQLiteStore) ScannedCasePaths() (map[string]struct{}, error) {
	rows, err := s.db.Query("SELECT case_path FROM scanned_cases")
	if err != nil {
		return nil, fmt.Errorf("%w: listing scanned cases: %v", types.ErrStorage, err)
	}
	defer rows.Close()

	paths := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("%w: scanning path: %v", types.ErrStorage, err)
		}
		paths[p] = struct{}{}
	}
	return paths, rows.Err()
}

// ListScannedCases returns every idempotence record with its outcome, for
// operator inspection.
func (s *SQLiteStore) ListScannedCases() ([]*types.ScannedCase, error) {
	rows, err := s.db.Query("SELECT case_path, scanned_at, status FROM scanned_cases ORDER BY case_path")
	if err != nil {
		return nil, fmt.Errorf("%w: listing scanned cases: %v", types.ErrStorage, err)
	}
	defer rows.Close()

	var scanned []*types.ScannedCase
	for rows.Next() {
		var sc types.ScannedCase
		var ts string
		if err := rows.Scan(&sc.CasePath, &ts, &sc.Status); err != nil {
			return nil, fmt.Errorf("%w: scanning record: %v", types.ErrStorage, err)
		}
		sc.ScannedAt = parseTime(ts)
		scanned = append(scanned, &sc)
	}
	return scanned, rows.Err()
}

// Supervisor records

func (s *SQLiteStore) SaveProcessStatus(ps types.ProcessStatus) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO process_status (process_name, pid, is_remote, host, last_updated) VALUES (?, ?, ?, ?, ?)",
		ps.ProcessName, ps.PID, ps.IsRemote, ps.Host, nowUTC())
	if err != nil {
		return fmt.Errorf("%w: saving process status: %v", types.ErrStorage, err)
	}
	return nil
}

func (s *SQLiteStore) LoadProcessStatuses() ([]*types.ProcessStatus, error) {
	rows, err := s.db.Query("SELECT process_name, pid, is_remote, host, last_updated FROM process_status")
	if err != nil {
		return nil, fmt.Errorf("%w: loading process statuses: %v", types.ErrStorage, err)
	}
	defer rows.Close()

	var statuses []*types.ProcessStatus
	for rows.Next() {
		var ps types.ProcessStatus
		var host sql.NullString
		var ts string
		if err := rows.Scan(&ps.ProcessName, &ps.PID, &ps.IsRemote, &host, &ts); err != nil {
			return nil, fmt.Errorf("%w: scanning process status: %v", types.ErrStorage, err)
		}
		ps.Host = host.String
		ps.LastUpdated = parseTime(ts)
		statuses = append(statuses, &ps)
	}
	return statuses, rows.Err()
}

func (s *SQLiteStore) ClearProcessStatus(processName string) error {
	_, err := s.db.Exec("DELETE FROM process_status WHERE process_name = ?", processName)
	if err != nil {
		return fmt.Errorf("%w: clearing process status: %v", types.ErrStorage, err)
	}
	return nil
}

// Log sink

// WriteLog appends a structured log row, retrying on a locked database
// with doubling waits. A failure here is reported but must never be
// allowed to block the caller's logging path.
func (s *SQLiteStore) WriteLog(entry types.LogEntry) error {
	if entry.Component == "" {
		entry.Component = "core"
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var lastErr error
	wait := logWriteBaseWait
	for attempt := 0; attempt < logWriteAttempts; attempt++ {
		_, err := s.db.Exec(
			"INSERT INTO logs (timestamp, component, level, correlation_id, message) VALUES (?, ?, ?, ?, ?)",
			entry.Timestamp.Format(time.RFC3339Nano), entry.Component, entry.Level,
			entry.CorrelationID, entry.Message)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			break
		}
		time.Sleep(wait)
		wait *= 2
	}
	return fmt.Errorf("%w: writing log entry: %v", types.ErrStorage, lastErr)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
