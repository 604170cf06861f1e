// Package conductor implements the workflow engine driving each case
// through its configured step list.
package conductor

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medqa/conductor/pkg/bus"
	"github.com/medqa/conductor/pkg/config"
	"github.com/medqa/conductor/pkg/log"
	"github.com/medqa/conductor/pkg/metrics"
	"github.com/medqa/conductor/pkg/storage"
	"github.com/medqa/conductor/pkg/types"
)

// CasePayload is the common payload shape carried by workflow events.
type CasePayload struct {
	CaseID   string `json:"case_id"`
	CasePath string `json:"case_path,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ExecuteCommandPayload is what the conductor sends the remote executor.
type ExecuteCommandPayload struct {
	CaseID  string `json:"case_id"`
	Command string `json:"command"`
	GPUID   int    `json:"gpu_id"`
	Step    string `json:"step"`
}

// Conductor consumes workflow events and mutates case state. All event
// handling is serialized; per-case atomicity comes from the store's
// transactions.
type Conductor struct {
	mu     sync.Mutex
	store  storage.Store
	pub    bus.Publisher
	cfg    *config.Config
	logger zerolog.Logger

	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a conductor over the given store and publisher.
func New(store storage.Store, pub bus.Publisher, cfg *config.Config) *Conductor {
	return &Conductor{
		store:  store,
		pub:    pub,
		cfg:    cfg,
		logger: log.WithComponent("conductor"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic retry of cases parked waiting for a GPU.
func (c *Conductor) Start() {
	interval := time.Duration(c.cfg.Conductor.MonitorIntervalSec) * time.Second
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.retryPending()
			case <-c.stopCh:
				return
			}
		}
	}()
	c.logger.Info().Dur("interval", interval).Msg("pending-resource retry loop started")
}

// Stop halts the retry loop. Idempotent.
func (c *Conductor) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
}

// HandleMessage dispatches one conductor-queue event. Unknown commands and
// missing case IDs are logged and dropped; a returned error feeds the
// bus's bounded-retry path.
func (c *Conductor) HandleMessage(msg bus.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var p CasePayload
	if err := msg.DecodePayload(&p); err != nil {
		c.logger.Warn().Err(err).Str("command", msg.Command).Msg("undecodable payload dropped")
		return nil
	}
	if p.CaseID == "" && p.CasePath != "" {
		p.CaseID = path.Base(p.CasePath)
	}

	logger := log.WithCorrelationID(c.logger, msg.CorrelationID)
	if p.CaseID == "" && msg.Command != bus.CmdMalformedMessage {
		logger.Warn().Str("command", msg.Command).Msg("event without case_id dropped")
		return nil
	}
	logger = log.WithCase(logger, p.CaseID)

	switch msg.Command {
	case bus.CmdNewCaseFound:
		return c.startWorkflow(p.CaseID, logger)
	case bus.CmdCaseUploadCompleted, bus.CmdExecutionSucceeded,
		bus.CmdDownloadCompleted, bus.CmdResultsDownloadCompleted:
		return c.advance(p.CaseID, logger)
	case bus.CmdExecutionFailed, bus.CmdFileTransferFailed:
		return c.failWorkflow(p.CaseID, p.Error, logger)
	case bus.CmdMalformedMessage:
		logger.Warn().RawJSON("payload", msg.Payload).Msg("worker reported malformed message")
		return nil
	default:
		logger.Warn().Str("command", msg.Command).Msg("unknown command dropped")
		return nil
	}
}

// startWorkflow creates the case and immediately tries to advance it.
// A duplicate new_case_found for an existing case is a no-op.
func (c *Conductor) startWorkflow(caseID string, logger zerolog.Logger) error {
	exists, err := c.store.CaseExists(caseID)
	if err != nil {
		return err
	}
	if exists {
		logger.Info().Msg("case already known, ignoring new_case_found")
		return nil
	}
	if err := c.store.UpdateCaseStatus(caseID, types.CaseStatusQueued, "New case detected", nil); err != nil {
		return err
	}
	metrics.WorkflowsStarted.Inc()
	logger.Info().Msg("workflow started")
	return c.advance(caseID, logger)
}

// advance moves the case to its next step, completing the workflow when
// no steps remain.
func (c *Conductor) advance(caseID string, logger zerolog.Logger) error {
	cs, err := c.store.GetCase(caseID)
	if err != nil {
		return err
	}
	if cs == nil {
		logger.Warn().Msg("advance for unknown case dropped")
		return nil
	}
	if cs.Status.Terminal() {
		logger.Info().Str("status", string(cs.Status)).Msg("case already terminal")
		return nil
	}

	next := nextStep(c.cfg.Workflows.DefaultQA, cs.WorkflowStep)
	if next == "" {
		clear := ""
		if err := c.store.UpdateCaseStatus(caseID, types.CaseStatusCompleted, "Workflow completed", &clear); err != nil {
			return err
		}
		if err := c.store.ReleaseGPUForCase(caseID); err != nil {
			return err
		}
		metrics.WorkflowsCompleted.Inc()
		logger.Info().Msg("workflow completed")
		return nil
	}

	gpuID, err := c.store.ReserveAvailableGPU(caseID)
	if errors.Is(err, types.ErrResourceUnavailable) {
		if err := c.store.UpdateCaseStatus(caseID, types.CaseStatusPendingResource, "Waiting for available GPU", nil); err != nil {
			return err
		}
		logger.Info().Str("step", next).Msg("no GPU free, case parked")
		return nil
	}
	if err != nil {
		return err
	}

	msg := fmt.Sprintf("Dispatching step %s on GPU %d", next, gpuID)
	if err := c.store.UpdateCaseStatus(caseID, types.CaseStatusProcessing, msg, &next); err != nil {
		return err
	}

	command, err := c.buildCommand(next, caseID, gpuID)
	if err != nil {
		return c.failWorkflow(caseID, err.Error(), logger)
	}

	out, err := bus.NewMessage(bus.CmdExecuteCommand, ExecuteCommandPayload{
		CaseID:  caseID,
		Command: command,
		GPUID:   gpuID,
		Step:    next,
	})
	if err != nil {
		return err
	}
	out.CorrelationID = caseID
	if err := c.pub.Publish(c.cfg.Queues.RemoteExecutor, out); err != nil {
		return err
	}
	logger.Info().Str("step", next).Int("gpu_id", gpuID).Msg("step dispatched")
	return nil
}

// failWorkflow marks the case FAILED and frees its GPU.
func (c *Conductor) failWorkflow(caseID, errorMessage string, logger zerolog.Logger) error {
	if errorMessage == "" {
		errorMessage = "workflow step failed"
	}
	if err := c.store.MarkCaseFailed(caseID, errorMessage); err != nil {
		return err
	}
	if err := c.store.ReleaseGPUForCase(caseID); err != nil {
		return err
	}
	metrics.WorkflowsFailed.Inc()
	logger.Error().Str("error_message", errorMessage).Msg("workflow failed")
	return nil
}

// retryPending re-advances parked cases, oldest first, so a released GPU
// gets picked up without an external event.
func (c *Conductor) retryPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cases, err := c.store.ListCasesByStatus(types.CaseStatusPendingResource)
	if err != nil {
		c.logger.Error().Err(err).Msg("listing pending cases failed")
		return
	}
	for _, cs := range cases {
		logger := log.WithCase(c.logger, cs.CaseID)
		if err := c.advance(cs.CaseID, logger); err != nil {
			logger.Error().Err(err).Msg("pending-case retry failed")
		}
	}
}

// nextStep computes the step after current in the configured list. Empty
// means the workflow is finished. A current step no longer in the list
// also finishes the workflow.
func nextStep(steps []string, current *string) string {
	if current == nil || *current == "" {
		if len(steps) == 0 {
			return ""
		}
		return steps[0]
	}
	for i, s := range steps {
		if s == *current {
			if i+1 < len(steps) {
				return steps[i+1]
			}
			return ""
		}
	}
	return ""
}

// buildCommand formats the step's command template. Remote data paths hang
// off the configured staging roots under the case ID.
func (c *Conductor) buildCommand(step, caseID string, gpuID int) (string, error) {
	tmpl, ok := c.cfg.RemoteCommands[step]
	if !ok {
		return "", fmt.Errorf("%w: no remote_commands entry for step %q", types.ErrConfiguration, step)
	}
	uploadDir := c.cfg.Conductor.RemotePaths.UploadDir
	downloadDir := c.cfg.Conductor.RemotePaths.DownloadDir

	r := strings.NewReplacer(
		"{case_id}", caseID,
		"{gpu_id}", strconv.Itoa(gpuID),
		"{rtplan_path}", uploadDir+"/"+caseID+"/rtplan.dcm",
		"{in_dir}", uploadDir+"/"+caseID+"/input",
		"{out_dir}", downloadDir+"/"+caseID+"/output",
		"{raw_file}", downloadDir+"/"+caseID+"/output.raw",
		"{output_path}", downloadDir+"/"+caseID+"/processed",
		"{dicom_file}", downloadDir+"/"+caseID+"/output.dcm",
	)
	return r.Replace(tmpl), nil
}
