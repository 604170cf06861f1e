// Package executor runs fully substituted QA commands on the GPU host.
package executor

import (
	"context"
	"time"

	"github.com/medqa/conductor/pkg/bus"
	"github.com/medqa/conductor/pkg/config"
	"github.com/medqa/conductor/pkg/remoteshell"
	"github.com/medqa/conductor/pkg/worker"
)

// commandPayload is the inbound execute_command payload.
type commandPayload struct {
	CaseID  string `json:"case_id"`
	Command string `json:"command"`
	GPUID   int    `json:"gpu_id"`
	Step    string `json:"step"`
}

// successPayload reports a finished step back to the conductor.
type successPayload struct {
	CaseID string `json:"case_id"`
	Stdout string `json:"stdout"`
}

type failurePayload struct {
	CaseID string `json:"case_id"`
	Error  string `json:"error"`
}

// New builds the remote-executor worker. Each command runs over its own
// SSH connection so a wedged transfer cannot stall execution.
func New(cfg *config.Config, b *bus.Bus) *worker.Worker {
	shell := remoteshell.New(cfg.HPC)

	w := worker.New(
		"remote_executor",
		cfg.Queues.RemoteExecutor,
		cfg.Queues.Conductor,
		b,
		cfg.Messaging.MaxRetries,
		5*time.Second,
	)
	w.Handle(bus.CmdExecuteCommand, worker.Handler{
		RequiredFields: []string{"case_id", "command"},
		Run: func(ctx context.Context, msg bus.Message) (*worker.Result, error) {
			var p commandPayload
			if err := msg.DecodePayload(&p); err != nil {
				return nil, err
			}
			res, err := shell.RunOnce(ctx, p.Command)
			if err != nil {
				return nil, err
			}
			return &worker.Result{
				Command: bus.CmdExecutionSucceeded,
				Payload: successPayload{CaseID: p.CaseID, Stdout: res.Stdout},
			}, nil
		},
		OnFailure: func(msg bus.Message, err error) *worker.Result {
			var p commandPayload
			if decodeErr := msg.DecodePayload(&p); decodeErr != nil {
				return nil
			}
			return &worker.Result{
				Command: bus.CmdExecutionFailed,
				Payload: failurePayload{CaseID: p.CaseID, Error: err.Error()},
			}
		},
	})
	return w
}
