// Package curator keeps the GPU inventory fresh: on every system_monitor
// tick it queries the GPU host's telemetry and folds it into the store.
package curator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/medqa/conductor/pkg/bus"
	"github.com/medqa/conductor/pkg/config"
	"github.com/medqa/conductor/pkg/remoteshell"
	"github.com/medqa/conductor/pkg/storage"
	"github.com/medqa/conductor/pkg/types"
	"github.com/medqa/conductor/pkg/worker"
)

// gpuQueryFields is the column count of the telemetry query:
// index, uuid, utilization, memory.used, memory.total, temperature.
const gpuQueryFields = 6

// New builds the system-curator worker.
func New(cfg *config.Config, store storage.Store, b *bus.Bus) *worker.Worker {
	shell := remoteshell.New(cfg.HPC)

	w := worker.New(
		"system_curator",
		cfg.Queues.SystemCurator,
		cfg.Queues.Conductor,
		b,
		cfg.Messaging.MaxRetries,
		5*time.Second,
	)
	w.Handle(bus.CmdSystemMonitor, worker.Handler{
		Run: func(ctx context.Context, msg bus.Message) (*worker.Result, error) {
			res, err := shell.RunOnce(ctx, cfg.Curator.GPUMonitorCommand)
			if err != nil {
				return nil, err
			}
			metrics, err := ParseGPUTelemetry(res.Stdout)
			if err != nil {
				return nil, err
			}
			if err := store.UpsertGPUMetrics(metrics); err != nil {
				return nil, err
			}
			return nil, nil
		},
	})
	return w
}

// ParseGPUTelemetry parses nvidia-smi CSV output (noheader, nounits) into
// per-GPU metric rows. Blank lines are skipped; anything else malformed
// fails the whole batch.
func ParseGPUTelemetry(out string) ([]types.GPUMetrics, error) {
	var metrics []types.GPUMetrics
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != gpuQueryFields {
			return nil, fmt.Errorf("%w: telemetry line %q has %d fields, want %d",
				types.ErrRemoteExecution, line, len(fields), gpuQueryFields)
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		var m types.GPUMetrics
		var err error
		if m.GPUID, err = strconv.Atoi(fields[0]); err != nil {
			return nil, telemetryErr(line, "index", err)
		}
		m.UUID = fields[1]
		if m.UtilizationPct, err = strconv.Atoi(fields[2]); err != nil {
			return nil, telemetryErr(line, "utilization", err)
		}
		if m.MemoryUsedMB, err = strconv.Atoi(fields[3]); err != nil {
			return nil, telemetryErr(line, "memory.used", err)
		}
		if m.MemoryTotalMB, err = strconv.Atoi(fields[4]); err != nil {
			return nil, telemetryErr(line, "memory.total", err)
		}
		if m.TemperatureC, err = strconv.Atoi(fields[5]); err != nil {
			return nil, telemetryErr(line, "temperature", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}

func telemetryErr(line, field string, err error) error {
	return fmt.Errorf("%w: telemetry line %q: bad %s: %v", types.ErrRemoteExecution, line, field, err)
}
