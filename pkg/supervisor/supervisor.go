// Package supervisor manages the fleet of worker processes: spawning them
// locally or on the GPU host, probing liveness, restarting with backoff
// and adopting survivors across its own restarts.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/medqa/conductor/pkg/config"
	"github.com/medqa/conductor/pkg/log"
	"github.com/medqa/conductor/pkg/metrics"
	"github.com/medqa/conductor/pkg/remoteshell"
	"github.com/medqa/conductor/pkg/storage"
	"github.com/medqa/conductor/pkg/types"
)

const (
	localStopGrace = 10 * time.Second
	backoffExpCap  = 6
	probePollEvery = 200 * time.Millisecond
	localHost      = "localhost"
)

// workerState tracks one managed process between probes.
type workerState struct {
	name    string
	cfg     config.ProcessConfig
	pid     int
	running bool
	adopted bool

	consecutiveFailures int
	lastRestart         time.Time
	failedPermanently   bool
}

// Supervisor serializes all fleet mutations behind one lock; the health
// loop, StartAll and StopAll never overlap.
type Supervisor struct {
	mu         sync.Mutex
	cfg        *config.Config
	store      storage.Store
	shell      *remoteshell.Shell
	configPath string
	workers    map[string]*workerState
	logger     zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a supervisor over the configured process table. shell may be
// nil when no remote host is configured; remote workers then fail to start.
func New(cfg *config.Config, store storage.Store, shell *remoteshell.Shell, configPath string) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		store:      store,
		shell:      shell,
		configPath: configPath,
		workers:    make(map[string]*workerState),
		logger:     log.WithComponent("supervisor"),
		stopCh:     make(chan struct{}),
	}
}

// StartAll adopts persisted survivors, then spawns every enabled worker
// that was not adopted.
func (s *Supervisor) StartAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	persisted, err := s.store.LoadProcessStatuses()
	if err != nil {
		return err
	}
	byName := make(map[string]*types.ProcessStatus, len(persisted))
	for _, ps := range persisted {
		byName[ps.ProcessName] = ps
	}

	for name, pc := range s.cfg.Processes {
		if !pc.Enabled {
			continue
		}
		pc = s.cfg.ProcessFor(name)
		w := &workerState{name: name, cfg: pc}
		s.workers[name] = w

		if ps, ok := byName[name]; ok && ps.PID > 0 && ps.IsRemote == pc.Remote && ps.Host == s.expectedHost(pc) {
			w.pid = ps.PID
			w.running = true
			w.adopted = true
			s.logger.Info().Str("worker", name).Int("pid", w.pid).Msg("adopted running worker")
			continue
		}

		if err := s.spawnLocked(w); err != nil {
			s.logger.Error().Err(err).Str("worker", name).Msg("initial spawn failed")
			w.consecutiveFailures++
		}
	}
	return nil
}

func (s *Supervisor) expectedHost(pc config.ProcessConfig) string {
	if pc.Remote {
		return s.cfg.HPC.Host
	}
	return localHost
}

// spawnLocked starts the worker and persists its PID. Caller holds mu.
func (s *Supervisor) spawnLocked(w *workerState) error {
	var pid int
	var err error
	if w.cfg.Remote {
		pid, err = s.spawnRemote(w)
	} else {
		pid, err = s.spawnLocal(w)
	}
	if err != nil {
		return err
	}

	w.pid = pid
	w.running = true
	w.adopted = false
	w.lastRestart = time.Now()

	if err := s.store.SaveProcessStatus(types.ProcessStatus{
		ProcessName: w.name,
		PID:         pid,
		IsRemote:    w.cfg.Remote,
		Host:        s.expectedHost(w.cfg),
	}); err != nil {
		s.logger.Error().Err(err).Str("worker", w.name).Msg("persisting process status failed")
	}
	metrics.WorkersUp.WithLabelValues(w.name).Set(1)
	s.logger.Info().Str("worker", w.name).Int("pid", pid).Bool("remote", w.cfg.Remote).Msg("worker started")
	return nil
}

// spawnLocal re-invokes this binary with the worker subcommand, detached
// from our stdio and session. The child is reaped in the background so a
// dead PID stops answering the liveness probe.
func (s *Supervisor) spawnLocal(w *workerState) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolving own binary: %w", err)
	}
	cmd := exec.Command(exe, "worker", w.name, "--config", s.configPath)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", w.name, err)
	}
	go cmd.Wait()
	return cmd.Process.Pid, nil
}

// spawnRemote launches the configured command on the GPU host under nohup
// and captures the printed PID.
func (s *Supervisor) spawnRemote(w *workerState) (int, error) {
	if s.shell == nil {
		return 0, fmt.Errorf("%w: remote worker %s configured without hpc_config", types.ErrConfiguration, w.name)
	}
	if w.cfg.RemoteCommand == "" {
		return 0, fmt.Errorf("%w: remote worker %s has no remote_command", types.ErrConfiguration, w.name)
	}
	cmd := fmt.Sprintf("nohup %s > /dev/null 2>&1 & echo $!", w.cfg.RemoteCommand)
	res, err := s.shell.Run(context.Background(), cmd)
	if err != nil {
		return 0, fmt.Errorf("spawning %s remotely: %w", w.name, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, fmt.Errorf("%w: unparseable remote PID %q for %s", types.ErrRemoteExecution, res.Stdout, w.name)
	}
	return pid, nil
}

// alive probes one worker without mutating state.
func (s *Supervisor) alive(w *workerState) bool {
	if w.pid <= 0 {
		return false
	}
	if w.cfg.Remote {
		if s.shell == nil {
			return false
		}
		_, err := s.shell.Run(context.Background(), fmt.Sprintf("kill -0 %d", w.pid))
		return err == nil
	}
	proc, err := os.FindProcess(w.pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// HealthCheck probes every worker once and restarts the dead ones per the
// backoff policy.
func (s *Supervisor) HealthCheck() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.workers {
		if w.failedPermanently {
			continue
		}
		if s.alive(w) {
			if w.consecutiveFailures > 0 {
				s.logger.Info().Str("worker", w.name).Msg("worker recovered")
			}
			w.consecutiveFailures = 0
			w.running = true
			continue
		}

		if w.running {
			w.running = false
			w.consecutiveFailures++
			metrics.WorkersUp.WithLabelValues(w.name).Set(0)
			s.logger.Warn().Str("worker", w.name).Int("pid", w.pid).
				Int("consecutive_failures", w.consecutiveFailures).Msg("worker down")
		}
		s.maybeRestartLocked(w)
	}
}

// maybeRestartLocked applies the backoff policy to one dead worker.
// Caller holds mu.
func (s *Supervisor) maybeRestartLocked(w *workerState) {
	if w.consecutiveFailures >= w.cfg.MaxRestartAttempts {
		w.failedPermanently = true
		s.logger.Error().Str("worker", w.name).
			Int("attempts", w.consecutiveFailures).Msg("restart budget exhausted, giving up")
		return
	}

	delay := RestartDelay(w.cfg, w.consecutiveFailures)
	if !w.lastRestart.IsZero() && time.Since(w.lastRestart) < delay {
		return
	}

	metrics.WorkerRestarts.WithLabelValues(w.name).Inc()
	if err := s.spawnLocked(w); err != nil {
		w.consecutiveFailures++
		w.lastRestart = time.Now()
		s.logger.Error().Err(err).Str("worker", w.name).
			Int("consecutive_failures", w.consecutiveFailures).Msg("restart failed")
	}
}

// RestartDelay computes the backoff before the next restart attempt:
// base doubled per failure with the exponent capped, never above the
// configured ceiling.
func RestartDelay(pc config.ProcessConfig, consecutiveFailures int) time.Duration {
	exp := consecutiveFailures
	if exp > backoffExpCap {
		exp = backoffExpCap
	}
	delay := time.Duration(pc.RestartDelaySec) * time.Second << uint(exp)
	max := time.Duration(pc.MaxRestartDelaySec) * time.Second
	if delay > max {
		delay = max
	}
	return delay
}

// StartHealthMonitor runs HealthCheck on the given interval until
// StopHealthMonitor.
func (s *Supervisor) StartHealthMonitor(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.HealthCheck()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// StopHealthMonitor halts the probe loop. Idempotent.
func (s *Supervisor) StopHealthMonitor() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// StopAll gracefully stops every running worker and clears its persisted
// status. Safe to call more than once.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.workers {
		if !w.running || w.pid <= 0 {
			continue
		}
		if w.cfg.Remote {
			s.stopRemoteLocked(w)
		} else {
			s.stopLocalLocked(w)
		}
		w.running = false
		if err := s.store.ClearProcessStatus(w.name); err != nil {
			s.logger.Error().Err(err).Str("worker", w.name).Msg("clearing process status failed")
		}
		s.logger.Info().Str("worker", w.name).Msg("worker stopped")
	}
}

func (s *Supervisor) stopLocalLocked(w *workerState) {
	proc, err := os.FindProcess(w.pid)
	if err != nil {
		return
	}
	proc.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(localStopGrace)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			return
		}
		time.Sleep(probePollEvery)
	}
	s.logger.Warn().Str("worker", w.name).Int("pid", w.pid).Msg("worker ignored SIGTERM, killing")
	proc.Signal(syscall.SIGKILL)
}

func (s *Supervisor) stopRemoteLocked(w *workerState) {
	if s.shell == nil {
		return
	}
	ctx := context.Background()
	s.shell.Run(ctx, fmt.Sprintf("kill %d", w.pid))
	time.Sleep(localStopGrace / 2)
	if _, err := s.shell.Run(ctx, fmt.Sprintf("kill -0 %d", w.pid)); err == nil {
		s.logger.Warn().Str("worker", w.name).Int("pid", w.pid).Msg("remote worker ignored TERM, killing")
		s.shell.Run(ctx, fmt.Sprintf("kill -9 %d", w.pid))
	}
}

// Status reports the supervisor's view of one worker, for diagnostics.
func (s *Supervisor) Status(name string) (pid int, running, permanent bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return 0, false, false, false
	}
	return w.pid, w.running, w.failedPermanently, true
}
