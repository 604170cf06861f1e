// Package orchestrator is the root process: it owns the supervisor, the
// system-monitor tick and the metrics endpoint, and coordinates shutdown.
package orchestrator

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/medqa/conductor/pkg/bus"
	"github.com/medqa/conductor/pkg/config"
	"github.com/medqa/conductor/pkg/log"
	"github.com/medqa/conductor/pkg/metrics"
	"github.com/medqa/conductor/pkg/remoteshell"
	"github.com/medqa/conductor/pkg/storage"
	"github.com/medqa/conductor/pkg/supervisor"
)

const healthCheckEvery = 30 * time.Second

type monitorPayload struct {
	TriggeredBy string `json:"triggered_by"`
	Timestamp   string `json:"timestamp"`
}

// Orchestrator wires the long-lived pieces of the root process together.
type Orchestrator struct {
	cfg       *config.Config
	store     storage.Store
	bus       *bus.Bus
	shell     *remoteshell.Shell
	sup       *supervisor.Supervisor
	collector *metrics.Collector
	logger    zerolog.Logger
	stopCh    chan struct{}
}

// New assembles the root process over an already-open store and bus.
func New(cfg *config.Config, configPath string, store storage.Store, b *bus.Bus) *Orchestrator {
	var shell *remoteshell.Shell
	if cfg.HPC.Enabled {
		shell = remoteshell.New(cfg.HPC)
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		bus:       b,
		shell:     shell,
		sup:       supervisor.New(cfg, store, shell, configPath),
		collector: metrics.NewCollector(store),
		logger:    log.WithComponent("orchestrator"),
		stopCh:    make(chan struct{}),
	}
}

// Run starts the fleet and blocks until SIGTERM or SIGINT, then shuts
// everything down in order.
func (o *Orchestrator) Run() error {
	if err := o.sup.StartAll(); err != nil {
		return err
	}
	o.sup.StartHealthMonitor(healthCheckEvery)
	o.collector.Start()

	if addr := o.cfg.Metrics.ListenAddr; addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				o.logger.Error().Err(err).Str("addr", addr).Msg("metrics endpoint failed")
			}
		}()
		o.logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	}

	go o.monitorLoop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	o.logger.Info().Str("signal", sig.String()).Msg("shutting down")

	o.shutdown()
	return nil
}

// monitorLoop publishes the system_monitor tick, the only schedule the
// root generates.
func (o *Orchestrator) monitorLoop() {
	interval := time.Duration(o.cfg.Curator.MonitorIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			msg, err := bus.NewMessage(bus.CmdSystemMonitor, monitorPayload{
				TriggeredBy: "orchestrator",
				Timestamp:   time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				o.logger.Error().Err(err).Msg("building system_monitor failed")
				continue
			}
			if err := o.bus.Publish(o.cfg.Queues.SystemCurator, msg); err != nil {
				o.logger.Error().Err(err).Msg("publishing system_monitor failed")
			}
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) shutdown() {
	close(o.stopCh)
	o.sup.StopHealthMonitor()
	o.sup.StopAll()
	o.collector.Stop()
	if o.shell != nil {
		o.shell.Close()
	}
	if err := o.bus.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("closing bus")
	}
	if err := o.store.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("closing store")
	}
	o.logger.Info().Msg("shutdown complete")
}
