// Package scanner watches the staging directory for new case folders and
// announces each one exactly once.
package scanner

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/medqa/conductor/pkg/bus"
	"github.com/medqa/conductor/pkg/config"
	"github.com/medqa/conductor/pkg/log"
	"github.com/medqa/conductor/pkg/storage"
	"github.com/medqa/conductor/pkg/types"
)

type newCasePayload struct {
	CaseID   string `json:"case_id"`
	CasePath string `json:"case_path"`
}

// Scanner periodically lists the target directory and publishes
// new_case_found for every case folder not yet recorded in the store.
type Scanner struct {
	cfg    *config.Config
	store  storage.Store
	pub    bus.Publisher
	logger zerolog.Logger
	stopCh chan struct{}
}

// New creates a scanner over the configured target directory.
func New(cfg *config.Config, store storage.Store, pub bus.Publisher) *Scanner {
	return &Scanner{
		cfg:    cfg,
		store:  store,
		pub:    pub,
		logger: log.WithComponent("case_scanner"),
		stopCh: make(chan struct{}),
	}
}

// Run scans on the configured interval until Stop. The first scan happens
// immediately.
func (s *Scanner) Run() error {
	interval := time.Duration(s.cfg.Scanner.ScanIntervalSec) * time.Second
	s.logger.Info().
		Str("directory", s.cfg.Scanner.TargetDirectory).
		Dur("interval", interval).
		Msg("scanner started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.ScanOnce()
		select {
		case <-ticker.C:
		case <-s.stopCh:
			return nil
		}
	}
}

// Stop ends the scan loop after the current cycle.
func (s *Scanner) Stop() {
	close(s.stopCh)
}

// ScanOnce performs one scan cycle. A path already recorded as processed
// or failed is never re-announced; a publish failure is recorded as
// failed so the next cycle skips it too.
func (s *Scanner) ScanOnce() {
	entries, err := os.ReadDir(s.cfg.Scanner.TargetDirectory)
	if err != nil {
		s.logger.Error().Err(err).Str("directory", s.cfg.Scanner.TargetDirectory).Msg("scan failed")
		return
	}

	seen, err := s.store.ScannedCasePaths()
	if err != nil {
		s.logger.Error().Err(err).Msg("loading scanned cases failed")
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		casePath := filepath.Join(s.cfg.Scanner.TargetDirectory, entry.Name())
		if _, ok := seen[casePath]; ok {
			continue
		}
		s.announce(entry.Name(), casePath)
		seen[casePath] = struct{}{}
	}
}

func (s *Scanner) announce(caseID, casePath string) {
	logger := log.WithCase(s.logger, caseID)

	msg, err := bus.NewMessage(bus.CmdNewCaseFound, newCasePayload{
		CaseID:   caseID,
		CasePath: casePath,
	})
	if err != nil {
		logger.Error().Err(err).Msg("encoding new_case_found failed")
		return
	}

	status := types.ScanStatusProcessed
	if err := s.pub.Publish(s.cfg.Queues.Conductor, msg); err != nil {
		logger.Error().Err(err).Msg("publishing new_case_found failed")
		status = types.ScanStatusFailed
	} else {
		logger.Info().Str("case_path", casePath).Msg("new case announced")
	}

	if err := s.store.AddScannedCase(casePath, status); err != nil {
		logger.Error().Err(err).Msg("recording scanned case failed")
	}
}
