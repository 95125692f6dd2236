package updater

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs the release check in the background on a cron schedule.
// Check failures are logged and the cycle skipped; they never reach the
// interactive flow.
type Scheduler struct {
	checker   *Checker
	pipeline  *Pipeline
	autoApply bool
	spec      string
	cron      *cron.Cron
	logger    zerolog.Logger
	mu        sync.Mutex
	running   bool
}

// NewScheduler creates a Scheduler. When autoApply is set and pipeline is
// non-nil, an available update is downloaded, verified and installed.
func NewScheduler(spec string, checker *Checker, pipeline *Pipeline, autoApply bool, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "update_scheduler").Logger()
	return &Scheduler{
		checker:   checker,
		pipeline:  pipeline,
		autoApply: autoApply,
		spec:      spec,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
		logger: logger,
	}
}

// Start schedules the check.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("update scheduler already running")
	}

	if _, err := s.cron.AddFunc(s.spec, s.runCheck); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.spec).
		Bool("auto_apply", s.autoApply).
		Msg("update scheduler started")

	return nil
}

// Stop stops the scheduler. The returned context is done once a running
// check has finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping update scheduler")
	return s.cron.Stop()
}

// RunNow triggers an immediate check.
func (s *Scheduler) RunNow() {
	s.runCheck()
}

func (s *Scheduler) runCheck() {
	ctx := context.Background()

	info, err := s.checker.ForceCheck(ctx)
	switch {
	case errors.Is(err, ErrCheckDisabled), errors.Is(err, ErrAirGapMode):
		s.logger.Debug().Err(err).Msg("update check skipped")
		return
	case errors.Is(err, ErrNetwork):
		s.logger.Warn().Err(err).Msg("update check failed, will retry next interval")
		return
	case errors.Is(err, ErrVersionFormat):
		s.logger.Warn().Err(err).Msg("release has an unrecognised version, skipping")
		return
	case err != nil:
		s.logger.Error().Err(err).Msg("update check failed")
		return
	}

	if !info.UpdateAvailable || !s.autoApply || s.pipeline == nil {
		return
	}

	res, err := s.pipeline.Run(ctx, RunOptions{})
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("run_id", res.RunID).
			Str("state", string(res.State)).
			Msg("automatic update failed")
	}
}
