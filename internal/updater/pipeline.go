package updater

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is a step of the update pipeline.
type State string

const (
	StateIdle            State = "idle"
	StateChecking        State = "checking"
	StateUpToDate        State = "up_to_date"
	StateUpdateAvailable State = "update_available"
	StateDownloading     State = "downloading"
	StateVerifying       State = "verifying"
	StateApplying        State = "applying"
	StateRestarting      State = "restarting"
	StateRejected        State = "rejected"
	StateFailed          State = "failed"
	// StateDeclined ends a run the user chose not to install.
	StateDeclined        State = "declined"
)

// RunOptions controls a single pipeline run.
type RunOptions struct {
	// CheckOnly stops after the version check.
	CheckOnly bool
	// Confirm is asked before downloading. A nil Confirm installs without
	// asking.
	Confirm func(m *Manifest) bool
}

// Result describes how a run ended.
type Result struct {
	RunID       string
	State       State
	Manifest    *Manifest
	Transitions []State
	// Applied is true once the package has been installed, even if the
	// restart that follows fails or is skipped.
	Applied bool
}

// Pipeline drives check, download, verify, apply and restart in order.
// Nothing is applied unless the signature verified.
type Pipeline struct {
	updater   *Updater
	applier   Applier
	restarter Restarter
	logger    zerolog.Logger
}

// NewPipeline creates a Pipeline. A nil restarter leaves the process running
// after a successful apply.
func NewPipeline(u *Updater, applier Applier, restarter Restarter, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		updater:   u,
		applier:   applier,
		restarter: restarter,
		logger:    logger.With().Str("component", "update_pipeline").Logger(),
	}
}

// Run executes one pass of the pipeline. The returned Result is never nil;
// the error is the first failure encountered.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	res := &Result{RunID: uuid.New().String(), State: StateIdle}
	log := p.logger.With().Str("run_id", res.RunID).Logger()

	enter := func(s State) {
		res.State = s
		res.Transitions = append(res.Transitions, s)
		log.Debug().Str("state", string(s)).Msg("update state")
	}
	finish := func(s State, err error) (*Result, error) {
		enter(s)
		p.updater.recorder.UpdateFinished(string(s))
		if err != nil && s != StateDeclined {
			log.Warn().Err(err).Str("state", string(s)).Msg("update run ended")
		}
		return res, err
	}

	enter(StateChecking)
	m, err := p.updater.CheckLatest(ctx)
	if err != nil {
		return finish(StateFailed, err)
	}
	res.Manifest = m

	newer, err := p.updater.IsUpdate(m)
	if err != nil {
		return finish(StateFailed, err)
	}
	if !newer {
		return finish(StateUpToDate, nil)
	}

	enter(StateUpdateAvailable)
	log.Info().
		Str("current_version", p.updater.CurrentVersion()).
		Str("latest_version", m.LatestVersionTag).
		Msg("update available")

	if opts.CheckOnly {
		return res, nil
	}
	if opts.Confirm != nil && !opts.Confirm(m) {
		return finish(StateDeclined, ErrDeclined)
	}

	enter(StateDownloading)
	path, err := p.updater.Download(ctx, m.DownloadURL)
	if err != nil {
		return finish(StateFailed, err)
	}
	defer os.Remove(path)

	sig, err := p.updater.FetchSignature(ctx, m.SignatureURL)
	if err != nil {
		return finish(StateFailed, err)
	}

	enter(StateVerifying)
	if err := p.updater.Verify(path, sig); err != nil {
		return finish(StateRejected, err)
	}

	enter(StateApplying)
	if err := p.applier.Apply(ctx, path); err != nil {
		return finish(StateFailed, err)
	}
	res.Applied = true
	log.Info().Str("version", m.LatestVersionTag).Msg("update installed")

	if p.restarter == nil {
		p.updater.recorder.UpdateFinished(string(StateApplying))
		return res, nil
	}

	// The archive must be gone before exec replaces this process.
	_ = os.Remove(path)

	enter(StateRestarting)
	if err := p.restarter.Restart(); err != nil {
		return finish(StateFailed, err)
	}
	p.updater.recorder.UpdateFinished(string(StateRestarting))
	return res, nil
}
