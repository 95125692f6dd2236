// Package appctx builds the process-wide services once at startup and hands
// them to the CLI commands and the HTTP server.
package appctx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/MacJediWizard/serialkeeper/internal/config"
	"github.com/MacJediWizard/serialkeeper/internal/httpclient"
	"github.com/MacJediWizard/serialkeeper/internal/keystore"
	"github.com/MacJediWizard/serialkeeper/internal/license"
	"github.com/MacJediWizard/serialkeeper/internal/metrics"
	"github.com/MacJediWizard/serialkeeper/internal/store"
	"github.com/MacJediWizard/serialkeeper/internal/updater"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Context holds everything a command needs. Update fields are nil when
// updates are disabled.
type Context struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Keys       *keystore.Keyring
	Store      store.Store
	SerialFile *store.SerialFile
	Registry   *prometheus.Registry
	Metrics    *metrics.PrometheusMetrics
	Engine     *license.Engine

	HTTPClient *http.Client
	Source     updater.Source
	Updater    *updater.Updater
	Installer  *updater.Installer
	Checker    *updater.Checker
	Pipeline   *updater.Pipeline
	Scheduler  *updater.Scheduler
}

// Options tune New.
type Options struct {
	// Version is the running build's version, used as the update baseline.
	Version string
	// Restarter re-launches the binary after an update. Nil leaves the new
	// version to be picked up on the next start.
	Restarter updater.Restarter
}

// NewLogger returns a JSON logger in production and a console logger on
// stderr otherwise.
func NewLogger(env config.Environment, version string, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	logger := zerolog.New(out).With().Timestamp().Str("version", version).Logger()
	if !env.IsProduction() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out})
	}
	return logger
}

// New validates cfg and builds the services. On error everything opened so
// far is closed.
func New(ctx context.Context, cfg *config.Config, opts Options, logger zerolog.Logger) (_ *Context, err error) {
	if cfg.Update.CurrentVersion == "" {
		cfg.Update.CurrentVersion = opts.Version
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ac := &Context{
		Config: cfg,
		Logger: logger,
	}
	defer func() {
		if err != nil {
			ac.Close()
		}
	}()

	ac.Keys, err = keystore.LoadKeyring(cfg.Keys, cfg.Update.Enabled)
	if err != nil {
		return nil, err
	}

	ac.Store, err = store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open license store: %w", err)
	}

	ac.Registry = prometheus.NewRegistry()
	ac.Metrics, err = metrics.NewPrometheusMetrics(ac.Registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	if err := ac.Metrics.RegisterRuntime(); err != nil {
		return nil, fmt.Errorf("register runtime metrics: %w", err)
	}

	engineOpts := []license.Option{
		license.WithStore(ac.Store),
		license.WithRecorder(ac.Metrics),
		license.WithWarningDays(cfg.License.WarningDays),
		license.WithLogger(logger),
	}
	if cfg.SerialFile != "" {
		ac.SerialFile = store.NewSerialFile(cfg.SerialFile)
		engineOpts = append(engineOpts, license.WithSerialFile(ac.SerialFile))
	}
	ac.Engine, err = license.NewEngine(ac.Keys.License, engineOpts...)
	if err != nil {
		return nil, err
	}

	if cfg.Update.Enabled {
		if err := ac.buildUpdater(ctx, opts); err != nil {
			return nil, err
		}
	}

	return ac, nil
}

func (ac *Context) buildUpdater(ctx context.Context, opts Options) error {
	cfg := ac.Config
	logger := ac.Logger

	client, err := httpclient.New(httpclient.Options{
		Timeout:   max(cfg.Update.MetadataTimeout, cfg.Update.DownloadTimeout),
		Proxy:     &cfg.Proxy,
		UserAgent: httpclient.DefaultUserAgent + "/" + cfg.Update.CurrentVersion,
	})
	if err != nil {
		return err
	}
	ac.HTTPClient = client
	if cfg.Proxy.HasProxy() {
		logger.Info().Str("proxy", httpclient.Describe(&cfg.Proxy)).Msg("update traffic uses proxy")
	}

	switch cfg.Update.Source {
	case config.SourceS3:
		ac.Source, err = updater.NewS3Source(ctx, cfg.Update.S3, client)
		if err != nil {
			return err
		}
	default:
		ac.Source = updater.NewGitHubSource(updater.GitHubConfig{
			APIURL:               cfg.Update.GitHubAPIURL,
			Owner:                cfg.Update.Owner,
			Repo:                 cfg.Update.Repo,
			ArchiveURLTemplate:   cfg.Update.ArchiveURLTemplate,
			SignatureURLTemplate: cfg.Update.SignatureURLTemplate,
		}, client)
	}

	ac.Updater = updater.New(updater.Config{
		CurrentVersion:   cfg.Update.CurrentVersion,
		ScratchDir:       cfg.Update.ScratchDir,
		MetadataTimeout:  cfg.Update.MetadataTimeout,
		DownloadTimeout:  cfg.Update.DownloadTimeout,
		MaxDownloadBytes: cfg.Update.MaxDownloadBytes,
		Recorder:         ac.Metrics,
	}, ac.Source, ac.Keys.Update.PublicKey, logger)

	installDir, err := resolveInstallDir(cfg.Update.InstallDir)
	if err != nil {
		return err
	}
	ac.Installer = updater.NewInstaller(installDir, cfg.Update.ScratchDir, cfg.Update.MaxDownloadBytes, logger)
	if err := ac.Installer.Recover(); err != nil {
		// A failed recovery leaves the rollback manifest for the next start.
		logger.Error().Err(err).Msg("failed to recover interrupted update")
	}

	ac.Checker = updater.NewChecker(ac.Updater, updater.CheckerConfig{
		Enabled:    cfg.Update.Enabled,
		AirGapMode: cfg.Update.AirGap,
	}, logger)
	ac.Pipeline = updater.NewPipeline(ac.Updater, ac.Installer, opts.Restarter, logger)
	ac.Scheduler = updater.NewScheduler(cfg.Update.CheckSchedule, ac.Checker, ac.Pipeline, cfg.Update.AutoApply, logger)
	return nil
}

// resolveInstallDir defaults to the directory of the running binary.
func resolveInstallDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

// Close stops the scheduler and closes the store.
func (ac *Context) Close() error {
	var errs []error
	if ac.Scheduler != nil {
		<-ac.Scheduler.Stop().Done()
	}
	if ac.Store != nil {
		if err := ac.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
