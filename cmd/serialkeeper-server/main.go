// Package main is the entrypoint for the serialkeeper issuer: key
// generation, serial issuance, release signing and the HTTP API.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/MacJediWizard/serialkeeper/internal/api"
	"github.com/MacJediWizard/serialkeeper/internal/api/middleware"
	"github.com/MacJediWizard/serialkeeper/internal/appctx"
	"github.com/MacJediWizard/serialkeeper/internal/config"
	"github.com/MacJediWizard/serialkeeper/internal/httpclient"
	"github.com/MacJediWizard/serialkeeper/internal/keystore"
	"github.com/MacJediWizard/serialkeeper/internal/license"
	"github.com/MacJediWizard/serialkeeper/internal/updater"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

const (
	defaultKeyBits  = 3072
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	configPath string
	in         io.Reader
	out        io.Writer
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	c := &cli{in: in, out: out}

	rootCmd := &cobra.Command{
		Use:   "serialkeeper-server",
		Short: "Issue license serials and sign releases",
		Long: `serialkeeper-server holds the private keys. It generates key pairs,
issues serials, signs and publishes release packages and serves the
license API.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default ~/.serialkeeper/config.yml)")

	rootCmd.AddCommand(
		c.newVersionCmd(),
		c.newKeygenCmd(),
		c.newIssueCmd(),
		c.newSignReleaseCmd(),
		c.newHashTokenCmd(),
		c.newServeCmd(),
	)
	return rootCmd
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *cli) loadConfig() (*config.Config, error) {
	path := c.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultConfigPath(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (c *cli) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			c.printf("serialkeeper-server %s\n", Version)
			c.printf("  Commit:     %s\n", Commit)
			c.printf("  Built:      %s\n", BuildDate)
			c.printf("  Go version: %s\n", runtime.Version())
		},
	}
}

func (c *cli) newKeygenCmd() *cobra.Command {
	var dir string
	var bits int
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the license and update key pairs",
		Long: `Generate one RSA key pair for signing serials and a separate one for
signing releases. Ship only the public keys with the application.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := c.loadConfig()
				if err != nil {
					return err
				}
				dir = filepath.Dir(cfg.Keys.LicensePublicKey)
			}
			if bits < keystore.MinKeyBits {
				return fmt.Errorf("key size %d is below the minimum of %d bits", bits, keystore.MinKeyBits)
			}

			var files []string
			for _, domain := range []string{"license", "update"} {
				files = append(files,
					filepath.Join(dir, domain+"_private.pem"),
					filepath.Join(dir, domain+"_public.pem"))
			}
			if !force {
				for _, f := range files {
					if _, err := os.Stat(f); err == nil {
						return fmt.Errorf("%s already exists (use --force to overwrite)", f)
					}
				}
			}

			for i := 0; i < len(files); i += 2 {
				key, err := keystore.GenerateKeyPair(bits)
				if err != nil {
					return err
				}
				if err := keystore.WritePrivateKey(files[i], key); err != nil {
					return err
				}
				if err := keystore.WritePublicKey(files[i+1], &key.PublicKey); err != nil {
					return err
				}
			}

			c.printf("Generated %d-bit key pairs in %s:\n", bits, dir)
			for _, f := range files {
				c.printf("  %s\n", f)
			}
			c.printf("\nKeep the private keys on the issuer. Distribute only the public keys.\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Output directory (default: directory of the configured license public key)")
	cmd.Flags().IntVar(&bits, "bits", defaultKeyBits, "RSA key size in bits")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing keys")
	return cmd
}

// openIssuer builds the application context without the update pipeline,
// which the offline issuer commands never use.
func (c *cli) openIssuer(ctx context.Context) (*appctx.Context, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Update.Enabled = false

	logger := appctx.NewLogger(cfg.Environment, Version, os.Stderr).Level(zerolog.WarnLevel)
	return appctx.New(ctx, cfg, appctx.Options{Version: Version}, logger)
}

func (c *cli) newIssueCmd() *cobra.Command {
	var days int
	var storeIt, admin bool

	cmd := &cobra.Command{
		Use:   "issue <subject>",
		Short: "Issue a serial for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if admin && !storeIt {
				return errors.New("--admin requires --store")
			}

			ac, err := c.openIssuer(cmd.Context())
			if err != nil {
				return err
			}
			defer ac.Close()

			var serial license.Serial
			if storeIt {
				serial, err = ac.Engine.IssueAndStore(cmd.Context(), args[0], days)
			} else {
				serial, err = ac.Engine.Issue(args[0], days)
			}
			if err != nil {
				return errors.New(license.Message(err))
			}
			if admin {
				if _, err := ac.Engine.SetAdmin(cmd.Context(), args[0], true); err != nil {
					return errors.New(license.Message(err))
				}
			}

			c.printf("%s\n", serial.Token)
			fmt.Fprintf(cmd.ErrOrStderr(), "Issued to %s, expires on %s.\n", serial.Claim.SubjectID, serial.Claim.ExpiryString())
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 365, "Validity in days")
	cmd.Flags().BoolVar(&storeIt, "store", false, "Also record the serial as the user's active license")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the user admin privileges (requires --store)")
	return cmd
}

func (c *cli) newSignReleaseCmd() *cobra.Command {
	var out string
	var upload bool
	var tag string
	var notes string

	cmd := &cobra.Command{
		Use:   "sign-release <archive>",
		Short: "Sign a release package and optionally publish it",
		Long: `Sign a release archive with the update private key and write the
detached signature next to it. With --upload the archive, signature and
latest-release manifest are published to the configured S3 bucket.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Keys.UpdatePrivateKey == "" {
				return errors.New("no update private key configured")
			}
			if upload && tag == "" {
				return errors.New("--tag is required with --upload")
			}

			archive := args[0]
			priv, err := keystore.LoadPrivateKey(cfg.Keys.UpdatePrivateKey)
			if err != nil {
				return err
			}
			sig, err := updater.SignFile(archive, priv)
			if err != nil {
				return err
			}

			// A signature the shipped public key rejects must never be published.
			if pub, err := keystore.LoadPublicKey(cfg.Keys.UpdatePublicKey); err == nil {
				if err := updater.VerifyFile(archive, sig, pub); err != nil {
					return fmt.Errorf("configured update public key does not match the private key: %w", err)
				}
			}

			if out == "" {
				out = filepath.Join(filepath.Dir(archive), "update.sig")
			}
			if err := os.WriteFile(out, sig, 0o644); err != nil {
				return fmt.Errorf("write signature: %w", err)
			}
			c.printf("Signature written to %s\n", out)

			if !upload {
				return nil
			}
			return c.publish(cmd.Context(), cfg, tag, archive, sig, notes)
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Signature output path (default: update.sig next to the archive)")
	cmd.Flags().BoolVar(&upload, "upload", false, "Publish to the configured S3 bucket")
	cmd.Flags().StringVar(&tag, "tag", "", "Release tag, e.g. v1.4.0")
	cmd.Flags().StringVar(&notes, "notes", "", "Release notes")
	return cmd
}

func (c *cli) publish(ctx context.Context, cfg *config.Config, tag, archive string, sig []byte, notes string) error {
	if cfg.Update.S3.Bucket == "" {
		return errors.New("no S3 bucket configured")
	}
	client, err := httpclient.New(httpclient.Options{
		Timeout: cfg.Update.DownloadTimeout,
		Proxy:   &cfg.Proxy,
	})
	if err != nil {
		return err
	}
	src, err := updater.NewS3Source(ctx, cfg.Update.S3, client)
	if err != nil {
		return err
	}

	m, err := src.Publish(ctx, tag, archive, sig, notes)
	if err != nil {
		return err
	}
	c.printf("Published %s to %s\n", m.LatestVersionTag, src.Name())
	return nil
}

func (c *cli) newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Hash an admin token for the server configuration",
		Long: `Print the bcrypt hash of an admin bearer token. Put the hash in
server.admin_token_hash or SERIALKEEPER_ADMIN_TOKEN_HASH.

If the token is not given as an argument it is read from standard input.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(c.in).ReadString('\n')
				if err != nil && !(errors.Is(err, io.EOF) && line != "") {
					return fmt.Errorf("read token: %w", err)
				}
				token = strings.TrimSpace(line)
			}
			if token == "" {
				return errors.New("token cannot be empty")
			}

			hash, err := middleware.HashAdminToken(token)
			if err != nil {
				return err
			}
			c.printf("%s\n", hash)
			return nil
		},
	}
}

func (c *cli) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the license API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			logger := appctx.NewLogger(cfg.Environment, Version, os.Stdout)
			logger.Info().
				Str("version", Version).
				Str("commit", Commit).
				Str("build_date", BuildDate).
				Msg("Starting serialkeeper server")

			// The server is restarted by its supervisor, never by itself.
			ac, err := appctx.New(cmd.Context(), cfg, appctx.Options{Version: Version}, logger)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to initialize")
				return err
			}
			defer ac.Close()

			srv, err := newHTTPServer(ac)
			if err != nil {
				return err
			}

			if ac.Scheduler != nil {
				if err := ac.Scheduler.Start(); err != nil {
					logger.Error().Err(err).Msg("Failed to start update scheduler")
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runHTTPServer(ctx, srv, logger)
		},
	}
}

// newHTTPServer wires the API router to the application context.
func newHTTPServer(ac *appctx.Context) (*http.Server, error) {
	deps := api.Dependencies{
		Engine:  ac.Engine,
		Store:   ac.Store,
		Metrics: ac.Metrics,
	}
	if ac.Checker != nil {
		deps.Checker = ac.Checker
	}

	router, err := api.NewRouter(api.Config{
		RateLimitRequests: ac.Config.Server.RateLimit,
		RateLimitPeriod:   ac.Config.Server.RatePeriod,
		AdminTokenHash:    ac.Config.Server.AdminTokenHash,
		Version:           Version,
		Commit:            Commit,
		BuildDate:         BuildDate,
	}, deps, ac.Logger)
	if err != nil {
		return nil, fmt.Errorf("initialize router: %w", err)
	}
	if ac.Config.Server.AdminTokenHash == "" {
		ac.Logger.Warn().Msg("No admin token hash configured, serial issuance over HTTP is disabled")
	}

	return &http.Server{
		Addr:              ac.Config.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}, nil
}

// runHTTPServer serves until ctx is cancelled, then shuts down gracefully.
func runHTTPServer(ctx context.Context, srv *http.Server, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server error")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
		return err
	}
	logger.Info().Msg("Server stopped gracefully")
	return nil
}
