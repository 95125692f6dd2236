// Package main is the entrypoint for the serialkeeper CLI: license status,
// serial activation and verified self-update.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/MacJediWizard/serialkeeper/internal/appctx"
	"github.com/MacJediWizard/serialkeeper/internal/config"
	"github.com/MacJediWizard/serialkeeper/internal/httpclient"
	"github.com/MacJediWizard/serialkeeper/internal/license"
	"github.com/MacJediWizard/serialkeeper/internal/models"
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

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the flags shared by every command.
type cli struct {
	configPath string
	verbose    bool
	in         io.Reader
	out        io.Writer
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	c := &cli{in: in, out: out}

	rootCmd := &cobra.Command{
		Use:   "serialkeeper",
		Short: "License activation and verified updates",
		Long: `serialkeeper checks and activates signed license serials and keeps
the application up to date with signature-verified releases.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default ~/.serialkeeper/config.yml)")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		c.newVersionCmd(),
		c.newStatusCmd(),
		c.newActivateCmd(),
		c.newValidateCmd(),
		c.newUpdateCmd(),
		c.newConfigCmd(),
	)

	return rootCmd
}

func (c *cli) loadConfig() (*config.Config, string, error) {
	path := c.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultConfigPath(); err != nil {
			return nil, "", err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

// open builds the application context. The caller closes it.
func (c *cli) open(ctx context.Context) (*appctx.Context, error) {
	cfg, _, err := c.loadConfig()
	if err != nil {
		return nil, err
	}

	logger := appctx.NewLogger(cfg.Environment, Version, os.Stderr)
	if c.verbose {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.WarnLevel)
	}

	return appctx.New(ctx, cfg, appctx.Options{
		Version:   Version,
		Restarter: updater.ExecRestarter{},
	}, logger)
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *cli) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			c.printf("serialkeeper %s\n", Version)
			c.printf("  Commit:     %s\n", Commit)
			c.printf("  Built:      %s\n", BuildDate)
			c.printf("  Go version: %s\n", runtime.Version())
			c.printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func (c *cli) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <subject>",
		Short: "Show the license status of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer ac.Close()

			report, err := ac.Engine.Check(cmd.Context(), args[0])
			if err != nil {
				return errors.New(license.Message(err))
			}
			c.printReport(report)
			return nil
		},
	}
}

func (c *cli) printReport(r *models.LicenseReport) {
	c.printf("User:       %s\n", r.SubjectID)
	c.printf("Status:     %s\n", r.Status)
	if r.ExpiresOn != "" {
		c.printf("Expires on: %s\n", r.ExpiresOn)
	}
	switch r.Status {
	case models.LicenseStatusActive:
		c.printf("Days left:  %d\n", r.DaysLeft)
		if r.ExpiringSoon {
			c.printf("\nYour license expires soon. Please renew it.\n")
		}
	case models.LicenseStatusExpired:
		c.printf("\n%s\n", license.Message(license.ErrLicenseExpired))
	case models.LicenseStatusInvalidDate:
		c.printf("\n%s\n", license.Message(license.ErrInvalidDate))
	case models.LicenseStatusNoLicense:
		c.printf("\n%s\n", license.Message(license.ErrNoLicense))
	}
}

func (c *cli) newActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <subject> [serial]",
		Short: "Activate a serial for a user",
		Long: `Validate a serial for a user and store it as the active license.

If the serial is not given as an argument it is read from standard input.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			serial := ""
			if len(args) == 2 {
				serial = args[1]
			} else {
				var err error
				if serial, err = c.prompt("Enter serial: "); err != nil {
					return err
				}
			}
			if serial == "" {
				return errors.New("serial cannot be empty")
			}

			ac, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer ac.Close()

			report, err := ac.Engine.Activate(cmd.Context(), args[0], serial)
			if err != nil {
				return errors.New(license.Message(err))
			}

			c.printf("License activated.\n\n")
			c.printReport(report)
			return nil
		},
	}
}

func (c *cli) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <subject> <serial>",
		Short: "Check a serial without storing it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer ac.Close()

			res := ac.Engine.Validate(args[1], args[0])
			if !res.OK {
				return errors.New(res.Reason)
			}

			expiresOn := res.ExpiresOn.Format(license.DateLayout)
			if ac.Engine.Today().After(res.ExpiresOn) {
				c.printf("Serial is genuine but expired on %s.\n", expiresOn)
				return license.ErrLicenseExpired
			}
			c.printf("Serial is valid until %s.\n", expiresOn)
			return nil
		},
	}
}

func (c *cli) newUpdateCmd() *cobra.Command {
	var checkOnly bool
	var yes bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Check for and install updates",
		Long: `Check for a newer release and optionally install it.

The downloaded package is installed only if its signature verifies against
the configured update public key. By default the command asks before
installing; use --check to only check, or --yes to skip the prompt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runUpdate(cmd.Context(), checkOnly, yes)
		},
	}

	cmd.Flags().BoolVar(&checkOnly, "check", false, "Check for updates without installing")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Install without confirmation")

	return cmd
}

func (c *cli) runUpdate(ctx context.Context, checkOnly, yes bool) error {
	ac, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer ac.Close()

	if ac.Pipeline == nil {
		return errors.New(updater.Message(updater.ErrCheckDisabled))
	}
	if ac.Config.Update.AirGap {
		return errors.New(updater.Message(updater.ErrAirGapMode))
	}

	c.printf("Current version: %s\n", ac.Updater.CurrentVersion())
	c.printf("Checking for updates...\n")

	res, err := ac.Pipeline.Run(ctx, updater.RunOptions{
		CheckOnly: checkOnly,
		Confirm: func(m *updater.Manifest) bool {
			c.printManifest(m)
			if yes {
				return true
			}
			answer, err := c.prompt("Install this update? [y/N] ")
			if err != nil {
				return false
			}
			answer = strings.ToLower(answer)
			return answer == "y" || answer == "yes"
		},
	})

	switch {
	case errors.Is(err, updater.ErrDeclined):
		c.printf("%s\n", updater.Message(err))
		return nil
	case err != nil:
		return errors.New(updater.Message(err))
	}

	switch res.State {
	case updater.StateUpToDate:
		c.printf("%s\n", updater.Message(updater.ErrNoUpdateAvailable))
	case updater.StateUpdateAvailable:
		c.printManifest(res.Manifest)
		c.printf("Run 'serialkeeper update' to install this update.\n")
	case updater.StateApplying:
		c.printf("Update %s installed. Restart the application to use it.\n", res.Manifest.LatestVersionTag)
	}
	return nil
}

func (c *cli) printManifest(m *updater.Manifest) {
	c.printf("\nNew version available: %s\n", m.LatestVersionTag)
	if m.ReleaseNotes != "" {
		c.printf("\nRelease notes:\n%s\n", m.ReleaseNotes)
	}
	c.printf("\n")
}

func (c *cli) prompt(label string) (string, error) {
	c.printf("%s", label)
	line, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (c *cli) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(c.newConfigShowCmd(), c.newConfigInitCmd())
	return cmd
}

func (c *cli) newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := c.loadConfig()
			if err != nil {
				return err
			}

			c.printf("Config file:        %s\n", path)
			c.printf("Environment:        %s\n", cfg.Environment)
			c.printf("\n")
			c.printf("License public key: %s\n", cfg.Keys.LicensePublicKey)
			c.printf("Update public key:  %s\n", cfg.Keys.UpdatePublicKey)
			c.printf("Store:              %s %s\n", cfg.Store.Driver, storeLocation(cfg.Store))
			c.printf("Serial file:        %s\n", cfg.SerialFile)
			c.printf("Warning days:       %d\n", cfg.License.WarningDays)
			c.printf("\n")
			c.printf("Updates enabled:    %v\n", cfg.Update.Enabled)
			c.printf("Air-gap mode:       %v\n", cfg.Update.AirGap)
			c.printf("Update source:      %s\n", cfg.Update.Source)
			c.printf("Check schedule:     %s\n", cfg.Update.CheckSchedule)
			c.printf("Timeouts:           metadata %s, download %s\n",
				cfg.Update.MetadataTimeout.Round(time.Second), cfg.Update.DownloadTimeout.Round(time.Second))
			c.printf("Proxy:              %s\n", httpclient.Describe(&cfg.Proxy))
			return nil
		},
	}
}

func (c *cli) newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := c.loadConfig()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			c.printf("Configuration written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

// storeLocation hides credentials in a database URL.
func storeLocation(s config.StoreConfig) string {
	if s.Driver != config.DriverPostgres {
		return s.Path
	}
	if at := strings.LastIndex(s.URL, "@"); at >= 0 {
		if scheme := strings.Index(s.URL, "://"); scheme >= 0 && scheme < at {
			return s.URL[:scheme+3] + "****" + s.URL[at:]
		}
	}
	return s.URL
}
