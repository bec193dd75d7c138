package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ZebulonRouseFrantzich/rtup/internal/config"
	"github.com/ZebulonRouseFrantzich/rtup/internal/platform"
	"github.com/ZebulonRouseFrantzich/rtup/internal/updater"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitInvalid = 2 // tree is not intact or does not match a package manifest
)

// exitError carries a non-zero exit code out of a RunE handler.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// app holds what every subcommand needs once flags are parsed.
type app struct {
	stdout   io.Writer
	stderr   io.Writer
	verbose  bool
	detector platform.Detector

	logger  *slog.Logger
	cfg     *config.Config
	updater *updater.Updater
}

// run executes the command line args and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, detector: platform.NewDetector()}
	return a.execute(ctx, args)
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(a.stderr, "Error: %v\n", err)

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rtup",
		Short: "Keep the Steam Linux Runtime installed, current and intact",
		Long: `rtup manages the Steam Linux Runtime tree the umu launcher runs games in.

Settings come from rtup.lua in $XDG_CONFIG_HOME/rtup, RTUP_* environment
variables and flags, later sources winning. The legacy UMU_RUNTIME_UPDATE
and UMU_RUNTIME_INTEGRITY variables are honoured too.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.prepare(cmd)
		},
	}

	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		a.setupCmd(),
		a.verifyCmd(),
		a.digestCmd(),
		a.applyCmd(),
		a.versionCmd(),
	)
	return root
}

// prepare resolves the configuration and builds the logger and updater.
func (a *app) prepare(cmd *cobra.Command) error {
	switch {
	case cmd.Name() == "version", cmd.Name() == "help":
		return nil
	case cmd.HasParent() && cmd.Parent().Name() == "completion":
		return nil
	}

	level := log.InfoLevel
	if a.verbose {
		level = log.DebugLevel
	}
	a.logger = slog.New(log.NewWithOptions(a.stderr, log.Options{
		Level:           level,
		Prefix:          "rtup",
		ReportTimestamp: true,
	}))

	ctx := cmd.Context()
	cfg, err := config.Load(ctx, config.LoadOptions{
		Flags:    cmd.Flags(),
		Detector: a.detector,
	})
	if err != nil {
		return err
	}
	a.cfg = cfg

	info, err := a.detector.Detect(ctx)
	if err != nil {
		return fmt.Errorf("detect platform: %w", err)
	}
	if !info.Supported() {
		a.logger.Warn("the Steam Linux Runtime only supports linux/amd64", "os", info.OS, "arch", info.ArchRaw)
	}
	a.logger.Debug("platform detected",
		"distro", info.Platform, "version", info.Version, "kernel", info.Kernel, "sandbox", info.Sandbox)

	a.updater, err = updater.New(cfg,
		updater.WithLogger(a.logger),
		updater.WithUserAgent(info.UserAgent("rtup", Version)),
	)
	return err
}
