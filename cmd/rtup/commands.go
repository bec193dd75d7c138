package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ZebulonRouseFrantzich/rtup/internal/digest"
	"github.com/ZebulonRouseFrantzich/rtup/internal/patch"
	"github.com/ZebulonRouseFrantzich/rtup/internal/updater"
)

func (a *app) setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Install, restore or update the runtime tree",
		Long: `Install the runtime when it is missing, restore it when an earlier
operation was interrupted or the integrity check fails, and otherwise
replace it when a newer snapshot is published.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.updater.Setup(cmd.Context()); err != nil {
				return fmt.Errorf("setup runtime: %w", err)
			}
			a.logger.Info("runtime is ready", "root", a.cfg.Root, "codename", a.cfg.Codename)
			return nil
		},
	}
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the runtime tree against its baseline digest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := a.updater.Verify(cmd.Context())
			var mismatch *digest.MismatchError
			switch {
			case err == nil:
				fmt.Fprintln(a.stdout, "runtime is intact")
				return nil
			case errors.Is(err, digest.ErrNoBaseline), errors.As(err, &mismatch):
				return &exitError{code: exitInvalid, err: fmt.Errorf("runtime at %s is not intact: %w", a.cfg.Root, err)}
			default:
				return fmt.Errorf("verify runtime: %w", err)
			}
		},
	}
}

func (a *app) digestCmd() *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Print the metadata digest of the runtime tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sum, err := a.updater.Digest(cmd.Context())
			if err != nil {
				return fmt.Errorf("compute digest: %w", err)
			}
			if write {
				if err := digest.WriteBaseline(a.cfg.Root, sum); err != nil {
					return err
				}
			}
			fmt.Fprintln(a.stdout, sum)
			return nil
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "store the digest as the new baseline")
	return cmd
}

func (a *app) applyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <package.json|->",
		Short: "Apply a signed update package to the runtime tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open update package: %w", err)
				}
				defer f.Close()
				r = f
			}

			signed, err := patch.DecodeSigned(r)
			if err != nil {
				return err
			}
			results, err := a.updater.Apply(cmd.Context(), signed)
			for _, name := range results.Mismatched {
				fmt.Fprintf(a.stdout, "mismatch: %s\n", name)
			}
			if errors.Is(err, updater.ErrVerifyFailed) {
				return &exitError{code: exitInvalid, err: err}
			}
			if err != nil {
				return fmt.Errorf("apply update package: %w", err)
			}
			fmt.Fprintf(a.stdout, "%d files verified\n", len(results.Verified))
			return nil
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(a.stdout, "rtup %s\n", Version)
		},
	}
}
