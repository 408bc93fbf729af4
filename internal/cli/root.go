// Package cli implements the cadence-admin command tree.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/bobmcallan/cadence/internal/app"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"

	// OpenApp builds the application for commands that touch storage.
	OpenApp func(ctx context.Context, configPath string) (*app.App, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for cadence-admin.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{OpenApp: app.NewApp})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cadence-admin",
		Short: "Administer a cadence gateway",
		Long:  "Operator tooling for the cadence OAuth and tool gateway: PKCE pairs, client registration and the audit trail.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default: CADENCE_CONFIG or cadence.toml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newPKCECommand(opts))
	cmd.AddCommand(newClientCommand(opts))
	cmd.AddCommand(newAuditCommand(opts))

	return cmd
}

// withApp opens the application for the duration of fn.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(*app.App) error) error {
	a, err := opts.OpenApp(cmd.Context(), opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("open app: %w", err)
	}
	defer a.Close()
	return fn(a)
}
