// Package cli implements the tryond command line: serve runs the HTTP
// gateway, and generate, usage and history drive the same services
// in-process over the message bus.
package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-tryon-backend/internal/app"
	"github.com/tbourn/go-tryon-backend/internal/config"
	"github.com/tbourn/go-tryon-backend/internal/sysutil"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// Output formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// RootOptions holds global flags.
type RootOptions struct {
	Output   string
	EnvFile  string
	LogLevel string

	// App overrides components; tests set it.
	App app.Options
	// LogOut receives logs; stderr when nil.
	LogOut io.Writer
}

// NewRootCommand returns the tryond root command.
func NewRootCommand() *cobra.Command {
	return newRoot(&RootOptions{})
}

func newRoot(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tryond",
		Short:         "Virtual try-on generation service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if opts.Output != FormatJSON && opts.Output != FormatYAML {
				return fmt.Errorf("invalid output %q: must be json or yaml", opts.Output)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", FormatJSON, "output format (json|yaml)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "overrides LOG_LEVEL")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newGenerateCommand(opts))
	cmd.AddCommand(newUsageCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	return cmd
}

// setup loads the dotenv file and configuration and builds the logger.
// A missing dotenv file is not an error.
func (o *RootOptions) setup() (config.Config, zerolog.Logger, error) {
	if o.EnvFile != "" {
		if err := godotenv.Load(o.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, zerolog.Nop(), fmt.Errorf("load %s: %w", o.EnvFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("config: %w", err)
	}
	cfg.LogLevel = sysutil.FirstNonEmpty(o.LogLevel, cfg.LogLevel)

	out := o.LogOut
	if out == nil {
		out = os.Stderr
	}
	log := sysutil.NewLogger(out, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)
	return cfg, log, nil
}
