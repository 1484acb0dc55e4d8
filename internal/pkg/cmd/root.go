// Package cmd defines commands of the marketplace-live CLI.
package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/keboola/marketplace-live/internal/pkg/config"
	"github.com/keboola/marketplace-live/internal/pkg/dependencies"
	"github.com/keboola/marketplace-live/internal/pkg/log"
)

const (
	configFileOpt = "config"
	debugLogOpt   = "debug-log"
	logFormatOpt  = "log-format"
	baseURLOpt    = "api-base-url"
	realtimeOpt   = "realtime-url"
	tokenOpt      = "token"
)

// DependenciesFactory creates dependencies of a command, it is replaced in tests.
type DependenciesFactory func(ctx context.Context, cfg config.Config, logger log.Logger) dependencies.LiveScope

type Option func(r *root)

func WithDependenciesFactory(v DependenciesFactory) Option {
	return func(r *root) {
		r.factory = v
	}
}

// WithEnvPrefix sets prefix of environment variables, default is config.DefaultEnvPrefix.
func WithEnvPrefix(v string) Option {
	return func(r *root) {
		r.envPrefix = v
	}
}

type root struct {
	stdout    io.Writer
	stderr    io.Writer
	envPrefix string
	factory   DependenciesFactory
	deps      dependencies.LiveScope
}

// NewRootCommand creates parent of all sub-commands.
func NewRootCommand(stdout, stderr io.Writer, opts ...Option) *cobra.Command {
	r := &root{
		stdout:    stdout,
		stderr:    stderr,
		envPrefix: config.DefaultEnvPrefix,
		factory: func(ctx context.Context, cfg config.Config, logger log.Logger) dependencies.LiveScope {
			return dependencies.NewLiveScope(ctx, cfg, logger)
		},
	}
	for _, o := range opts {
		o(r)
	}

	cmd := &cobra.Command{
		Use:               "marketplace-live",
		Short:             "Cached marketplace API reads and live entity statistics.",
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		SilenceUsage:      true,
		SilenceErrors:     true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Print help if no command specified
			return cmd.Help()
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.String(configFileOpt, "", "Path to a YAML config file.")
	flags.Bool(debugLogOpt, false, "Enable debug log level.")
	flags.String(logFormatOpt, "", `Log format, "console" or "json".`)
	flags.String(baseURLOpt, "", "Base URL of the marketplace REST API.")
	flags.String(realtimeOpt, "", "WebSocket URL of the push-update server.")
	flags.String(tokenOpt, "", "Bearer token of the current user.")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := r.loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := log.NewServiceLogger(r.stderr, cfg.DebugLog, cfg.LogFormat)
		r.deps = r.factory(cmd.Context(), cfg, logger)
		return nil
	}
	cmd.PersistentPostRun = func(cmd *cobra.Command, _ []string) {
		if r.deps != nil {
			r.deps.Close(cmd.Context())
		}
	}

	cmd.AddCommand(
		r.getCommand(),
		r.cacheStatsCommand(),
		r.watchCommand(),
	)
	return cmd
}

// loadConfig loads the config file and ENVs, then applies flags.
func (r *root) loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString(configFileOpt)
	cfg, err := config.Load(path, r.envPrefix)
	if err != nil {
		return config.Config{}, err
	}

	if flags.Changed(debugLogOpt) {
		cfg.DebugLog, _ = flags.GetBool(debugLogOpt)
	}
	if flags.Changed(logFormatOpt) {
		value, _ := flags.GetString(logFormatOpt)
		if cfg.LogFormat, err = log.NewLogFormat(value); err != nil {
			return config.Config{}, err
		}
	}
	if flags.Changed(baseURLOpt) {
		cfg.API.BaseURL, _ = flags.GetString(baseURLOpt)
	}
	if flags.Changed(realtimeOpt) {
		cfg.Realtime.URL, _ = flags.GetString(realtimeOpt)
	}
	if flags.Changed(tokenOpt) {
		cfg.Credentials.Token, _ = flags.GetString(tokenOpt)
	}

	cfg.Normalize()
	return cfg, cfg.Validate()
}
