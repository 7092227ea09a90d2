package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/qstore/internal/config"
	"github.com/roach88/qstore/internal/metrics"
	"github.com/roach88/qstore/internal/ystore"
)

// newLogger returns a text logger on w at Debug when verbose, Info
// otherwise.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads --config (if any) on top of the defaults and applies
// --storage.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		if cfg, err = config.Load(opts.Config); err != nil {
			return config.Config{}, err
		}
	}
	if opts.Storage != "" {
		cfg.StoragePath = opts.Storage
	}
	return cfg, cfg.Validate()
}

// openStore loads the configuration and opens the store it names.
func openStore(opts *RootOptions, cmd *cobra.Command, m *metrics.Metrics) (*ystore.Store, *slog.Logger, error) {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logger.Debug("opening store", "storage", cfg.StoragePath)

	st, err := ystore.Open(cfg, ystore.WithLogger(logger), ystore.WithMetrics(m))
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return st, logger, nil
}

func closeStore(st *ystore.Store, logger *slog.Logger) {
	if err := st.Shutdown(); err != nil {
		logger.Error("error closing store", "error", err)
	}
}

func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
