// Package main is the entry point for tlsctl, a command line client and echo
// server built on tlsession.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polisai/tlsession/pkg/config"
	"github.com/polisai/tlsession/pkg/engine/gotls"
	"github.com/polisai/tlsession/pkg/logging"
	"github.com/polisai/tlsession/pkg/telemetry"
	"github.com/polisai/tlsession/pkg/tlsession"
)

const (
	version                  = "0.3.0"
	telemetryShutdownTimeout = 5 * time.Second
)

// app carries state prepared by the root command for its subcommands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	shutdown func(context.Context) error
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for tlsctl.
func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "tlsctl",
		Short: "TLS client and echo server driven by tlsession",
		Long: `tlsctl negotiates TLS sessions through the tlsession library.

Settings files are flat YAML, JSON or TOML mappings of tlsession setting
names (ca_file, cert_file, key_file, protocols, ciphers, ...). Any setting
can be overridden with a TLSESSION_<NAME> environment variable.

Example:
  tlsctl get --host example.com --settings client.yaml
  tlsctl echo --listen :3335 --settings server.toml --watch`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown()
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the tlsctl configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON logs instead of text")
	rootCmd.PersistentFlags().String("otel-endpoint", "", "OTLP gRPC endpoint for traces")

	rootCmd.AddCommand(
		newGetCmd(a),
		newEchoCmd(a),
		newProtocolsCmd(),
		newCertCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// setup loads .env, the configuration file and flag overrides, then
// configures logging and tracing.
func (a *app) setup(cmd *cobra.Command) error {
	_ = godotenv.Load()

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
		if err := cfg.Logging.Validate(); err != nil {
			return err
		}
	}
	if jsonLogs, _ := cmd.Flags().GetBool("log-json"); jsonLogs {
		cfg.Logging.Pretty = false
	}
	if endpoint, _ := cmd.Flags().GetString("otel-endpoint"); endpoint != "" {
		cfg.Telemetry.OTLPEndpoint = endpoint
	}

	logCfg := logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty, Output: cmd.ErrOrStderr()}
	logging.SetupLogger(logCfg)
	a.logger = logging.NewLogger(logCfg)
	a.cfg = cfg

	a.shutdown, err = telemetry.SetupProvider(cmd.Context(), telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Environment:    cfg.Telemetry.Environment,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	return nil
}

func (a *app) teardown() error {
	if a.shutdown == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown failed")
	}
	return nil
}

func (a *app) engine(opts ...gotls.Option) *gotls.Engine {
	return gotls.New(append([]gotls.Option{gotls.WithLogger(a.logger)}, opts...)...)
}

// loadSettings reads path, when given, and applies TLSESSION_* overrides.
func loadSettings(path string) (tlsession.Settings, error) {
	var settings tlsession.Settings
	if path != "" {
		var err error
		if settings, err = config.LoadSettings(path); err != nil {
			return nil, err
		}
	}
	settings, err := config.ApplyEnv(settings, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateSettings(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tlsctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "tlsctl version %s\n", version)
			return nil
		},
	}
}
