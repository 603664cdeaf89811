package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/tlsession/internal/certinfo"
	"github.com/polisai/tlsession/internal/echo"
	"github.com/polisai/tlsession/internal/governance"
	"github.com/polisai/tlsession/pkg/config"
	"github.com/polisai/tlsession/pkg/engine"
	"github.com/polisai/tlsession/pkg/engine/gotls"
	"github.com/polisai/tlsession/pkg/telemetry"
	"github.com/polisai/tlsession/pkg/tlsession"
)

const metricsShutdownTimeout = 5 * time.Second

func newEchoCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Run a TLS echo server",
		Long: `Run a TLS echo server. Every accepted connection negotiates TLS and
gets its input written back until it closes.

With --watch the settings file is reloaded on change. Connections in flight
keep the configuration they were accepted with.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			server := a.cfg.Server
			flags := cmd.Flags()
			if flags.Changed("listen") {
				server.Listen, _ = flags.GetString("listen")
			}
			if flags.Changed("settings") {
				server.Settings, _ = flags.GetString("settings")
			}
			if flags.Changed("watch") {
				server.Watch, _ = flags.GetBool("watch")
			}
			if flags.Changed("metrics-addr") {
				server.MetricsAddress, _ = flags.GetString("metrics-addr")
			}
			if flags.Changed("handshake-timeout") {
				server.HandshakeTimeout, _ = flags.GetDuration("handshake-timeout")
			}
			if flags.Changed("read-poll") {
				server.ReadPollInterval, _ = flags.GetDuration("read-poll")
			}
			if flags.Changed("handshake-rate") {
				server.HandshakeRate, _ = flags.GetFloat64("handshake-rate")
			}
			if flags.Changed("handshake-burst") {
				server.HandshakeBurst, _ = flags.GetInt("handshake-burst")
			}
			if err := server.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEcho(ctx, a, server)
		},
	}

	cmd.Flags().String("listen", "", "Address to accept TLS connections on (default from config, :3335)")
	cmd.Flags().StringP("settings", "s", "", "Server settings file (YAML, JSON or TOML)")
	cmd.Flags().Bool("watch", false, "Reload the settings file when it changes")
	cmd.Flags().String("metrics-addr", "", "Address to expose Prometheus metrics on")
	cmd.Flags().Duration("handshake-timeout", 0, "Handshake timeout")
	cmd.Flags().Duration("read-poll", 0, "Read poll interval used to observe cancellation")
	cmd.Flags().Float64("handshake-rate", 0, "Handshakes per second allowed from one remote host (0 = unlimited)")
	cmd.Flags().Int("handshake-burst", 0, "Handshake burst allowed from one remote host")

	return cmd
}

func runEcho(ctx context.Context, a *app, sc config.ServerConfig) error {
	res, err := telemetry.NewResource(ctx, telemetry.Config{
		ServiceName:    a.cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    a.cfg.Telemetry.Environment,
	})
	if err != nil {
		return err
	}
	collector, shutdownMeter := telemetry.SetupMeterProvider(res)
	defer func() { _ = shutdownMeter(context.Background()) }()
	metrics := telemetry.NewServerMetrics(collector)

	var (
		settings tlsession.Settings
		updates  <-chan tlsession.Settings
	)
	if sc.Watch {
		provider, err := config.NewFileSettingsProvider(sc.Settings, a.logger)
		if err != nil {
			return err
		}
		defer provider.Close()
		updates = provider.Subscribe()
		settings = <-updates
	} else if settings, err = loadSettings(sc.Settings); err != nil {
		return err
	}

	reportCertificate(settings)

	var admission echo.Admission
	if sc.HandshakeRate > 0 {
		admission = governance.NewHandshakeLimiter(governance.HandshakeLimitConfig{
			PerSecond: sc.HandshakeRate,
			Burst:     sc.HandshakeBurst,
		})
	}

	eng := a.engine(
		gotls.WithHandshakeTimeout(sc.HandshakeTimeout),
		gotls.WithReadPollInterval(sc.ReadPollInterval),
	)
	srv, err := echo.NewServer(eng, settings, echo.Options{
		Logger:    a.logger,
		Metrics:   metrics,
		Admission: admission,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	ln, err := net.Listen("tcp", sc.Listen)
	if err != nil {
		return err
	}
	log.Info().Str("address", ln.Addr().String()).Bool("watch", sc.Watch).Msg("echo server started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln) })
	if updates != nil {
		g.Go(func() error {
			srv.Watch(gctx, updates)
			return nil
		})
	}
	if sc.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		httpSrv := &http.Server{
			Addr:              sc.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("address", sc.MetricsAddress).Msg("metrics endpoint started")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info().Msg("echo server stopped")
	return err
}

// reportCertificate logs expiry and chain problems of the configured server
// certificate. It never fails startup; the engine decides what is usable.
func reportCertificate(settings tlsession.Settings) {
	var (
		r   *certinfo.Report
		err error
	)
	if v, ok := settings.Lookup(engine.OptionCertFile); ok {
		if path, ok := v.(string); ok {
			r, err = certinfo.InspectFile(path, time.Now())
		}
	} else if v, ok := settings.Lookup(engine.OptionCertMem); ok {
		switch pem := v.(type) {
		case []byte:
			r, err = certinfo.Inspect(pem, time.Now())
		case string:
			r, err = certinfo.Inspect([]byte(pem), time.Now())
		}
	}
	if err != nil {
		log.Warn().Err(err).Msg("cannot inspect server certificate")
		return
	}
	if r == nil {
		return
	}

	for _, e := range r.Status.Errors {
		log.Error().Str("subject", r.Subject).Msg(e)
	}
	for _, w := range r.Status.Warnings {
		log.Warn().Str("subject", r.Subject).Msg(w)
	}
	if r.Status.Valid {
		log.Info().Str("subject", r.Subject).Int("expires_in_days", r.Status.ExpiresInDays).Msg("server certificate loaded")
	}
}
