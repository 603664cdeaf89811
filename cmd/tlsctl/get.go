package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/polisai/tlsession/pkg/engine"
	"github.com/polisai/tlsession/pkg/tlsession"
)

type getOptions struct {
	host       string
	port       string
	path       string
	serverName string
	settings   string
	maxRetries int
	retryRate  float64
}

func newGetCmd(a *app) *cobra.Command {
	var o getOptions

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Send an HTTP/1.1 GET over TLS and print the response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("settings") {
				o.settings = a.cfg.Client.Settings
			}
			if !cmd.Flags().Changed("server-name") && a.cfg.Client.ServerName != "" {
				o.serverName = a.cfg.Client.ServerName
			}
			if !cmd.Flags().Changed("max-retries") {
				o.maxRetries = a.cfg.Client.MaxRetries
			}
			if !cmd.Flags().Changed("retry-rate") {
				o.retryRate = a.cfg.Client.RetryRate
			}
			return runGet(cmd.Context(), a, o, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&o.host, "host", "", "Host to connect to")
	cmd.Flags().StringVarP(&o.port, "port", "p", "443", "Port to connect to")
	cmd.Flags().StringVar(&o.path, "path", "/", "Request path")
	cmd.Flags().StringVar(&o.serverName, "server-name", "", "Server name for SNI and verification (defaults to --host)")
	cmd.Flags().StringVarP(&o.settings, "settings", "s", "", "Client settings file (YAML, JSON or TOML)")
	cmd.Flags().IntVar(&o.maxRetries, "max-retries", 0, "Retry signals tolerated per operation (0 = unbounded)")
	cmd.Flags().Float64Var(&o.retryRate, "retry-rate", 0, "Retries per second (0 = no pacing)")
	_ = cmd.MarkFlagRequired("host")

	return cmd
}

func (o getOptions) sessionOptions(a *app) []tlsession.Option {
	opts := []tlsession.Option{tlsession.WithLogger(a.logger)}
	if o.maxRetries > 0 {
		opts = append(opts, tlsession.WithMaxRetries(o.maxRetries))
	}
	if o.retryRate > 0 {
		opts = append(opts, tlsession.WithRetryLimiter(rate.NewLimiter(rate.Limit(o.retryRate), 1)))
	}
	return opts
}

func runGet(ctx context.Context, a *app, o getOptions, out io.Writer) error {
	return get(ctx, a.engine(), a, o, out)
}

// get writes one request and copies the response to out until the peer
// closes the connection.
func get(ctx context.Context, eng engine.Engine, a *app, o getOptions, out io.Writer) error {
	settings, err := loadSettings(o.settings)
	if err != nil {
		return err
	}
	serverName := o.serverName
	if serverName == "" {
		serverName = o.host
	}
	request := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", o.path, serverName)

	return tlsession.WithClient(eng, settings, func(c *tlsession.Client) error {
		sess, err := c.ConnectServerName(ctx, o.host, o.port, serverName)
		if err != nil {
			return err
		}
		log.Info().Str("host", o.host).Str("port", o.port).Str("session_id", sess.ID()).Msg("connected")

		err = exchange(ctx, sess, []byte(request), out)
		if closeErr := sess.Close(context.WithoutCancel(ctx)); err == nil {
			err = closeErr
		}
		return err
	}, o.sessionOptions(a)...)
}

func exchange(ctx context.Context, sess *tlsession.Session, request []byte, out io.Writer) error {
	if _, err := sess.Write(ctx, request); err != nil {
		return err
	}
	for {
		data, err := sess.Read(ctx)
		if len(data) > 0 {
			if _, werr := out.Write(data); werr != nil {
				return werr
			}
		}
		if err != nil || len(data) == 0 {
			return err
		}
	}
}
