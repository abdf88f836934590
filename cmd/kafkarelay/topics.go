package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ppiankov/kafkarelay/internal/catalog"
	"github.com/ppiankov/kafkarelay/internal/config"
	"github.com/ppiankov/kafkarelay/internal/kafka"
	"github.com/ppiankov/kafkarelay/internal/reporter"
)

type topicsOptions struct {
	bootstrapServer string
	authMechanism   string
	username        string
	password        string
	tlsEnabled      bool
	tlsCert         string
	tlsKey          string
	tlsCA           string
	output          string
	includeInternal bool
	noColor         bool
	timeout         time.Duration
}

func newTopicsCmd() *cobra.Command {
	var opts topicsOptions

	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Print the topic catalog of a Kafka cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveTopicsOptions(cmd, opts)
			if err != nil {
				return err
			}
			return runTopics(cmd, resolved, nil)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.bootstrapServer, "bootstrap-server", "", "Kafka bootstrap server(s) (host:port, comma-separated)")
	flags.StringVar(&opts.authMechanism, "auth-mechanism", "", "SASL mechanism (PLAIN, SCRAM-SHA-256, SCRAM-SHA-512)")
	flags.StringVar(&opts.username, "username", "", "SASL username")
	flags.StringVar(&opts.password, "password", "", "SASL password")
	flags.BoolVar(&opts.tlsEnabled, "tls", false, "Enable TLS")
	flags.StringVar(&opts.tlsCert, "tls-cert", "", "Path to TLS client certificate")
	flags.StringVar(&opts.tlsKey, "tls-key", "", "Path to TLS client private key")
	flags.StringVar(&opts.tlsCA, "tls-ca", "", "Path to TLS CA certificate")
	flags.StringVar(&opts.output, "output", "text", "Output format (json|text)")
	flags.BoolVar(&opts.includeInternal, "include-internal", false, "Include internal topics")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable coloured text output")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Kafka query timeout (for example: 10s, 1m)")

	return cmd
}

func resolveTopicsOptions(cmd *cobra.Command, opts topicsOptions) (topicsOptions, error) {
	cfg, cfgPath, err := config.Load()
	if err != nil {
		return opts, err
	}
	if cfg != nil {
		applyLogFormat(cmd, cfg)
		slog.Debug("loaded defaults from config", "path", cfgPath)
		opts = applyTopicsConfigDefaults(cmd, opts, cfg)
	}

	if opts.timeout == 0 {
		opts.timeout = kafka.DefaultQueryTimeout
	}

	return opts, nil
}

func applyTopicsConfigDefaults(cmd *cobra.Command, opts topicsOptions, cfg *config.Config) topicsOptions {
	if !flagChanged(cmd, "bootstrap-server") && strings.TrimSpace(opts.bootstrapServer) == "" && cfg.BootstrapServers != "" {
		opts.bootstrapServer = cfg.BootstrapServers
	}
	if !flagChanged(cmd, "auth-mechanism") && strings.TrimSpace(opts.authMechanism) == "" && cfg.AuthMechanism != "" {
		opts.authMechanism = cfg.AuthMechanism
	}
	if !flagChanged(cmd, "output") && cfg.Format != "" {
		opts.output = cfg.Format
	}
	if !flagChanged(cmd, "include-internal") && cfg.IncludeInternal != nil {
		opts.includeInternal = *cfg.IncludeInternal
	}
	if !flagChanged(cmd, "timeout") && cfg.HasTimeout {
		opts.timeout = cfg.Timeout
	}

	return opts
}

// connectionConfig validates the connection flags.
func (o topicsOptions) connectionConfig() (kafka.ConnectionConfig, error) {
	if strings.TrimSpace(o.bootstrapServer) == "" {
		return kafka.ConnectionConfig{}, errors.New("bootstrap-server is required")
	}

	cfg, err := kafka.ConnectionConfig{
		Addresses:     []string{o.bootstrapServer},
		AuthMechanism: kafka.AuthMechanism(o.authMechanism),
		Username:      o.username,
		Password:      o.password,
		TLSEnabled:    o.tlsEnabled || o.tlsCA != "" || o.tlsCert != "",
	}.Normalize()
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// runTopics builds one catalog. client is nil outside tests.
func runTopics(cmd *cobra.Command, opts topicsOptions, client kafka.Client) error {
	start := time.Now()

	cfg, err := opts.connectionConfig()
	if err != nil {
		return err
	}
	if (opts.tlsCert == "") != (opts.tlsKey == "") {
		return errors.New("--tls-cert and --tls-key must be provided together")
	}
	if opts.timeout <= 0 {
		return errors.New("timeout must be greater than zero")
	}

	rep, err := reporter.New(opts.output, cmd.OutOrStdout(), !opts.noColor && !color.NoColor)
	if err != nil {
		return err
	}

	if client == nil {
		client = kafka.NewFranz(kafka.Options{
			QueryTimeout:    opts.timeout,
			IncludeInternal: opts.includeInternal,
			TLS: kafka.TLSFiles{
				CAFile:   opts.tlsCA,
				CertFile: opts.tlsCert,
				KeyFile:  opts.tlsKey,
			},
		})
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	slog.Info("connecting to Kafka", "bootstrap_servers", strings.Join(cfg.Addresses, ","))

	cat, err := catalog.NewBuilder(client).Build(ctx, cfg)
	if err != nil {
		return err
	}

	if err := rep.Generate(ctx, cat); err != nil {
		return fmt.Errorf("render catalog: %w", err)
	}

	slog.Info("catalog completed",
		"topic_count", cat.TotalTopics,
		"duration", time.Since(start),
	)
	return nil
}
