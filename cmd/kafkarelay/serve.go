package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/ppiankov/kafkarelay/internal/api"
	"github.com/ppiankov/kafkarelay/internal/catalog"
	"github.com/ppiankov/kafkarelay/internal/config"
	"github.com/ppiankov/kafkarelay/internal/credentials"
	"github.com/ppiankov/kafkarelay/internal/kafka"
	"github.com/ppiankov/kafkarelay/internal/session"
	"github.com/ppiankov/kafkarelay/internal/stream"
	"github.com/ppiankov/kafkarelay/internal/token"
)

const (
	generatedSecretBytes = 32
	shutdownTimeout      = 15 * time.Second
)

type serveOptions struct {
	listen          string
	tokenSecret     string
	tokenTTL        time.Duration
	timeout         time.Duration
	allowedOrigins  []string
	includeInternal bool
	metadataRPS     float64
	streamRateLimit float64
	streamBurst     int
	writeTimeout    time.Duration
	tlsCert         string
	tlsKey          string
	tlsCA           string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveServeOptions(cmd, opts)
			if err != nil {
				return err
			}
			return runServe(cmd, resolved)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.listen, "listen", api.DefaultListen, "Address to listen on (host:port)")
	flags.StringVar(&opts.tokenSecret, "token-secret", "", "HMAC secret for session tokens (random per process when empty)")
	flags.DurationVar(&opts.tokenTTL, "token-ttl", token.DefaultTTL, "Session token lifetime")
	flags.DurationVar(&opts.timeout, "timeout", api.DefaultRequestTimeout, "Timeout for broker calls made by one HTTP request")
	flags.StringSliceVar(&opts.allowedOrigins, "allowed-origin", nil, "Allowed browser origin (repeatable, * allows any)")
	flags.BoolVar(&opts.includeInternal, "include-internal", false, "Include internal topics in catalogs")
	flags.Float64Var(&opts.metadataRPS, "metadata-rps", 0, "Max topic metadata requests per second per catalog build (0 = unlimited)")
	flags.Float64Var(&opts.streamRateLimit, "stream-rate-limit", 0, "Max records per second per viewer (0 = unlimited)")
	flags.IntVar(&opts.streamBurst, "stream-burst", 0, "Burst size for --stream-rate-limit")
	flags.DurationVar(&opts.writeTimeout, "write-timeout", stream.DefaultWriteTimeout, "Timeout for one WebSocket write")
	flags.StringVar(&opts.tlsCert, "tls-cert", "", "Path to TLS client certificate used for brokers")
	flags.StringVar(&opts.tlsKey, "tls-key", "", "Path to TLS client private key used for brokers")
	flags.StringVar(&opts.tlsCA, "tls-ca", "", "Path to TLS CA certificate used for brokers")

	return cmd
}

func resolveServeOptions(cmd *cobra.Command, opts serveOptions) (serveOptions, error) {
	cfg, cfgPath, err := config.Load()
	if err != nil {
		return opts, err
	}
	if cfg != nil {
		applyLogFormat(cmd, cfg)
		slog.Debug("loaded defaults from config", "path", cfgPath)
		opts = applyServeConfigDefaults(cmd, opts, cfg)
	}

	if strings.TrimSpace(opts.listen) == "" {
		return opts, errors.New("listen address is required")
	}
	if opts.tokenTTL <= 0 {
		return opts, errors.New("token-ttl must be greater than zero")
	}
	if opts.timeout <= 0 {
		return opts, errors.New("timeout must be greater than zero")
	}
	if opts.metadataRPS < 0 || opts.streamRateLimit < 0 || opts.streamBurst < 0 {
		return opts, errors.New("rate limits must not be negative")
	}
	if (opts.tlsCert == "") != (opts.tlsKey == "") {
		return opts, errors.New("--tls-cert and --tls-key must be provided together")
	}

	return opts, nil
}

func applyServeConfigDefaults(cmd *cobra.Command, opts serveOptions, cfg *config.Config) serveOptions {
	if !flagChanged(cmd, "listen") && cfg.Listen != "" {
		opts.listen = cfg.Listen
	}
	if !flagChanged(cmd, "token-ttl") && cfg.TokenTTL > 0 {
		opts.tokenTTL = cfg.TokenTTL
	}
	if !flagChanged(cmd, "timeout") && cfg.HasTimeout {
		opts.timeout = cfg.Timeout
	}
	if !flagChanged(cmd, "allowed-origin") && len(cfg.AllowedOrigins) > 0 {
		opts.allowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	}
	if !flagChanged(cmd, "include-internal") && cfg.IncludeInternal != nil {
		opts.includeInternal = *cfg.IncludeInternal
	}
	if !flagChanged(cmd, "metadata-rps") && cfg.MetadataRPS != nil {
		opts.metadataRPS = *cfg.MetadataRPS
	}
	if !flagChanged(cmd, "stream-rate-limit") && cfg.StreamRateLimit != nil {
		opts.streamRateLimit = *cfg.StreamRateLimit
	}
	if !flagChanged(cmd, "stream-burst") && cfg.StreamBurst != nil {
		opts.streamBurst = *cfg.StreamBurst
	}
	if !flagChanged(cmd, "write-timeout") && cfg.WriteTimeout > 0 {
		opts.writeTimeout = cfg.WriteTimeout
	}
	return opts
}

// resolveSecret returns the signing secret. Without one, tokens are signed
// with random bytes and stop verifying when the process exits.
func resolveSecret(raw string) ([]byte, bool, error) {
	if raw != "" {
		return []byte(raw), false, nil
	}

	secret := make([]byte, generatedSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, false, fmt.Errorf("generate token secret: %w", err)
	}
	return secret, true, nil
}

func runServe(cmd *cobra.Command, opts serveOptions) error {
	secret, generated, err := resolveSecret(opts.tokenSecret)
	if err != nil {
		return err
	}
	if generated {
		slog.Warn("No token secret configured; using a random secret, tokens will not survive a restart",
			"env", envPrefix+"_TOKEN_SECRET")
	} else if len(secret) < generatedSecretBytes {
		slog.Warn("Token secret is shorter than 32 bytes", "length", len(secret))
	}

	codec, err := token.NewCodec(secret, token.WithTTL(opts.tokenTTL))
	if err != nil {
		return err
	}

	client := kafka.NewFranz(kafka.Options{
		IncludeInternal: opts.includeInternal,
		MetadataRate:    rate.Limit(opts.metadataRPS),
		TLS: kafka.TLSFiles{
			CAFile:   opts.tlsCA,
			CertFile: opts.tlsCert,
			KeyFile:  opts.tlsKey,
		},
	})

	store := credentials.NewMemoryStore(credentials.DefaultCapacity, codec.TTL())
	validator := session.NewValidator(codec, store)
	registry := stream.NewRegistry()

	server := api.NewServer(api.Config{
		Listen:         opts.listen,
		AllowedOrigins: opts.allowedOrigins,
		RequestTimeout: opts.timeout,
		WriteTimeout:   opts.writeTimeout,
	}, api.Deps{
		Connector: session.NewConnector(client, codec, store),
		Validator: validator,
		Catalog:   catalog.NewBuilder(client),
		Bridge: stream.NewBridge(client, validator, registry, stream.Options{
			RateLimit: rate.Limit(opts.streamRateLimit),
			Burst:     opts.streamBurst,
		}),
		Registry: registry,
	})

	printBanner(cmd, opts)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down", "active_streams", registry.Len())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func printBanner(cmd *cobra.Command, opts serveOptions) {
	out := cmd.ErrOrStderr()
	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)

	_, _ = bold.Fprintf(out, "kafkarelay %s\n", Version)
	_, _ = fmt.Fprintf(out, "  listening on %s\n", cyan.Sprintf("http://%s", opts.listen))
	_, _ = fmt.Fprintf(out, "  token lifetime %s\n", opts.tokenTTL)
	if opts.streamRateLimit > 0 {
		_, _ = fmt.Fprintf(out, "  stream limit %.0f records/s per viewer\n", opts.streamRateLimit)
	}
}
