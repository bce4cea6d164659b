package sequencerd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"sequencer/ethereum"
	"sequencer/observability/logging"
	telemetry "sequencer/observability/otel"
	"sequencer/relay"
)

// Main runs the sequencer daemon using the provided command line flags.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/sequencerd/config.yaml", "path to sequencerd config")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("SEQ_ENV"))
	logger := logging.SetupWithSink("sequencerd", env, cfg.LogFile)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "sequencerd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := ethereum.DialChain(dialCtx, cfg.RPCURL)
	cancel()
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer client.Close()

	backend, err := buildBackend(cfg, client)
	if err != nil {
		return err
	}

	eth := ethereum.New(client, cfg.Contract(), backend, cfg.Mock, ethereum.WithLogger(logger))

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	block, err := eth.LastBlock(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch latest block: %w", err)
	}
	logger.Info("connected to chain",
		"chain_id", cfg.ChainID,
		"contract", cfg.Contract(),
		"latest_block", block,
		"submitter", cfg.Submitter,
		"mock", cfg.Mock,
	)

	server, err := NewServer(eth)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(server, "sequencerd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		log.Printf("sequencerd listening on %s", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// buildBackend constructs the submission backend named by the configuration.
func buildBackend(cfg Config, client ethereum.ChainClient) (ethereum.Backend, error) {
	switch cfg.Submitter {
	case SubmitterRelay:
		relayClient, err := relay.NewClient(relay.ClientConfig{
			BaseURL:           cfg.Relay.BaseURL,
			APIKey:            cfg.Relay.APIKey,
			APISecret:         cfg.Relay.APISecret,
			Credentials:       relay.NewCredentialCache(),
			RequestsPerSecond: cfg.Relay.RequestsPerSecond,
		})
		if err != nil {
			return nil, fmt.Errorf("build relay client: %w", err)
		}
		return relay.NewBackend(relayClient,
			relay.WithSendTimeout(cfg.Relay.SendTimeout.Duration),
			relay.WithPollInterval(cfg.Relay.PollInterval.Duration),
		), nil
	case SubmitterDirect:
		signCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		signer, err := ethereum.NewSigner(signCtx, client, cfg.SigningKey, ethereum.FeeMode(cfg.FeeMode()), cfg.ChainID)
		if err != nil {
			return nil, fmt.Errorf("build signer: %w", err)
		}
		return ethereum.NewDirectBackend(client, signer), nil
	default:
		return nil, fmt.Errorf("unknown submitter %q", cfg.Submitter)
	}
}
