package cmd

import (
	"context"
	"os"
	"strings"
	"time"

	"example.com/backstage/services/forwarder/config"
	"example.com/backstage/services/forwarder/internal/forwarder"
	"example.com/backstage/services/forwarder/internal/metrics"
	"example.com/backstage/services/forwarder/internal/pinpoint"
	"example.com/backstage/services/forwarder/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "forwarder",
	Short: "Forward analytics events to AWS Pinpoint",
	Long: `Forwarder accepts analytics events over HTTP, Azure Service Bus or Kafka,
buffers them and submits them in batches to an AWS Pinpoint application.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", ".", "directory holding config.yaml or app.env")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides logging.level")
}

// app holds what every long-running command shares.
type app struct {
	cfg       config.Config
	metrics   *metrics.Metrics
	tracer    tracing.Tracer
	forwarder *forwarder.Forwarder
}

// bootstrap loads configuration and wires the forwarder. Missing
// credentials stop it before any client is built.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	configureLogging(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.Disabled()
	}

	metricsCollector := metrics.NewMetrics()

	client, err := pinpoint.NewClient(ctx, cfg)
	if err != nil {
		tracer.Close()
		return nil, err
	}

	fwd, err := forwarder.Setup(cfg, client, metricsCollector, tracer)
	if err != nil {
		tracer.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		metrics:   metricsCollector,
		tracer:    tracer,
		forwarder: fwd,
	}, nil
}

// shutdown flushes the forwarder and closes the tracer.
func (a *app) shutdown(timeout time.Duration) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.forwarder.Teardown(ctx); err != nil {
		log.Error().Err(err).Msg("Forwarder teardown incomplete")
	}
	a.tracer.Close()
}

func configureLogging(cfg config.Config) {
	if cfg.Environment == "development" || strings.EqualFold(cfg.Logging.Format, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level := logLevel
	if level == "" && os.Getenv("LOG_LEVEL") == "" {
		level = cfg.Logging.Level
	}
	if level == "" {
		return
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level, keeping current level")
		return
	}
	zerolog.SetGlobalLevel(parsed)
}
