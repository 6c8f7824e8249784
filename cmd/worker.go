package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/forwarder/config"
	"example.com/backstage/services/forwarder/internal/messaging"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var source string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume events from a message bus",
	Long:  `Consume events from Azure Service Bus or Kafka and forward them to Pinpoint`,
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&source, "source", "", "event source (servicebus, kafka); overrides the configured source")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.shutdown(a.cfg.Server.ShutdownTimeout)

	if source == "" {
		source = a.cfg.Source
	}

	g, gctx := errgroup.WithContext(ctx)

	switch source {
	case config.SourceServiceBus:
		consumer, err := messaging.NewServiceBusConsumer(a.cfg.ServiceBus, a.tracer)
		if err != nil {
			return err
		}
		defer func() {
			if err := consumer.Close(context.Background()); err != nil {
				log.Error().Err(err).Msg("Failed to close Service Bus consumer")
			}
		}()
		g.Go(func() error {
			return consumer.Run(gctx, a.forwarder)
		})

	case config.SourceKafka:
		consumer, err := messaging.NewKafkaConsumer(a.cfg.Kafka)
		if err != nil {
			return err
		}
		defer func() {
			if err := consumer.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close Kafka consumer")
			}
		}()
		g.Go(func() error {
			return consumer.Run(gctx, a.forwarder)
		})

	default:
		return errors.Errorf("unknown event source %q", source)
	}

	a.metrics.SetHealth(source, true)
	if err := g.Wait(); err != nil {
		a.metrics.SetHealth(source, false)
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
