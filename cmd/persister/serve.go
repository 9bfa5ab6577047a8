package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var requireBrokers bool

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Run the queue persister until interrupted",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.Close(shutdownCtx)
		}()

		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = a.producer.HealthCheck(healthCtx)
		cancel()
		if err != nil {
			if requireBrokers {
				return err
			}
			a.logger.WithError(err).Warn("Kafka brokers unreachable, push wakes will fail until they recover")
		}

		if err := a.persister.Start(ctx); err != nil {
			return err
		}
		a.logger.Info("Persister running, press Ctrl+C to stop")

		<-ctx.Done()
		a.logger.Info("Shutdown signal received")
		a.persister.Stop()
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&requireBrokers, "require-brokers", false, "Fail startup when Kafka is unreachable")
}
