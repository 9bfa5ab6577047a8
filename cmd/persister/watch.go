package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"go-persister/pkg/models"

	"github.com/spf13/cobra"
)

var (
	watchNumber string
	watchDevice int64
)

var watchCmd = &cobra.Command{
	Use:          "watch",
	Short:        "Subscribe to a device's live channel and print its signals",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchNumber == "" {
			return fmt.Errorf("--number is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		address := models.WebsocketAddress{Number: watchNumber, DeviceID: watchDevice}
		sub, err := a.pubsub.Subscribe(ctx, address)
		if err != nil {
			return err
		}
		defer sub.Close()

		a.logger.WithField("address", address.String()).Info("Watching live channel")
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-sub.Messages():
				if !ok {
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", address, msg.Type)
			}
		}
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchNumber, "number", "", "Account number")
	watchCmd.Flags().Int64Var(&watchDevice, "device", 1, "Device id")
}
