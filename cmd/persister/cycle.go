package main

import (
	"fmt"
	"time"

	"go-persister/internal/cache"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cycleCmd = &cobra.Command{
	Use:          "cycle",
	Short:        "Run a single persist cycle against the next slot",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		return a.persister.PersistNextQueues(ctx, time.Now())
	},
}

var drainCmd = &cobra.Command{
	Use:          "drain <queue>",
	Short:        "Persist one queue now and notify its device",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		queue := args[0]
		accountUUID, deviceID, err := cache.ParseQueueName(queue)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		persisted, err := a.persister.PersistQueue(ctx, queue)
		if err != nil {
			return err
		}
		if err := a.notifier.NotifyClients(ctx, accountUUID, deviceID); err != nil {
			return err
		}

		a.logger.WithFields(logrus.Fields{
			"queue":    queue,
			"messages": persisted,
		}).Info("Queue drained")
		fmt.Fprintf(cmd.OutOrStdout(), "persisted %d messages from %s\n", persisted, queue)
		return nil
	},
}
