package main

import (
	"fmt"
	"time"

	"go-persister/internal/cache"
	"go-persister/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	enqueueAccount       string
	enqueueNumber        string
	enqueueDevice        int64
	enqueueCount         int
	enqueueBody          string
	enqueueCreateAccount bool
	enqueueGCMID         string
	enqueueAPNID         string
)

var enqueueCmd = &cobra.Command{
	Use:          "enqueue",
	Short:        "Queue test messages for a device in the cache",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if enqueueCount <= 0 {
			return fmt.Errorf("--count must be > 0")
		}

		accountUUID := uuid.New()
		if enqueueAccount != "" {
			parsed, err := uuid.Parse(enqueueAccount)
			if err != nil {
				return fmt.Errorf("invalid --account: %w", err)
			}
			accountUUID = parsed
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		if enqueueCreateAccount {
			if enqueueNumber == "" {
				return fmt.Errorf("--number is required with --create-account")
			}
			account := models.Account{
				UUID:   accountUUID,
				Number: enqueueNumber,
				Devices: []models.Device{{
					ID:    enqueueDevice,
					GCMID: enqueueGCMID,
					APNID: enqueueAPNID,
				}},
			}
			if err := a.accounts.Upsert(ctx, account); err != nil {
				return err
			}
		}

		for i := 0; i < enqueueCount; i++ {
			guid := uuid.New()
			now := time.Now().UnixMilli()
			_, err := a.cache.Insert(ctx, guid, accountUUID, enqueueDevice, models.Envelope{
				Type:            models.EnvelopeTypeCiphertext,
				Source:          enqueueNumber,
				SourceUUID:      accountUUID.String(),
				SourceDevice:    uint32(models.MasterDeviceID),
				DestinationUUID: accountUUID.String(),
				Timestamp:       now,
				ServerTimestamp: now,
				Content:         []byte(fmt.Sprintf("%s #%d", enqueueBody, i+1)),
			})
			if err != nil {
				return err
			}
		}

		queue := cache.QueueName(accountUUID, enqueueDevice)
		size, err := a.cache.QueueSize(ctx, accountUUID, enqueueDevice)
		if err != nil {
			return err
		}
		a.logger.WithFields(logrus.Fields{
			"queue": queue,
			"added": enqueueCount,
			"size":  size,
		}).Info("Messages queued")
		fmt.Fprintln(cmd.OutOrStdout(), queue)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueAccount, "account", "", "Account UUID (random when empty)")
	enqueueCmd.Flags().StringVar(&enqueueNumber, "number", "", "Account number")
	enqueueCmd.Flags().Int64Var(&enqueueDevice, "device", models.MasterDeviceID, "Device id")
	enqueueCmd.Flags().IntVar(&enqueueCount, "count", 1, "Number of messages to queue")
	enqueueCmd.Flags().StringVar(&enqueueBody, "body", "hello", "Message body prefix")
	enqueueCmd.Flags().BoolVar(&enqueueCreateAccount, "create-account", false, "Upsert the account into the directory first")
	enqueueCmd.Flags().StringVar(&enqueueGCMID, "gcm-id", "", "GCM token for the created device")
	enqueueCmd.Flags().StringVar(&enqueueAPNID, "apn-id", "", "APN token for the created device")
}
