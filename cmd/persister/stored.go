package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	storedNumber string
	storedDevice int64
	storedLimit  int
)

var storedCmd = &cobra.Command{
	Use:          "stored",
	Short:        "Print messages persisted for a device",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if storedNumber == "" {
			return fmt.Errorf("--number is required")
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		envelopes, err := a.messages.Load(ctx, storedNumber, storedDevice, storedLimit)
		if err != nil {
			return err
		}

		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(envelopes)
	},
}

func init() {
	storedCmd.Flags().StringVar(&storedNumber, "number", "", "Account number")
	storedCmd.Flags().Int64Var(&storedDevice, "device", 1, "Device id")
	storedCmd.Flags().IntVar(&storedLimit, "limit", 100, "Maximum messages to print")
}
