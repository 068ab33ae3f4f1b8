package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"orderwatch/internal/app"
)

func onceCmd() *cobra.Command {
	var (
		userID     string
		overrideTo string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single detection cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(app.Options{
				ConfigPath:             cfgPath,
				EmailOverrideRecipient: overrideTo,
			})
			if err != nil {
				return err
			}
			defer a.Stop(context.Background())

			report := a.RunOnce(ctx, userID)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(report)
			}
			if !report.Success {
				return fmt.Errorf("cycle failed: %s", report.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "run only this user (default: all enabled users)")
	cmd.Flags().StringVar(&overrideTo, "to", "", "redirect all email to this address")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the delivery report as JSON")
	return cmd
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush-digests",
		Short: "Deliver all pending digest batches now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(app.Options{ConfigPath: cfgPath})
			if err != nil {
				return err
			}
			defer a.Stop(context.Background())

			return a.FlushDigests(ctx)
		},
	}
}
