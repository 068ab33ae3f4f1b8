// orderwatch watches a work-order portal for schedule changes and notifies
// users over email, push and telegram.
//
// Usage:
//
//	orderwatch run --config ./config.yaml
//	orderwatch once --config ./config.yaml --user alice
//	orderwatch flush-digests --config ./config.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	cfgPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "orderwatch",
		Short:   "Work-order schedule change detection and notification",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(onceCmd())
	rootCmd.AddCommand(flushCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
