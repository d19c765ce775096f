// Command statexferd is a standalone driver for the state transfer
// coordinator: a join subcommand that runs the joiner side against a
// directly-addressed donor, and a serve-donor subcommand that runs the
// donor side. Neither implements real group membership; DirectGCS routes
// every request to one fixed peer, which is enough to exercise a full
// SST+IST cycle by hand.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "statexferd",
	Short: "State transfer coordinator (SST/IST) reference driver",
	Long: `statexferd drives one side of a state transfer at a time: a joiner
requesting to catch up to a group, or a donor serving that request.`,
}

// Execute runs the root command, printing any error to stderr and exiting
// non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}
