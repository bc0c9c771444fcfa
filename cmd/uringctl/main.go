// Command uringctl is a small diagnostic CLI over the ring package: it
// probes a running kernel's io_uring opcode support and can exercise a
// ring with a batch of no-op round trips as a smoke test.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

var log zerolog.Logger

func main() {
	log = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	rootCmd := &cobra.Command{
		Use:     "uringctl",
		Short:   "Inspect and exercise a local io_uring instance",
		Version: version + " (" + commit + ")",
	}

	rootCmd.AddCommand(
		newProbeCommand(),
		newBenchNopCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
