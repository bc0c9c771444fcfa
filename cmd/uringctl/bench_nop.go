//go:build linux

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	iouring "github.com/go-uringcore/uringcore"
	"github.com/go-uringcore/uringcore/internal/config"
	"github.com/go-uringcore/uringcore/internal/sys"
)

func newBenchNopCommand() *cobra.Command {
	var count uint32
	var entries uint32
	var configPath string

	cmd := &cobra.Command{
		Use:   "bench-nop",
		Short: "Round-trip a batch of no-op SQEs and report throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []iouring.Option{}
			if configPath != "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("invalid config: %w", err)
				}
				opts = append(opts, iouring.WithParams(cfg.Params()))
			}

			ring, err := iouring.New(entries, opts...)
			if err != nil {
				return fmt.Errorf("open ring: %w", err)
			}
			defer ring.Close()

			log.Debug().Uint32("sq_entries", ring.SQEntries()).
				Uint32("cq_entries", ring.CQEntries()).Msg("ring opened")

			start := time.Now()
			var completed uint32
			for completed < count {
				batch := count - completed
				if batch > ring.SQEntries() {
					batch = ring.SQEntries()
				}
				for i := uint32(0); i < batch; i++ {
					if err := ring.PrepNop(uint64(completed + i)); err != nil {
						return fmt.Errorf("prep nop: %w", err)
					}
				}
				if _, err := ring.SubmitAndWait(batch); err != nil {
					return fmt.Errorf("submit: %w", err)
				}
				if err := ring.ForEachCQE(func(cqe *sys.CQE) error {
					return nil
				}); err != nil {
					return fmt.Errorf("drain completions: %w", err)
				}
				completed += batch
			}
			elapsed := time.Since(start)

			fmt.Printf("%d nops in %s (%.0f ops/sec)\n", count, elapsed, float64(count)/elapsed.Seconds())
			return nil
		},
	}

	cmd.Flags().Uint32VarP(&count, "count", "n", 100_000, "number of no-op round trips")
	cmd.Flags().Uint32Var(&entries, "entries", 256, "submission queue entries")
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML file with ring setup overrides")
	return cmd
}
