//go:build linux

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	iouring "github.com/go-uringcore/uringcore"
	"github.com/go-uringcore/uringcore/internal/sys"
)

func newProbeCommand() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Query which io_uring opcodes this kernel supports",
		RunE: func(cmd *cobra.Command, args []string) error {
			probe, err := iouring.GetProbe()
			if err != nil {
				return fmt.Errorf("probe: %w", err)
			}

			log.Info().Uint8("last_op", uint8(probe.LastOp())).
				Uint32("features", probe.Features()).Msg("probe complete")

			if !verbose {
				return nil
			}
			for op := uint8(0); op <= uint8(probe.LastOp()); op++ {
				supported := probe.SupportsOp(sys.Op(op))
				fmt.Printf("op %3d: supported=%v\n", op, supported)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every opcode's support status")
	return cmd
}
