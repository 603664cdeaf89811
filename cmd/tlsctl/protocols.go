package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polisai/tlsession/pkg/engine"
)

func newProtocolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "protocols EXPRESSION",
		Short: "Show the protocol set an expression selects",
		Long: `Show the protocol set a protocols expression selects, for example
"all:!tlsv1.0" or "secure". The result is what the protocols setting
passes to the engine.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mask, err := engine.ParseProtocols(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (0x%02x)\n", engine.FormatProtocols(mask), mask)
			return nil
		},
	}
}
