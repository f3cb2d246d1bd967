package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/iyulab/plcguard/internal/platform"
)

func newLayoutsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "layouts",
		Short: "List built-in SoC layouts and their protected blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			printLayouts(cmd.OutOrStdout())
			return nil
		},
		SilenceUsage: true,
	}
}

func printLayouts(w io.Writer) {
	for _, l := range platform.Layouts() {
		fmt.Fprintf(w, "%s\t%s\n", l.Name, l.Description)
		fmt.Fprintf(w, "  pin controller 0x%08x, %d pins/register, page size %d\n",
			l.PinCtrlBase, l.PinsPerReg, l.PageSize)
		for _, b := range l.Region.Blocks {
			fmt.Fprintf(w, "  %-12s 0x%08x-0x%08x (%d bytes)\n", b.Name, b.Base, b.End(), b.Size)
		}
		fmt.Fprintf(w, "  %d kernel patch(es) for the debug register interface\n", len(l.DebugPatches))
	}
}
