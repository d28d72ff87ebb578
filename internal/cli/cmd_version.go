package cli

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version is set by the build via -ldflags.
var Version = "dev"

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the swarmops version",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := Version
			if v == "dev" {
				if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
					v = info.Main.Version
				}
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), map[string]string{"version": v})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swarmops %s\n", v)
			return nil
		},
	}
}
