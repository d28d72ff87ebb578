package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/roles"
	"github.com/swarmops/swarmops/internal/store"
)

// newRolesCmd creates the roles command.
func newRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List the configured agent roles",
		Long: `List agent roles. Roles live in roles.json under the data root; prompt
bodies resolve from data/prompts/<id>.md with embedded defaults.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			paths := config.NewPaths(cfg)
			rs := roles.New(store.New(nil), paths.RolesFile(), paths.PromptsDir())
			if err := rs.Seed(); err != nil {
				return fmt.Errorf("seed roles: %w", err)
			}
			all, err := rs.List()
			if err != nil {
				return fmt.Errorf("list roles: %w", err)
			}

			if jsonOut {
				return printJSON(cmd.OutOrStdout(), all)
			}

			tw, flush := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tNAME\tMODEL\tTHINKING")
			for _, r := range all {
				model := r.Model
				if model == "" {
					model = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Name, model, r.Thinking)
			}
			flush()
			return nil
		},
	}
}
