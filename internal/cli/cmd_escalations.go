package cli

import (
	"fmt"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/store"
)

// newEscalationsCmd creates the escalations command group.
func newEscalationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "escalations",
		Aliases: []string{"esc"},
		Short:   "Work the human queue",
		Long: `List and settle escalations: failures that exhausted their automated
retry or fix budget and now need a person.

Example:
  swarmops escalations
  swarmops escalations resolve esc-1234 "bumped the API quota"
  swarmops escalations dismiss esc-1234 --reason "duplicate"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listEscalations(cmd)
		},
	}

	cmd.AddCommand(newEscalationsListCmd())
	cmd.AddCommand(newEscalationsResolveCmd())
	cmd.AddCommand(newEscalationsDismissCmd())
	cmd.AddCommand(newEscalationsNoteCmd())

	return cmd
}

func escalationManager() (*escalation.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	paths := config.NewPaths(cfg)
	return escalation.New(store.New(nil), paths.EscalationsFile()), nil
}

func newEscalationsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listEscalations(cmd)
		},
	}
	cmd.Flags().String("run", "", "only escalations for this run")
	return cmd
}

func listEscalations(cmd *cobra.Command) error {
	mgr, err := escalationManager()
	if err != nil {
		return err
	}

	runID, _ := cmd.Flags().GetString("run")
	var open []*escalation.Escalation
	if runID != "" {
		open, err = mgr.ByRun(runID)
	} else {
		open, err = mgr.ListOpen()
	}
	if err != nil {
		return fmt.Errorf("load escalations: %w", err)
	}

	if jsonOut {
		return printJSON(cmd.OutOrStdout(), open)
	}

	w := cmd.OutOrStdout()
	if len(open) == 0 {
		fmt.Fprintln(w, "No open escalations. 🎉")
		return nil
	}
	tw, flush := newTable(w)
	fmt.Fprintln(tw, "ID\tSEVERITY\tRUN\tTASK\tAGE\tMESSAGE")
	for _, e := range open {
		age := time.Since(e.CreatedAt).Round(time.Minute)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, severityLabel(w, e.Severity), e.RunID, e.TaskID, age, truncate(e.Message, 60))
	}
	flush()
	return nil
}

func newEscalationsResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id> <resolution>",
		Short: "Resolve an escalation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := escalationManager()
			if err != nil {
				return err
			}
			e, err := mgr.Resolve(args[0], args[1], currentUser())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), e)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s\n", e.ID)
			return nil
		},
	}
}

func newEscalationsDismissCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Dismiss an escalation without action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := escalationManager()
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString("reason")
			e, err := mgr.Dismiss(args[0], reason)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), e)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dismissed %s\n", e.ID)
			return nil
		},
	}
	cmd.Flags().String("reason", "", "why the escalation needs no action")
	return cmd
}

func newEscalationsNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note <id> <text>",
		Short: "Attach a note to an escalation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := escalationManager()
			if err != nil {
				return err
			}
			e, err := mgr.AddNote(args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), e)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Noted on %s\n", e.ID)
			return nil
		},
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}
