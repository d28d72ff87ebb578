package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/runstate"
	"github.com/swarmops/swarmops/internal/store"
)

// newRunsCmd creates the runs command.
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List runs, or show one run in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			runs := runstate.New(store.New(nil), config.NewPaths(cfg))

			if len(args) == 1 {
				return showRun(cmd, runs, args[0])
			}

			all, err := runs.List()
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			activeOnly, _ := cmd.Flags().GetBool("active")
			if activeOnly {
				var filtered []*runstate.Run
				for _, r := range all {
					if !r.Status.Terminal() {
						filtered = append(filtered, r)
					}
				}
				all = filtered
			}
			sort.Slice(all, func(i, j int) bool {
				return all[i].StartedAt.After(all[j].StartedAt)
			})

			if jsonOut {
				return printJSON(cmd.OutOrStdout(), all)
			}

			w := cmd.OutOrStdout()
			if len(all) == 0 {
				fmt.Fprintln(w, "No runs found.")
				return nil
			}
			tw, flush := newTable(w)
			fmt.Fprintln(tw, "RUN\tOWNER\tSTATUS\tPHASE\tSTARTED")
			for _, r := range all {
				owner := r.ProjectName
				if owner == "" {
					owner = "pipeline:" + r.PipelineID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s %s\t%d\t%s\n",
					r.RunID, owner, runStatusIcon(r.Status), r.Status,
					r.CurrentPhaseNumber, r.StartedAt.Format(time.RFC3339))
			}
			flush()
			return nil
		},
	}

	cmd.Flags().Bool("active", false, "only show non-terminal runs")

	return cmd
}

func showRun(cmd *cobra.Command, runs *runstate.Manager, runID string) error {
	r, err := runs.Get(runID)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), r)
	}

	w := cmd.OutOrStdout()
	owner := r.ProjectName
	if owner == "" {
		owner = "pipeline:" + r.PipelineID
	}
	fmt.Fprintf(w, "%s  %s %s\n", styled(w, headerStyle, r.RunID), runStatusIcon(r.Status), r.Status)
	fmt.Fprintf(w, "Owner:    %s\n", owner)
	fmt.Fprintf(w, "Phase:    %d\n", r.CurrentPhaseNumber)
	fmt.Fprintf(w, "Started:  %s\n", r.StartedAt.Format(time.RFC3339))
	if r.CompletedAt != nil {
		fmt.Fprintf(w, "Finished: %s\n", r.CompletedAt.Format(time.RFC3339))
	}

	if len(r.Phases) > 0 {
		fmt.Fprintln(w, "\n"+styled(w, headerStyle, "Phases"))
		tw, flush := newTable(w)
		fmt.Fprintln(tw, "N\tNAME\tSTATUS")
		for _, p := range r.Phases {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", p.Number, p.Name, p.Status)
		}
		flush()
	}

	if len(r.StepResults) > 0 {
		fmt.Fprintln(w, "\n"+styled(w, headerStyle, "Steps"))
		tw, flush := newTable(w)
		fmt.Fprintln(tw, "STEP\tORDER\tSTATUS\tDETAIL")
		for _, s := range r.StepResults {
			detail := s.Error
			if s.Status == runstate.StepSkipped && s.EscalationID != "" {
				detail = "escalation " + s.EscalationID
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.StepID, s.StepOrder, s.Status, truncate(detail, 60))
		}
		flush()
	}
	return nil
}
