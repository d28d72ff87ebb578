package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/project"
	"github.com/swarmops/swarmops/internal/runstate"
	"github.com/swarmops/swarmops/internal/store"
)

// newStatusCmd creates the status command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show projects, active runs, and the escalation queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st := store.New(nil)
			paths := config.NewPaths(cfg)
			projects := project.NewManager(st, paths)
			runs := runstate.New(st, paths)
			escalations := escalation.New(st, paths.EscalationsFile())

			names, err := projects.List()
			if err != nil {
				return fmt.Errorf("list projects: %w", err)
			}
			active, err := runs.LoadActive()
			if err != nil {
				return fmt.Errorf("load runs: %w", err)
			}
			open, err := escalations.ListOpen()
			if err != nil {
				return fmt.Errorf("load escalations: %w", err)
			}

			if jsonOut {
				type projectStatus struct {
					Name   string                 `json:"name"`
					Phase  project.LifecyclePhase `json:"phase,omitempty"`
					Status project.Status         `json:"status,omitempty"`
				}
				out := struct {
					Projects    []projectStatus          `json:"projects"`
					ActiveRuns  []*runstate.Run          `json:"activeRuns"`
					Escalations []*escalation.Escalation `json:"openEscalations"`
				}{ActiveRuns: active, Escalations: open}
				for _, name := range names {
					ps := projectStatus{Name: name}
					if s, err := projects.State(name); err == nil {
						ps.Phase, ps.Status = s.Phase, s.Status
					}
					out.Projects = append(out.Projects, ps)
				}
				return printJSON(cmd.OutOrStdout(), out)
			}

			w := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintln(w, "No projects found.")
				fmt.Fprintf(w, "\nCreate one under %s and run: swarmops start <name>\n", cfg.ProjectsDir)
				return nil
			}

			fmt.Fprintln(w, styled(w, headerStyle, "Projects"))
			tw, flush := newTable(w)
			fmt.Fprintln(tw, "NAME\tPHASE\tSTATUS")
			for _, name := range names {
				phase, status := "-", "-"
				if s, err := projects.State(name); err == nil {
					phase, status = string(s.Phase), string(s.Status)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", name, phase, status)
			}
			flush()

			fmt.Fprintln(w, "\n"+styled(w, headerStyle, "Active runs"))
			if len(active) == 0 {
				fmt.Fprintln(w, styled(w, dimStyle, "  none"))
			} else {
				tw, flush = newTable(w)
				fmt.Fprintln(tw, "RUN\tOWNER\tSTATUS\tPHASE")
				for _, r := range active {
					owner := r.ProjectName
					if owner == "" {
						owner = "pipeline:" + r.PipelineID
					}
					fmt.Fprintf(tw, "%s\t%s\t%s %s\t%d\n",
						r.RunID, owner, runStatusIcon(r.Status), r.Status, r.CurrentPhaseNumber)
				}
				flush()
			}

			if len(open) > 0 {
				fmt.Fprintf(w, "\n%s — run: swarmops escalations\n",
					styled(w, warnStyle, formatCount(len(open), "open escalation")))
			}
			return nil
		},
	}
}
