package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/orchestrator"
)

// newStartCmd creates the start command. Start talks to the running
// serve process over its orchestrate endpoint: retry timers and pollers
// live there, so the run must be owned by that process.
func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [project]",
		Short: "Start a pipeline run",
		Long: `Start a project run, or a stored pipeline with --pipeline.

Requires a running "swarmops serve".

Example:
  swarmops start my-app
  swarmops start --pipeline default`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipelineID, _ := cmd.Flags().GetString("pipeline")
			req := orchestrator.OrchestrateRequest{Action: "start", PipelineID: pipelineID}
			if len(args) == 1 {
				req.Project = args[0]
			}
			if (req.Project == "") == (req.PipelineID == "") {
				return fmt.Errorf("name exactly one of a project argument or --pipeline")
			}
			return postOrchestrate(cmd, req)
		},
	}

	cmd.Flags().String("pipeline", "", "stored pipeline id to run instead of a project")

	return cmd
}

// newContinueCmd creates the continue command.
func newContinueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "continue <run-id>",
		Short: "Re-dispatch a run's current phase",
		Long: `Re-invoke the dispatcher for a run. Deduplication makes this safe to
repeat; only tasks without a live worker are spawned.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postOrchestrate(cmd, orchestrator.OrchestrateRequest{
				Action: "continue", RunID: args[0],
			})
		},
	}
}

// newCancelCmd creates the cancel command.
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Long: `Cancel a run: running workers are marked cancelled, retry timers are
dropped, and late webhooks from already-spawned agents are ignored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postOrchestrate(cmd, orchestrator.OrchestrateRequest{
				Action: "cancel", RunID: args[0],
			})
		},
	}
}

func postOrchestrate(cmd *cobra.Command, req orchestrator.OrchestrateRequest) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	url := cfg.WebhookBaseURL() + "/orchestrate"
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("reach orchestrator at %s (is \"swarmops serve\" running?): %w", url, err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Status  string                          `json:"status"`
		Message string                          `json:"message"`
		Result  *orchestrator.OrchestrateResult `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode orchestrator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || parsed.Status != "ok" {
		return fmt.Errorf("%s failed: %s", req.Action, parsed.Message)
	}

	if jsonOut {
		return printJSON(cmd.OutOrStdout(), parsed.Result)
	}
	out := cmd.OutOrStdout()
	switch req.Action {
	case "start":
		fmt.Fprintf(out, "Run %s started (%s spawned)\n",
			parsed.Result.RunID, formatCount(parsed.Result.Spawned, "worker"))
	case "continue":
		fmt.Fprintf(out, "Run %s re-dispatched (%s spawned)\n",
			parsed.Result.RunID, formatCount(parsed.Result.Spawned, "worker"))
	case "cancel":
		fmt.Fprintf(out, "Run %s cancelled\n", parsed.Result.RunID)
	}
	return nil
}
