package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/runstate"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// styled applies a lipgloss style only when writing to a terminal.
func styled(w io.Writer, style lipgloss.Style, s string) string {
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		return style.Render(s)
	}
	return s
}

// printJSON writes v as indented JSON, the --json output path.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTable returns a tabwriter plus a closer that flushes it.
func newTable(w io.Writer) (*tabwriter.Writer, func()) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	return tw, func() { _ = tw.Flush() }
}

func runStatusIcon(s runstate.Status) string {
	switch s {
	case runstate.StatusRunning:
		return "⏳"
	case runstate.StatusMerging:
		return "🔀"
	case runstate.StatusReviewing:
		return "🔍"
	case runstate.StatusCompleted:
		return "✅"
	case runstate.StatusFailed:
		return "❌"
	default:
		return "❓"
	}
}

func severityLabel(w io.Writer, sev escalation.Severity) string {
	switch sev {
	case escalation.SeverityCritical, escalation.SeverityHigh:
		return styled(w, errStyle, string(sev))
	case escalation.SeverityMedium:
		return styled(w, warnStyle, string(sev))
	default:
		return string(sev)
	}
}

// truncate shortens s for table cells, cutting on rune boundaries.
func truncate(s string, maxLen int) string {
	if maxLen < 4 {
		maxLen = 4
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func formatCount(n int, singular string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", singular)
	}
	return fmt.Sprintf("%d %ss", n, singular)
}
