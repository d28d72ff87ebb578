package templates_test

import (
	"strings"
	"testing"

	"github.com/swarmops/swarmops/templates"
)

// mustReadPrompt reads an embedded role prompt and fails the test if it
// cannot be read.
func mustReadPrompt(t *testing.T, role string) string {
	t.Helper()
	data, err := templates.Prompts.ReadFile("prompts/" + role + ".md")
	if err != nil {
		t.Fatalf("failed to read embedded %s prompt: %v", role, err)
	}
	return string(data)
}

func TestAllRolePromptsEmbedded(t *testing.T) {
	roles := []string{
		"builder", "reviewer", "security-reviewer", "designer",
		"fixer", "conflict-resolver", "spec-writer",
	}
	for _, role := range roles {
		content := mustReadPrompt(t, role)
		if strings.TrimSpace(content) == "" {
			t.Errorf("embedded prompt for %s is empty", role)
		}
		if !strings.Contains(content, "webhook") {
			t.Errorf("prompt for %s never mentions the completion webhook", role)
		}
	}
}

func TestBuilderPrompt_WorktreeDiscipline(t *testing.T) {
	content := mustReadPrompt(t, "builder")

	required := []string{
		"Work only inside your worktree",
		"never switch branches",
		"Commit your work",
	}
	for _, s := range required {
		if !strings.Contains(content, s) {
			t.Errorf("builder prompt missing worktree rule: %q", s)
		}
	}
}

func TestReviewerPrompts_FindingsContract(t *testing.T) {
	for _, role := range []string{"reviewer", "security-reviewer", "designer"} {
		content := mustReadPrompt(t, role)
		for _, s := range []string{"approved", "request_changes", "findings", "description"} {
			if !strings.Contains(content, s) {
				t.Errorf("%s prompt missing review contract term: %q", role, s)
			}
		}
	}
}

func TestSpecWriterPrompt_OutputContract(t *testing.T) {
	content := mustReadPrompt(t, "spec-writer")

	required := []string{
		"specs/IMPLEMENTATION_PLAN.md",
		"progress.md",
		"@id(",
		"@depends(",
	}
	for _, s := range required {
		if !strings.Contains(content, s) {
			t.Errorf("spec-writer prompt missing output contract: %q", s)
		}
	}
}

func TestWebVisualsSkillEmbedded(t *testing.T) {
	data, err := templates.Skills.ReadFile("skills/web-visuals.md")
	if err != nil {
		t.Fatalf("failed to read embedded web-visuals skill: %v", err)
	}
	if !strings.Contains(string(data), "accessibility") &&
		!strings.Contains(string(data), "Accessibility") {
		t.Error("web-visuals skill missing accessibility guidance")
	}
}
