// Package skills appends skill documents to worker prompts when a task
// matches an augmentation rule. Rules match on role plus task title
// keywords or glob patterns; documents resolve from data/skills/
// overrides, then the embedded defaults.
package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/swarmops/swarmops/templates"
)

// Rule attaches one skill document to matching tasks.
type Rule struct {
	// Skill is the document name (skills/<name>.md).
	Skill string `json:"skill"`

	// Roles limits the rule to these role ids. Empty means any role.
	Roles []string `json:"roles,omitempty"`

	// Keywords match against the task title: single words match whole
	// words, phrases match as substrings. Case-insensitive.
	Keywords []string `json:"keywords,omitempty"`

	// TitleGlobs are doublestar patterns matched against the lowercased
	// title, e.g. "*{dashboard,chart}*".
	TitleGlobs []string `json:"titleGlobs,omitempty"`
}

// DefaultRules returns the built-in rule set: builder tasks that sound
// like web UI work get the web-visuals skill.
func DefaultRules() []Rule {
	return []Rule{
		{
			Skill: "web-visuals",
			Roles: []string{"builder"},
			Keywords: []string{
				"ui", "frontend", "css", "html", "page", "component",
				"style", "styling", "layout", "design", "react", "vue",
				"form", "modal", "responsive", "navbar", "landing page",
			},
		},
	}
}

// Augmenter applies rules to worker prompts.
type Augmenter struct {
	skillsDir string
	rules     []Rule
	logger    *slog.Logger
}

// New creates an Augmenter. skillsDir holds operator overrides for
// skill documents; rules defaults to DefaultRules when empty.
func New(skillsDir string, rules []Rule, logger *slog.Logger) *Augmenter {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Augmenter{skillsDir: skillsDir, rules: rules, logger: logger}
}

// Match returns the skill names whose rules match (roleID, title), in
// rule order and deduplicated.
func (a *Augmenter) Match(roleID, title string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, r := range a.rules {
		if !r.matches(roleID, title) || seen[r.Skill] {
			continue
		}
		seen[r.Skill] = true
		names = append(names, r.Skill)
	}
	return names
}

func (r Rule) matches(roleID, title string) bool {
	if len(r.Roles) > 0 {
		ok := false
		for _, id := range r.Roles {
			if id == roleID {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	lower := strings.ToLower(title)
	words := splitWords(lower)

	for _, kw := range r.Keywords {
		kw = strings.ToLower(kw)
		if strings.ContainsRune(kw, ' ') {
			if strings.Contains(lower, kw) {
				return true
			}
			continue
		}
		if words[kw] {
			return true
		}
	}
	for _, pat := range r.TitleGlobs {
		ok, err := doublestar.Match(strings.ToLower(pat), lower)
		if err != nil {
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// splitWords indexes the whole words of a lowercased title. Keyword
// matching is word-based so "ui" does not fire on "build".
func splitWords(lower string) map[string]bool {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	words := make(map[string]bool, len(fields))
	for _, f := range fields {
		words[f] = true
	}
	return words
}

// Augment appends every matched skill document to prompt. A missing
// document is logged and skipped; augmentation never fails a dispatch.
func (a *Augmenter) Augment(prompt, roleID, title string) string {
	for _, name := range a.Match(roleID, title) {
		doc, err := a.Doc(name)
		if err != nil {
			a.logger.Warn("skill document unavailable", "skill", name, "error", err)
			continue
		}
		prompt = prompt + "\n\n---\n\n" + strings.TrimSpace(doc) + "\n"
	}
	return prompt
}

// Doc resolves a skill document: data/skills/<name>.md override first,
// then the embedded default.
func (a *Augmenter) Doc(name string) (string, error) {
	if a.skillsDir != "" {
		if data, err := os.ReadFile(filepath.Join(a.skillsDir, name+".md")); err == nil {
			return string(data), nil
		}
	}
	data, err := templates.Skills.ReadFile("skills/" + name + ".md")
	if err != nil {
		return "", fmt.Errorf("skill %s not found", name)
	}
	return string(data), nil
}
