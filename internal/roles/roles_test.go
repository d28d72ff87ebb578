package roles

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/swarmerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(store.New(nil), filepath.Join(dir, "roles.json"), filepath.Join(dir, "prompts"))
}

func TestSeedAndGet(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Seed())

	r, err := s.Get("builder")
	require.NoError(t, err)
	assert.Equal(t, "Builder", r.Name)
	assert.Equal(t, ThinkingMedium, r.Thinking)
	assert.NotEmpty(t, r.Model)

	list, err := s.List()
	require.NoError(t, err)
	assert.Len(t, list, len(Defaults()))

	// Seeding again does not clobber.
	r.Name = "Custom Builder"
	require.NoError(t, s.Save(r))
	require.NoError(t, s.Seed())
	again, err := s.Get("builder")
	require.NoError(t, err)
	assert.Equal(t, "Custom Builder", again.Name)
}

func TestGetUnknownRole(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Seed())

	_, err := s.Get("astronaut")
	var se *swarmerr.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, swarmerr.CodeRoleNotFound, se.Code)
}

func TestCacheTTL(t *testing.T) {
	s := newTestStore(t)
	current := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s.SetNowFunc(func() time.Time { return current })
	require.NoError(t, s.Seed())

	_, err := s.Get("builder")
	require.NoError(t, err)

	// Mutate the file behind the store's back; within the TTL the cache
	// still answers.
	require.NoError(t, store.WriteJSONAtomic(s.path, map[string]*Role{
		"builder": {ID: "builder", Name: "Edited On Disk"},
	}))
	r, err := s.Get("builder")
	require.NoError(t, err)
	assert.Equal(t, "Builder", r.Name)

	current = current.Add(6 * time.Second)
	r, err = s.Get("builder")
	require.NoError(t, err)
	assert.Equal(t, "Edited On Disk", r.Name)
}

func TestSaveInvalidatesCache(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Seed())

	r, err := s.Get("fixer")
	require.NoError(t, err)

	edited := *r
	edited.Model = "haiku"
	require.NoError(t, s.Save(&edited))

	got, err := s.Get("fixer")
	require.NoError(t, err)
	assert.Equal(t, "haiku", got.Model)
}

func TestInstructionsResolutionChain(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Seed())

	// Embedded default.
	r, err := s.Get("builder")
	require.NoError(t, err)
	text, source, err := s.Instructions(r)
	require.NoError(t, err)
	assert.Equal(t, "embedded", source)
	assert.Contains(t, text, "worktree")

	// Disk override wins over embedded.
	require.NoError(t, os.MkdirAll(s.promptsDir, 0o755))
	diskPath := filepath.Join(s.promptsDir, "builder.md")
	require.NoError(t, os.WriteFile(diskPath, []byte("custom builder prompt"), 0o644))
	text, source, err = s.Instructions(r)
	require.NoError(t, err)
	assert.Equal(t, diskPath, source)
	assert.Equal(t, "custom builder prompt", text)

	// Inline instructions win over everything.
	r.Instructions = "inline wins"
	text, source, err = s.Instructions(r)
	require.NoError(t, err)
	assert.Equal(t, "inline", source)
	assert.Equal(t, "inline wins", text)
}

func TestInstructionsMissingEverywhere(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Instructions(&Role{ID: "astronaut"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "astronaut")
}
