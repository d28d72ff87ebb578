package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestReadJSONNotFound(t *testing.T) {
	_, err := ReadJSON[counter](filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestWriteJSONAtomicRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.json")

	want := counter{Name: "spawns", Count: 42}
	require.NoError(t, WriteJSONAtomic(path, want))

	got, err := ReadJSON[counter](path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// No stray temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestUpdateCreatesWhenMissing(t *testing.T) {
	s := New(nil)
	path := filepath.Join(t.TempDir(), "state.json")

	got, err := Update(s, path, func(cur counter, found bool) (counter, error) {
		assert.False(t, found)
		cur.Name = "fresh"
		cur.Count = 1
		return cur, nil
	})
	require.NoError(t, err)
	assert.Equal(t, counter{Name: "fresh", Count: 1}, got)

	onDisk, err := ReadJSON[counter](path)
	require.NoError(t, err)
	assert.Equal(t, got, onDisk)
}

func TestUpdateSerializesConcurrentWriters(t *testing.T) {
	s := New(nil)
	path := filepath.Join(t.TempDir(), "counter.json")

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Update(s, path, func(cur counter, found bool) (counter, error) {
				cur.Count++
				return cur, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := ReadJSON[counter](path)
	require.NoError(t, err)
	assert.Equal(t, writers, got.Count)
}

func TestUpdateErrorLeavesFileUntouched(t *testing.T) {
	s := New(nil)
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, WriteJSONAtomic(path, counter{Name: "keep", Count: 7}))

	boom := errors.New("boom")
	_, err := Update(s, path, func(cur counter, found bool) (counter, error) {
		return counter{}, boom
	})
	require.ErrorIs(t, err, boom)

	got, err := ReadJSON[counter](path)
	require.NoError(t, err)
	assert.Equal(t, counter{Name: "keep", Count: 7}, got)
}

func TestAppendAndFoldJSONL(t *testing.T) {
	s := New(nil)
	path := filepath.Join(t.TempDir(), "feed.jsonl")

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.AppendJSONL(path, counter{Name: "n", Count: i}))
	}

	var got []int
	err := s.FoldJSONL(path, func(line []byte) error {
		var c counter
		if err := json.Unmarshal(line, &c); err != nil {
			return err
		}
		got = append(got, c.Count)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestFoldJSONLToleratesBadLines(t *testing.T) {
	s := New(nil)
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	content := `{"name":"ok","count":1}
not json at all
{"name":"ok","count":2}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	var got []int
	err := s.FoldJSONL(path, func(line []byte) error {
		var c counter
		if err := json.Unmarshal(line, &c); err != nil {
			return err
		}
		got = append(got, c.Count)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)
}

func TestFoldJSONLMissingFileIsNoop(t *testing.T) {
	s := New(nil)
	err := s.FoldJSONL(filepath.Join(t.TempDir(), "absent.jsonl"), func([]byte) error {
		t.Fatal("accept should not be called")
		return nil
	})
	require.NoError(t, err)
}
