package core

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentlyWalkDir(t *testing.T) {
	tmpdir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(tmpdir, "nested"), 0o755))
	var expected []string
	for i := 0; i < 10; i++ {
		dir := tmpdir
		if i%2 == 0 {
			dir = filepath.Join(tmpdir, "nested")
		}
		ext := ".mcd"
		if i == 3 {
			ext = ".MCD"
		}
		path := filepath.Join(dir, strconv.Itoa(i)+ext)
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		expected = append(expected, path)
		require.NoError(t, os.WriteFile(filepath.Join(dir, strconv.Itoa(i)+".dcm"), nil, 0o644))
	}

	var (
		mu    sync.Mutex
		files []string
	)
	err := ConcurrentlyWalkDir(tmpdir, ".mcd", func(path string) error {
		mu.Lock()
		files = append(files, path)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	sort.Strings(files)
	sort.Strings(expected)
	assert.Equal(t, expected, files)
}

func TestConcurrentlyWalkDirJoinsErrors(t *testing.T) {
	tmpdir := t.TempDir()
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(tmpdir, strconv.Itoa(i)), nil, 0o644))
	}
	failure := errors.New("failed")
	err := ConcurrentlyWalkDir(tmpdir, "", func(path string) error {
		if filepath.Base(path) == "1" {
			return failure
		}
		return nil
	})
	assert.ErrorIs(t, err, failure)

	err = ConcurrentlyWalkDir(filepath.Join(tmpdir, "absent"), "", func(string) error { return nil })
	assert.Error(t, err)
}
