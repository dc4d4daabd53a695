package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rotatedFiles(t *testing.T, path string) []string {
	t.Helper()
	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	return matches
}

func TestRotatingWriter(t *testing.T) {
	t.Run("creates parent directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "plugd.log")
		rw, err := NewRotatingWriter(path, 1, 0, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(path)
		assert.NoError(t, err)
	})

	t.Run("rotates past the size limit", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plugd.log")
		rw, err := NewRotatingWriter(path, 1, 0, false)
		require.NoError(t, err)
		defer rw.Close()

		line := []byte(strings.Repeat("x", 700*1024))
		_, err = rw.Write(line)
		require.NoError(t, err)
		assert.Empty(t, rotatedFiles(t, path))

		_, err = rw.Write(line)
		require.NoError(t, err)
		assert.Len(t, rotatedFiles(t, path), 1)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, int64(len(line)), info.Size())
	})

	t.Run("compresses rotated files", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plugd.log")
		rw, err := NewRotatingWriter(path, 1, 0, true)
		require.NoError(t, err)
		defer rw.Close()

		line := []byte(strings.Repeat("y", 700*1024))
		for i := 0; i < 2; i++ {
			_, err = rw.Write(line)
			require.NoError(t, err)
		}

		rotated := rotatedFiles(t, path)
		require.Len(t, rotated, 1)
		assert.True(t, strings.HasSuffix(rotated[0], ".gz"))
	})

	t.Run("removes expired rotations on open", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plugd.log")
		old := path + ".20200101-000000.000"
		require.NoError(t, os.WriteFile(old, []byte("old"), 0o644))
		stale := time.Now().AddDate(0, 0, -30)
		require.NoError(t, os.Chtimes(old, stale, stale))

		rw, err := NewRotatingWriter(path, 1, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(old)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("close is idempotent", func(t *testing.T) {
		rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "plugd.log"), 1, 0, false)
		require.NoError(t, err)
		assert.NoError(t, rw.Close())
		assert.NoError(t, rw.Close())
	})
}
