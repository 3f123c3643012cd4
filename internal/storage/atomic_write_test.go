package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteFile(t *testing.T) {
	t.Run("successful write", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "test.txt")
		require.NoError(t, AtomicWriteFile(filename, []byte("hello world"), 0o644))
		got, err := os.ReadFile(filename)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(got))
	})

	t.Run("overwrite", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "test.txt")
		require.NoError(t, AtomicWriteFile(filename, []byte("one"), 0o644))
		require.NoError(t, AtomicWriteFile(filename, []byte("two"), 0o644))
		got, err := os.ReadFile(filename)
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))
		entries, err := os.ReadDir(filepath.Dir(filename))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "temp files must not linger")
	})

	t.Run("nested directory", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "a", "b", "c", "test.txt")
		require.NoError(t, AtomicWriteFile(filename, []byte("nested"), 0o644))
		got, err := os.ReadFile(filename)
		require.NoError(t, err)
		assert.Equal(t, "nested", string(got))
	})

	t.Run("directory creation failure", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("file-as-parent semantics differ on windows")
		}
		parent := filepath.Join(t.TempDir(), "parent")
		require.NoError(t, os.WriteFile(parent, []byte("file"), 0o644))
		filename := filepath.Join(parent, "test.txt")
		assert.Error(t, AtomicWriteFile(filename, []byte("data"), 0o644))
		_, err := os.Stat(filename)
		assert.Error(t, err)
	})

	t.Run("rename failure cleans up", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "test.txt")
		require.NoError(t, os.Mkdir(filename, 0o755))
		err := AtomicWriteFile(filename, []byte("data"), 0o644)
		var renameErr RenameError
		require.True(t, errors.As(err, &renameErr), "got %T: %v", err, err)
		_, statErr := os.Stat(renameErr.TempPath())
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "project.lock")

	l, err := TryLock(path)
	require.NoError(t, err)
	// flock is per open file description, so a second open contends even
	// within one process
	_, err = TryLock(path)
	assert.ErrorIs(t, err, ErrWouldBlock)
	require.NoError(t, l.Unlock())
	require.NoError(t, l.Unlock())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	l, err = TryLock(path)
	require.NoError(t, err)
	require.NoError(t, l.Unlock())
}

func TestWaitLock_ContextDone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "project.lock")
	l, err := TryLock(path)
	require.NoError(t, err)
	defer l.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = WaitLock(ctx, path)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithLock_Serializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "project.lock")
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(context.Background(), path, func() error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside.Load())
}
