package lockfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autoerrors "github.com/autoclaude/autoclaude/internal/errors"
)

func TestFileLock_AcquireRelease(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")

	l := New(target)
	require.NoError(t, l.Acquire(Exclusive, time.Second))
	assert.FileExists(t, l.SentinelPath())
	require.NoError(t, l.Release())

	// Reacquirable after release.
	require.NoError(t, l.Acquire(Exclusive, time.Second))
	require.NoError(t, l.Release())
}

func TestFileLock_TimeoutWhileHeld(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")

	holder := New(target)
	require.NoError(t, holder.Acquire(Exclusive, time.Second))
	defer holder.Release()

	waiter := New(target)
	start := time.Now()
	err := waiter.Acquire(Exclusive, 100*time.Millisecond)
	require.Error(t, err)

	coreErr := autoerrors.AsCoreError(err)
	require.NotNil(t, coreErr)
	assert.Equal(t, autoerrors.CodeLockTimeout, coreErr.Code)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestFileLock_SharedReadersCoexist(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")

	a := New(target)
	b := New(target)
	require.NoError(t, a.Acquire(Shared, time.Second))
	require.NoError(t, b.Acquire(Shared, time.Second))

	// A writer must wait.
	w := New(target)
	err := w.Acquire(Exclusive, 50*time.Millisecond)
	assert.Error(t, err)

	require.NoError(t, a.Release())
	require.NoError(t, b.Release())
	require.NoError(t, w.Acquire(Exclusive, time.Second))
	require.NoError(t, w.Release())
}

func TestAtomicWrite_ReplacesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, AtomicWrite(path, []byte(`{"v":1}`), 0o644))
	require.NoError(t, AtomicWrite(path, []byte(`{"v":2}`), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))

	// No temp droppings left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWithLock_ReleasedOnError(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")

	err := WithLock(target, time.Second, func() error {
		return os.ErrInvalid
	})
	assert.ErrorIs(t, err, os.ErrInvalid)

	// Lock must be free again.
	l := New(target)
	require.NoError(t, l.Acquire(Exclusive, 200*time.Millisecond))
	require.NoError(t, l.Release())
}

func TestLockedJSONUpdate_FreshAndExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.json")

	type counter struct {
		N int `json:"n"`
	}

	bump := func(current []byte) (any, error) {
		var c counter
		if current != nil {
			if err := json.Unmarshal(current, &c); err != nil {
				return nil, err
			}
		}
		c.N++
		return &c, nil
	}

	require.NoError(t, LockedJSONUpdate(path, time.Second, bump))
	require.NoError(t, LockedJSONUpdate(path, time.Second, bump))

	var c counter
	ok, err := ReadJSON(path, time.Second, &c)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, c.N)
}

func TestLockedJSONUpdate_NilLeavesFileAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, AtomicWrite(path, []byte(`{"keep":true}`), 0o644))

	require.NoError(t, LockedJSONUpdate(path, time.Second, func(current []byte) (any, error) {
		return nil, nil
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"keep":true}`, string(data))
}

func TestLockedJSONUpdate_ConcurrentCounters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.json")

	type counter struct {
		N int `json:"n"`
	}

	var wg sync.WaitGroup
	const workers = 8
	const perWorker = 5
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				err := LockedJSONUpdate(path, 5*time.Second, func(current []byte) (any, error) {
					var c counter
					if current != nil {
						if err := json.Unmarshal(current, &c); err != nil {
							return nil, err
						}
					}
					c.N++
					return &c, nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	var c counter
	ok, err := ReadJSON(path, time.Second, &c)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workers*perWorker, c.N)
}

func TestReadJSON_Missing(t *testing.T) {
	var out map[string]any
	ok, err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), time.Second, &out)
	require.NoError(t, err)
	assert.False(t, ok)
}
