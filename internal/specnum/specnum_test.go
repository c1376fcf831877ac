package specnum

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserve_StartsAtOne(t *testing.T) {
	c := New(t.TempDir())

	res, err := c.Reserve("first-task")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Number)
	assert.Equal(t, "001", res.ID)
	assert.Equal(t, "001-first-task", res.Name)
	assert.DirExists(t, res.Dir)
}

func TestReserve_ContinuesFromExisting(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "specs", "007-older"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "specs", "012-newer"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "specs", "notes"), 0o755))

	res, err := New(root).Reserve("next-task")
	require.NoError(t, err)
	assert.Equal(t, 13, res.Number)
	assert.Equal(t, "013-next-task", res.Name)
}

func TestReserve_SeesWorktreeSpecs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "specs", "003-main-side"), 0o755))
	wtSpecs := filepath.Join(root, ".auto-claude", "worktrees", "tasks", "other-task", "specs")
	require.NoError(t, os.MkdirAll(filepath.Join(wtSpecs, "009-worktree-side"), 0o755))

	res, err := New(root).Reserve("next-task")
	require.NoError(t, err)
	assert.Equal(t, 10, res.Number)
}

func TestNext_PeeksWithoutReserving(t *testing.T) {
	root := t.TempDir()
	c := New(root)

	assert.Equal(t, 1, c.Next())
	assert.Equal(t, 1, c.Next())

	_, err := c.Reserve("task")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Next())
}

func TestReserve_ParallelReservationsAreUnique(t *testing.T) {
	root := t.TempDir()

	const workers = 12
	numbers := make([]int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := New(root).Reserve(fmt.Sprintf("task-%d", i))
			require.NoError(t, err)
			numbers[i] = res.Number
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, workers)
	for _, n := range numbers {
		assert.False(t, seen[n], "spec number %d reserved twice", n)
		seen[n] = true
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, workers)
	}
}
