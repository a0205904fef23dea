//go:build unix

package shm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapBackend(t *testing.T) {
	b := NewHeapBackend()

	seg, err := b.Create("seg", 100, false)
	require.NoError(t, err)
	assert.Equal(t, 100, seg.Size())
	seg.Bytes()[10] = 42

	again, err := b.Open("seg")
	require.NoError(t, err)
	assert.Equal(t, byte(42), again.Bytes()[10])

	_, err = b.Create("seg", 100, false)
	assert.ErrorIs(t, err, ErrExists)

	_, err = b.Create("bad/name", 100, false)
	assert.ErrorIs(t, err, ErrInvalidName)

	names, err := b.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"seg"}, names)

	require.NoError(t, b.Remove("seg"))
	require.NoError(t, b.Remove("seg"))
	_, err = b.Open("seg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackendSharesMemory(t *testing.T) {
	dir := t.TempDir()
	creator := NewFileBackend(dir)
	opener := NewFileBackend(dir)

	a, err := Create(creator, "file_arena", 1<<18, Options{Slots: 64, DirEntries: 16})
	require.NoError(t, err)
	defer a.Close()

	x, err := FromSlice(a, []int64{7, 8, 9})
	require.NoError(t, err)
	require.NoError(t, a.Bind("numbers", x.Ref()))

	b, err := Attach(opener, "file_arena")
	require.NoError(t, err)
	defer b.Close()

	r, err := b.Acquire("numbers")
	require.NoError(t, err)
	y, err := AdoptArray(b, r)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8, 9}, View[int64](y))

	View[int64](y)[0] = 70
	assert.Equal(t, int64(70), View[int64](x)[0])

	require.NoError(t, y.Release())
	assert.Equal(t, int64(1), x.RefCount())

	_, err = Create(creator, "file_arena", 1<<18, Options{Slots: 64, DirEntries: 16})
	assert.ErrorIs(t, err, ErrExists)

	require.NoError(t, a.Remove())
	require.NoError(t, a.Remove())
	_, err = os.Stat(filepath.Join(dir, "file_arena"))
	assert.True(t, os.IsNotExist(err))

	_, err = Attach(opener, "file_arena")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNameLogCleanAll(t *testing.T) {
	log := NewNameLog(filepath.Join(t.TempDir(), "names"))
	b := Track(NewHeapBackend(), log)

	for _, name := range []string{"one", "two", "three"} {
		seg, err := b.Create(name, 64, false)
		require.NoError(t, err)
		seg.Close()
	}

	names, err := log.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, names)

	removed, err := log.CleanAll(b)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	left, err := b.List()
	require.NoError(t, err)
	assert.Empty(t, left)

	removed, err = log.CleanAll(b)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestSweep(t *testing.T) {
	b := NewHeapBackend()
	for _, name := range []string{"vizflow_a", "vizflow_objects_1_m2_r0", "other"} {
		_, err := b.Create(name, 64, false)
		require.NoError(t, err)
	}

	removed, err := Sweep(b, "vizflow_*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"vizflow_a", "vizflow_objects_1_m2_r0"}, removed)

	left, err := b.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, left)

	_, err = Sweep(b, "[")
	assert.Error(t, err)
}
