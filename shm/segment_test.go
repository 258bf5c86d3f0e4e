//go:build unix

package shm

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withSegmentDir(t *testing.T) {
	t.Helper()
	old := SegmentDir
	SegmentDir = t.TempDir()
	t.Cleanup(func() { SegmentDir = old })
}

func TestSegmentSharedBetweenMappings(t *testing.T) {
	withSegmentDir(t)

	owner, err := CreateSegment(PageSize, 4*PageSize)
	require.NoError(t, err)
	defer owner.Close()

	peer, err := OpenSegment(owner.ID())
	require.NoError(t, err)
	defer peer.Close()

	assert.Equal(t, owner.Cap(), peer.Cap())

	owner.Store(HeaderSize, 42)
	assert.Equal(t, uint32(42), peer.Load(HeaderSize))

	// growth is recorded in the shared header
	_, err = owner.Grow(2 * PageSize)
	require.NoError(t, err)
	assert.Equal(t, uint32(2*PageSize), peer.Size())
}

func TestSegmentCloseRemovesFile(t *testing.T) {
	withSegmentDir(t)

	b, err := CreateSegment(PageSize, PageSize)
	require.NoError(t, err)
	path := SegmentPath(b.ID())

	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenSegmentRejectsMalformedID(t *testing.T) {
	withSegmentDir(t)

	_, err := OpenSegment("../../etc/passwd")
	assert.True(t, errors.Is(err, ErrUnknownMemory))
}

func TestSegmentTable(t *testing.T) {
	withSegmentDir(t)

	owner, err := CreateSegment(PageSize, PageSize)
	require.NoError(t, err)
	defer owner.Close()

	tbl := NewSegmentTable()
	first, err := tbl.Resolve(owner.ID())
	require.NoError(t, err)
	second, err := tbl.Resolve(owner.ID())
	require.NoError(t, err)
	assert.Same(t, first, second)

	require.NoError(t, tbl.Close())
}

func TestPruneSegmentsKeepsLiveSegments(t *testing.T) {
	withSegmentDir(t)

	live, err := CreateSegment(PageSize, PageSize)
	require.NoError(t, err)
	defer live.Close()

	// a segment whose owner is gone: file present, lock file unlocked
	stale := SegmentPath("00000000-0000-0000-0000-000000000001")
	require.NoError(t, os.WriteFile(stale, make([]byte, PageSize), 0600))
	require.NoError(t, os.WriteFile(stale+".lock", nil, 0600))

	pruned, err := PruneSegments()
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(SegmentPath(live.ID()))
	assert.NoError(t, err)
}
