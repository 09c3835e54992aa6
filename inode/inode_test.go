package inode_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/kotazzz/extfs/block"
	"github.com/kotazzz/extfs/codec"
	"github.com/kotazzz/extfs/inode"
	"github.com/kotazzz/extfs/superblock"
)

func newStore(t *testing.T) *superblock.Store {
	blockSize := uint32(1024)
	totalBlocks := uint64(64)
	backing := make([]byte, blockSize*uint32(totalBlocks))
	stream := bytesextra.NewReadWriteSeeker(backing)
	dev := block.NewDevice(stream, nil, blockSize, totalBlocks)

	store, err := superblock.Format(dev, superblock.FormatOptions{
		BlockSize:      blockSize,
		BlocksPerGroup: 32,
		InodesPerGroup: 16,
	})
	require.Nil(t, err)
	return store
}

func TestNewInodeIsZeroedWithValidExtentHeader(t *testing.T) {
	store := newStore(t)

	n, rec, err := inode.New(store, 0, inode.ModeRegular|0o644, 1, 1)
	require.Nil(t, err)
	assert.NotEqual(t, uint64(1), n) // inode #1 stays reserved

	hdr, herr := codec.UnpackExtentHeader(rec.ExtentRoot[:codec.ExtentHeaderSize])
	require.Nil(t, herr)
	assert.EqualValues(t, 0, hdr.Entries)
	assert.EqualValues(t, codec.ExtentRootCapacity, hdr.MaxEntries)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	store := newStore(t)

	n, rec, err := inode.New(store, 0, inode.ModeRegular|0o600, 7, 8)
	require.Nil(t, err)

	rec.SetSize(4096)
	rec.LinksCount = 1
	require.Nil(t, inode.Write(store, n, rec))

	got, rerr := inode.Read(store, n)
	require.Nil(t, rerr)
	assert.EqualValues(t, 4096, got.Size())
	assert.EqualValues(t, 1, got.LinksCount)
	assert.EqualValues(t, 7, got.Uid)
	assert.EqualValues(t, 8, got.Gid)
}

func TestModeClassifiers(t *testing.T) {
	assert.True(t, inode.IsDir(inode.ModeDir|0o755))
	assert.True(t, inode.IsRegular(inode.ModeRegular|0o644))
	assert.True(t, inode.IsSymlink(inode.ModeSymlink|0o777))
	assert.False(t, inode.IsDir(inode.ModeRegular))
}

func TestTouchUpdatesCtimeAndOptionallyMtime(t *testing.T) {
	rec := codec.Inode{Ctime: 1, Mtime: 1}
	inode.Touch(&rec, false)
	assert.NotEqual(t, uint32(1), rec.Ctime)
	assert.EqualValues(t, 1, rec.Mtime)

	inode.Touch(&rec, true)
	assert.Equal(t, rec.Ctime, rec.Mtime)
}

func TestHintGroupMatchesAllocatorRule(t *testing.T) {
	store := newStore(t)
	assert.EqualValues(t, 0, inode.HintGroup(store, 2))
	assert.EqualValues(t, 1, inode.HintGroup(store, uint64(store.SB.InodesPerGroup)+1))
}
