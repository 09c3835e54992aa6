package extent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/kotazzz/extfs/block"
	"github.com/kotazzz/extfs/codec"
	"github.com/kotazzz/extfs/extent"
	"github.com/kotazzz/extfs/superblock"
)

func newStoreAndInode(t *testing.T, blockSize uint32, totalBlocks uint64) (*superblock.Store, *codec.Inode) {
	backing := make([]byte, blockSize*uint32(totalBlocks))
	stream := bytesextra.NewReadWriteSeeker(backing)
	dev := block.NewDevice(stream, nil, blockSize, totalBlocks)

	store, err := superblock.Format(dev, superblock.FormatOptions{
		BlockSize:      blockSize,
		BlocksPerGroup: 64,
		InodesPerGroup: 16,
	})
	require.Nil(t, err)

	in := &codec.Inode{}
	hdr := codec.ExtentHeader{Magic: codec.ExtentMagic, Entries: 0, MaxEntries: codec.ExtentRootCapacity, Depth: 0}
	copy(in.ExtentRoot[:codec.ExtentHeaderSize], hdr.Pack())
	return store, in
}

func TestAppendWithinInlineRootAndLookup(t *testing.T) {
	store, in := newStoreAndInode(t, 1024, 256)

	phys0, err := extent.Append(store, in, 0, 2, 0)
	require.Nil(t, err)
	phys2, err := extent.Append(store, in, 2, 1, 0)
	require.Nil(t, err)

	got0, run0, lerr := extent.Lookup(store, in, 0)
	require.Nil(t, lerr)
	assert.Equal(t, phys0, got0)
	assert.EqualValues(t, 2, run0)

	got2, _, lerr := extent.Lookup(store, in, 2)
	require.Nil(t, lerr)
	assert.Equal(t, phys2, got2)
}

func TestAppendRejectsNonEOFLogical(t *testing.T) {
	store, in := newStoreAndInode(t, 1024, 256)
	_, err := extent.Append(store, in, 0, 1, 0)
	require.Nil(t, err)

	_, err = extent.Append(store, in, 5, 1, 0)
	require.NotNil(t, err)
}

func TestRepeatedIdenticalAppendIsIdempotent(t *testing.T) {
	store, in := newStoreAndInode(t, 1024, 256)
	phys, err := extent.Append(store, in, 0, 1, 0)
	require.Nil(t, err)

	phys2, err := extent.Append(store, in, 0, 1, 0)
	require.Nil(t, err)
	assert.Equal(t, phys, phys2)
}

func TestAppendPromotesRootAfterOverflow(t *testing.T) {
	store, in := newStoreAndInode(t, 1024, 256)

	var firstPhys []uint64
	for i := uint32(0); i < 5; i++ {
		phys, err := extent.Append(store, in, i, 1, 0)
		require.Nil(t, err)
		firstPhys = append(firstPhys, phys)
	}

	hdr, herr := codec.UnpackExtentHeader(in.ExtentRoot[:codec.ExtentHeaderSize])
	require.Nil(t, herr)
	assert.EqualValues(t, 1, hdr.Depth, "root should have promoted to an index after overflowing 3 inline leaves")

	for i := uint32(0); i < 5; i++ {
		phys, _, lerr := extent.Lookup(store, in, i)
		require.Nil(t, lerr)
		assert.Equal(t, firstPhys[i], phys)
	}
}

func TestTruncateToDiscardsTrailingCoverage(t *testing.T) {
	store, in := newStoreAndInode(t, 1024, 256)
	for i := uint32(0); i < 6; i++ {
		_, err := extent.Append(store, in, i, 1, 0)
		require.Nil(t, err)
	}

	before := store.SB.FreeBlocks
	require.Nil(t, extent.TruncateTo(store, in, 3))
	assert.Greater(t, store.SB.FreeBlocks, before)

	_, _, err := extent.Lookup(store, in, 3)
	require.NotNil(t, err)
	_, _, err = extent.Lookup(store, in, 2)
	require.Nil(t, err)
}

func TestTruncateToZeroCollapsesToEmptyRoot(t *testing.T) {
	store, in := newStoreAndInode(t, 1024, 256)
	for i := uint32(0); i < 5; i++ {
		_, err := extent.Append(store, in, i, 1, 0)
		require.Nil(t, err)
	}

	require.Nil(t, extent.TruncateTo(store, in, 0))
	hdr, herr := codec.UnpackExtentHeader(in.ExtentRoot[:codec.ExtentHeaderSize])
	require.Nil(t, herr)
	assert.EqualValues(t, 0, hdr.Entries)
	assert.EqualValues(t, 0, hdr.Depth)

	_, err := extent.Append(store, in, 0, 1, 0)
	require.Nil(t, err, "tree should be reusable for appends after truncating to zero")
}
