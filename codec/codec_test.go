package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotazzz/extfs/errors"
)

func TestSuperblockRoundTrip(t *testing.T) {
	sb := Superblock{
		FsSizeBlocks:   2048,
		BlockSize:      4096,
		BlocksPerGroup: 2048,
		InodesPerGroup: 512,
		TotalInodes:    512,
		FreeBlocks:     2000,
		FreeInodes:     500,
		FirstDataBlock: 1,
	}

	packed := sb.Pack()
	require.Len(t, packed, SuperblockSize)

	unpacked, err := UnpackSuperblock(packed)
	require.Nil(t, err)
	assert.Equal(t, sb.FsSizeBlocks, unpacked.FsSizeBlocks)
	assert.Equal(t, sb.BlockSize, unpacked.BlockSize)
	assert.Equal(t, sb.FreeBlocks, unpacked.FreeBlocks)
	assert.Equal(t, sb.Checksum, unpacked.Checksum)
	assert.NotZero(t, unpacked.Checksum)
}

func TestSuperblockChecksumDetectsCorruption(t *testing.T) {
	sb := Superblock{FsSizeBlocks: 100, BlockSize: 4096}
	packed := sb.Pack()
	packed[0] ^= 0xFF

	_, err := UnpackSuperblock(packed)
	require.NotNil(t, err)
	assert.Equal(t, errors.ECORRUPT, err.Errno())
}

func TestGroupDescriptorRoundTrip(t *testing.T) {
	g := GroupDescriptor{
		BlockBitmapBlock: 1,
		InodeBitmapBlock: 2,
		InodeTableBlock:  3,
		FreeBlocksCount:  1000,
		FreeInodesCount:  500,
	}
	packed := g.Pack()
	require.Len(t, packed, GroupDescSize)

	unpacked, err := UnpackGroupDescriptor(packed)
	require.Nil(t, err)
	assert.Equal(t, g, unpacked)
}

func TestInodeRoundTrip(t *testing.T) {
	n := Inode{Mode: 0x8000 | 0o644, Uid: 1, Gid: 1, LinksCount: 1}
	n.SetSize(123456789)

	packed := n.Pack()
	require.Len(t, packed, InodeSize)

	unpacked, err := UnpackInode(packed)
	require.Nil(t, err)
	assert.Equal(t, n.Mode, unpacked.Mode)
	assert.Equal(t, n.Size(), unpacked.Size())
}

func TestExtentHeaderRoundTrip(t *testing.T) {
	h := ExtentHeader{Magic: ExtentMagic, Entries: 2, MaxEntries: ExtentRootCapacity, Depth: 0}
	packed := h.Pack()
	require.Len(t, packed, ExtentHeaderSize)

	unpacked, err := UnpackExtentHeader(packed)
	require.Nil(t, err)
	assert.Equal(t, h, unpacked)
}

func TestExtentHeaderRejectsBadMagic(t *testing.T) {
	h := ExtentHeader{Magic: 0x1234, Entries: 0, MaxEntries: 3}
	_, err := UnpackExtentHeader(h.Pack())
	require.NotNil(t, err)
}

func TestExtentLeafRoundTrip(t *testing.T) {
	e := ExtentLeaf{LogicalBlock: 10, BlockCount: 5, StartBlock: 999}
	unpacked := UnpackExtentLeaf(e.Pack())
	assert.Equal(t, e, unpacked)
}

func TestExtentIndexRoundTrip(t *testing.T) {
	e := ExtentIndex{LogicalBlock: 10, ChildBlock: 77}
	unpacked := UnpackExtentIndex(e.Pack())
	assert.Equal(t, e, unpacked)
}

func TestDirEntryRoundTrip(t *testing.T) {
	d := DirEntry{InodeNum: 5, NameLen: 5, FileType: 1, Name: "hello"}
	d.EntryLen = MinDirEntryLen(len(d.Name))

	packed := d.Pack()
	require.Len(t, packed, int(d.EntryLen))

	unpacked, err := UnpackDirEntry(packed)
	require.Nil(t, err)
	assert.Equal(t, d.InodeNum, unpacked.InodeNum)
	assert.Equal(t, d.Name, unpacked.Name)
	assert.Equal(t, d.EntryLen, unpacked.EntryLen)
}

func TestDirEntryAbsorbsTrailingSlack(t *testing.T) {
	d := DirEntry{InodeNum: 7, NameLen: 1, FileType: 1, Name: "a"}
	d.EntryLen = 64 // last entry in a block absorbs free space
	packed := d.Pack()

	unpacked, err := UnpackDirEntry(packed)
	require.Nil(t, err)
	assert.Equal(t, "a", unpacked.Name)
	assert.EqualValues(t, 64, unpacked.EntryLen)
}
