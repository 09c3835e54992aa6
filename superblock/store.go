// Package superblock owns the global filesystem header, the group
// descriptor table, and the bitmap-backed block/inode allocators that
// depend on both. Mutations always happen in the order the spec mandates:
// bitmap bit, then group descriptor count, then superblock count, with
// every touched block written back before the call returns.
package superblock

import (
	"github.com/kotazzz/extfs/bitmap"
	"github.com/kotazzz/extfs/block"
	"github.com/kotazzz/extfs/codec"
	"github.com/kotazzz/extfs/errors"
)

// FormatOptions describes the geometry used to initialize a fresh image,
// mirroring disko's Format()-by-options-struct convention.
type FormatOptions struct {
	BlockSize      uint32
	BlocksPerGroup uint32
	InodesPerGroup uint32
}

// DefaultFormatOptions are the geometry defaults used by the image
// formatter when the caller doesn't override them.
var DefaultFormatOptions = FormatOptions{
	BlockSize:      4096,
	BlocksPerGroup: 8192,
	InodesPerGroup: 2048,
}

// Store bundles the mounted superblock, the group descriptor table, and
// the block device they describe. It's the root of every layout
// computation in the filesystem: inode-to-block-group math, bitmap block
// addresses, and data block ranges all flow from here.
type Store struct {
	Device *block.Device
	SB     codec.Superblock
	Groups []codec.GroupDescriptor
}

const groupDescTableOffset = codec.SuperblockSize

// GroupCount returns the number of block groups described by the
// superblock.
func (s *Store) GroupCount() uint64 {
	return ceilDiv(s.SB.FsSizeBlocks-uint64(s.SB.FirstDataBlock), uint64(s.SB.BlocksPerGroup))
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// InodeTableBlocksPerGroup returns how many whole blocks the inode table
// occupies within each group.
func (s *Store) InodeTableBlocksPerGroup() uint64 {
	bytesNeeded := uint64(s.SB.InodesPerGroup) * codec.InodeSize
	return ceilDiv(bytesNeeded, uint64(s.SB.BlockSize))
}

// GroupFirstBlock returns the absolute block number of the first block
// (the block bitmap) of group g.
func (s *Store) GroupFirstBlock(g uint64) uint64 {
	return uint64(s.SB.FirstDataBlock) + g*uint64(s.SB.BlocksPerGroup)
}

// DataBlocksRange returns the [start, end) absolute block range of data
// blocks available in group g, after its bitmaps and inode table.
func (s *Store) DataBlocksRange(g uint64) (uint64, uint64) {
	first := s.GroupFirstBlock(g)
	dataStart := first + 2 + s.InodeTableBlocksPerGroup()
	groupEnd := first + uint64(s.SB.BlocksPerGroup)
	if groupEnd > s.SB.FsSizeBlocks {
		groupEnd = s.SB.FsSizeBlocks
	}
	return dataStart, groupEnd
}

// InodeGroup returns the zero-based group index that owns inode n.
func InodeGroup(n uint64, inodesPerGroup uint32) uint64 {
	return (n - 1) / uint64(inodesPerGroup)
}

// Mount reads and validates the superblock and group descriptor table from
// block 0 (and beyond, if the descriptor array spills past the first
// block).
func Mount(dev *block.Device) (*Store, errors.DriverError) {
	block0, err := dev.ReadBlock(0)
	if err != nil {
		return nil, err
	}

	sb, derr := codec.UnpackSuperblock(block0[:codec.SuperblockSize])
	if derr != nil {
		return nil, derr
	}

	store := &Store{Device: dev, SB: sb}
	groupCount := store.GroupCount()
	store.Groups = make([]codec.GroupDescriptor, 0, groupCount)

	// The descriptor array begins right after the superblock and may spill
	// into subsequent blocks if it doesn't fit in block 0.
	tableBytes := groupDescTableOffset + int(groupCount)*codec.GroupDescSize
	blocksNeeded := ceilDiv(uint64(tableBytes), uint64(sb.BlockSize))

	buffer := make([]byte, 0, blocksNeeded*uint64(sb.BlockSize))
	buffer = append(buffer, block0...)
	for b := uint64(1); b < blocksNeeded; b++ {
		data, err := dev.ReadBlock(b)
		if err != nil {
			return nil, err
		}
		buffer = append(buffer, data...)
	}

	for i := uint64(0); i < groupCount; i++ {
		offset := groupDescTableOffset + int(i)*codec.GroupDescSize
		gd, derr := codec.UnpackGroupDescriptor(buffer[offset : offset+codec.GroupDescSize])
		if derr != nil {
			return nil, derr
		}
		store.Groups = append(store.Groups, gd)
	}

	return store, nil
}

// WriteSuperblock persists the in-memory superblock to block 0.
func (s *Store) WriteSuperblock() errors.DriverError {
	block0, err := s.Device.ReadBlock(0)
	if err != nil {
		return err
	}
	copy(block0[:codec.SuperblockSize], s.SB.Pack())
	return s.Device.WriteBlock(0, block0)
}

// WriteGroupDescriptor persists a single group descriptor, patching
// whichever block it lives in.
func (s *Store) WriteGroupDescriptor(g uint64) errors.DriverError {
	byteOffset := groupDescTableOffset + int(g)*codec.GroupDescSize
	blockNo := uint64(byteOffset) / uint64(s.SB.BlockSize)
	inBlockOffset := uint32(byteOffset) % s.SB.BlockSize

	data, err := s.Device.ReadBlock(blockNo)
	if err != nil {
		return err
	}
	copy(data[inBlockOffset:inBlockOffset+codec.GroupDescSize], s.Groups[g].Pack())
	return s.Device.WriteBlock(blockNo, data)
}

// readBitmapBlock loads the block or inode bitmap stored in block blockNo
// into a bitmap.Map covering totalUnits bits.
func (s *Store) readBitmapBlock(blockNo uint64, totalUnits uint) (bitmap.Map, errors.DriverError) {
	data, err := s.Device.ReadBlock(blockNo)
	if err != nil {
		return bitmap.Map{}, err
	}
	return bitmap.FromBlock(data, totalUnits), nil
}
