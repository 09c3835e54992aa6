package superblock

import (
	"github.com/kotazzz/extfs/bitmap"
	"github.com/kotazzz/extfs/block"
	"github.com/kotazzz/extfs/codec"
	"github.com/kotazzz/extfs/errors"
)

// Format initializes a fresh image on dev: it lays out the superblock, the
// group descriptor table, and every group's bitmaps and (zeroed) inode
// table, and reserves inode #1 (the spec's "inode 0 is reserved/unused"
// rule, expressed as reserving the first usable slot rather than letting
// numbering start at a nonexistent zero). It does not create the root
// directory; that requires the inode and directory packages, which would
// import this one, so filesystem.Format does it as the next bootstrap step.
func Format(dev *block.Device, opts FormatOptions) (*Store, errors.DriverError) {
	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = DefaultFormatOptions.BlockSize
	}
	blocksPerGroup := opts.BlocksPerGroup
	if blocksPerGroup == 0 {
		blocksPerGroup = DefaultFormatOptions.BlocksPerGroup
	}
	inodesPerGroup := opts.InodesPerGroup
	if inodesPerGroup == 0 {
		inodesPerGroup = DefaultFormatOptions.InodesPerGroup
	}

	if dev.BlockSize != blockSize {
		return nil, errors.NewWithMessage(errors.EINVAL, "device block size doesn't match format options")
	}

	const firstDataBlock = 1 // block 0 is reserved for the superblock + group descriptor table
	if dev.TotalBlocks <= firstDataBlock {
		return nil, errors.NewWithMessage(errors.EINVAL, "device has no blocks")
	}
	groupCount := ceilDiv(dev.TotalBlocks-firstDataBlock, uint64(blocksPerGroup))

	sb := codec.Superblock{
		FsSizeBlocks:   dev.TotalBlocks,
		BlockSize:      blockSize,
		BlocksPerGroup: blocksPerGroup,
		InodesPerGroup: inodesPerGroup,
		TotalInodes:    groupCount * uint64(inodesPerGroup),
		FirstDataBlock: firstDataBlock,
	}

	store := &Store{
		Device: dev,
		SB:     sb,
		Groups: make([]codec.GroupDescriptor, groupCount),
	}

	inodeTableBlocks := store.InodeTableBlocksPerGroup()
	totalFreeBlocks := uint64(0)
	totalFreeInodes := uint64(0)

	for g := uint64(0); g < groupCount; g++ {
		first := store.GroupFirstBlock(g)
		blockBitmapBlock := first
		inodeBitmapBlock := first + 1
		inodeTableBlock := first + 2
		blocksInGroup := store.groupBlockCount(g)
		metadataBlocks := uint(2 + inodeTableBlocks)

		blockBitmapData := make([]byte, blockSize)
		bm := bitmap.FromBlock(blockBitmapData, blocksInGroup)
		for i := uint(0); i < metadataBlocks && i < blocksInGroup; i++ {
			bm.Set(i)
		}
		if err := dev.WriteBlock(blockBitmapBlock, blockBitmapData); err != nil {
			return nil, err
		}

		freeBlocksInGroup := uint32(0)
		if blocksInGroup > metadataBlocks {
			freeBlocksInGroup = uint32(blocksInGroup - metadataBlocks)
		}

		inodeBitmapData := make([]byte, blockSize)
		if g == 0 {
			// Reserve inode #1: there is no inode 0, so the first usable
			// slot is taken out of circulation rather than ever handed out.
			im := bitmap.FromBlock(inodeBitmapData, uint(inodesPerGroup))
			im.Set(0)
		}
		if err := dev.WriteBlock(inodeBitmapBlock, inodeBitmapData); err != nil {
			return nil, err
		}

		freeInodesInGroup := inodesPerGroup
		if g == 0 {
			freeInodesInGroup--
		}

		zeroBlock := make([]byte, blockSize)
		for b := uint64(0); b < inodeTableBlocks; b++ {
			if err := dev.WriteBlock(inodeTableBlock+b, zeroBlock); err != nil {
				return nil, err
			}
		}

		store.Groups[g] = codec.GroupDescriptor{
			BlockBitmapBlock: blockBitmapBlock,
			InodeBitmapBlock: inodeBitmapBlock,
			InodeTableBlock:  inodeTableBlock,
			FreeBlocksCount:  freeBlocksInGroup,
			FreeInodesCount:  freeInodesInGroup,
		}
		totalFreeBlocks += uint64(freeBlocksInGroup)
		totalFreeInodes += uint64(freeInodesInGroup)
	}

	store.SB.FreeBlocks = totalFreeBlocks
	store.SB.FreeInodes = totalFreeInodes

	if err := store.writeGroupDescriptorTable(); err != nil {
		return nil, err
	}
	if err := store.WriteSuperblock(); err != nil {
		return nil, err
	}

	return store, nil
}

// writeGroupDescriptorTable writes every descriptor out, spanning as many
// blocks starting at block 0 as the table requires.
func (s *Store) writeGroupDescriptorTable() errors.DriverError {
	for g := range s.Groups {
		if err := s.WriteGroupDescriptor(uint64(g)); err != nil {
			return err
		}
	}
	return nil
}
