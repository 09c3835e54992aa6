package superblock

import (
	"github.com/kotazzz/extfs/errors"
)

// directoryScanWindow bounds how many groups AllocInode(isDir=true) looks
// at before picking the one with the most free blocks, per the spec's
// "tie-break: most free blocks among the first N scanned" rule.
const directoryScanWindow = 8

// groupBlockCount returns how many blocks actually belong to group g (the
// last group may be shorter than BlocksPerGroup).
func (s *Store) groupBlockCount(g uint64) uint {
	first := s.GroupFirstBlock(g)
	end := first + uint64(s.SB.BlocksPerGroup)
	if end > s.SB.FsSizeBlocks {
		end = s.SB.FsSizeBlocks
	}
	return uint(end - first)
}

// AllocBlock finds and marks the first free block starting the scan at
// hintGroup and rotating through every group. It writes back the bitmap
// block, the group descriptor, and the superblock, in that order, before
// returning, matching the spec's write-ordering invariant.
func (s *Store) AllocBlock(hintGroup uint64) (uint64, errors.DriverError) {
	groupCount := s.GroupCount()
	if groupCount == 0 {
		return 0, errors.New(errors.ENOSPC)
	}
	hintGroup %= groupCount

	for i := uint64(0); i < groupCount; i++ {
		g := (hintGroup + i) % groupCount
		if s.Groups[g].FreeBlocksCount == 0 {
			continue
		}

		bitmapBlock := s.GroupFirstBlock(g)
		totalUnits := s.groupBlockCount(g)
		bm, err := s.readBitmapBlock(bitmapBlock, totalUnits)
		if err != nil {
			return 0, err
		}

		idx, ferr := bm.FindFirstClear()
		if ferr != nil {
			// Bitmap disagrees with the free count; try the next group
			// rather than failing the whole allocation.
			continue
		}

		bm.Set(idx)
		if err := s.Device.WriteBlock(bitmapBlock, bm.Bytes()); err != nil {
			return 0, err
		}

		s.Groups[g].FreeBlocksCount--
		if err := s.WriteGroupDescriptor(g); err != nil {
			return 0, err
		}

		s.SB.FreeBlocks--
		if err := s.WriteSuperblock(); err != nil {
			return 0, err
		}

		return s.GroupFirstBlock(g) + uint64(idx), nil
	}

	return 0, errors.New(errors.ENOSPC)
}

// FreeBlock clears the bit for an allocated block and restores the free
// counts. Freeing an already-free block returns E_INVAL.
func (s *Store) FreeBlock(blockNo uint64) errors.DriverError {
	if blockNo < uint64(s.SB.FirstDataBlock) || blockNo >= s.SB.FsSizeBlocks {
		return errors.NewWithMessage(errors.EINVAL, "block number out of range")
	}
	g := (blockNo - uint64(s.SB.FirstDataBlock)) / uint64(s.SB.BlocksPerGroup)

	bitmapBlock := s.GroupFirstBlock(g)
	totalUnits := s.groupBlockCount(g)
	bm, err := s.readBitmapBlock(bitmapBlock, totalUnits)
	if err != nil {
		return err
	}

	idx := uint(blockNo - s.GroupFirstBlock(g))
	if !bm.IsSet(idx) {
		return errors.NewWithMessage(errors.EINVAL, "block is already free")
	}
	bm.Clear(idx)

	if err := s.Device.WriteBlock(bitmapBlock, bm.Bytes()); err != nil {
		return err
	}

	s.Groups[g].FreeBlocksCount++
	if err := s.WriteGroupDescriptor(g); err != nil {
		return err
	}

	s.SB.FreeBlocks++
	return s.WriteSuperblock()
}

// AllocInode finds and marks the first free inode, returning its 1-based
// global number. When isDir is set, the group is chosen by scanning a
// window of candidate groups and preferring the one with the most free
// blocks, so new directories get spread across roomy groups.
func (s *Store) AllocInode(hintGroup uint64, isDir bool) (uint64, errors.DriverError) {
	groupCount := s.GroupCount()
	if groupCount == 0 {
		return 0, errors.New(errors.ENOSPC)
	}
	hintGroup %= groupCount

	targetGroup, ok := s.pickInodeGroup(hintGroup, groupCount, isDir)
	if !ok {
		return 0, errors.New(errors.ENOSPC)
	}

	inodeBitmapBlock := s.GroupFirstBlock(targetGroup) + 1
	bm, err := s.readBitmapBlock(inodeBitmapBlock, uint(s.SB.InodesPerGroup))
	if err != nil {
		return 0, err
	}

	idx, ferr := bm.FindFirstClear()
	if ferr != nil {
		return 0, errors.New(errors.ENOSPC)
	}

	bm.Set(idx)
	if err := s.Device.WriteBlock(inodeBitmapBlock, bm.Bytes()); err != nil {
		return 0, err
	}

	s.Groups[targetGroup].FreeInodesCount--
	if err := s.WriteGroupDescriptor(targetGroup); err != nil {
		return 0, err
	}

	s.SB.FreeInodes--
	if err := s.WriteSuperblock(); err != nil {
		return 0, err
	}

	return targetGroup*uint64(s.SB.InodesPerGroup) + uint64(idx) + 1, nil
}

func (s *Store) pickInodeGroup(hintGroup, groupCount uint64, isDir bool) (uint64, bool) {
	if !isDir {
		for i := uint64(0); i < groupCount; i++ {
			g := (hintGroup + i) % groupCount
			if s.Groups[g].FreeInodesCount > 0 {
				return g, true
			}
		}
		return 0, false
	}

	window := directoryScanWindow
	if uint64(window) > groupCount {
		window = int(groupCount)
	}

	bestGroup := uint64(0)
	bestFreeBlocks := int64(-1)
	found := false
	for i := 0; i < window; i++ {
		g := (hintGroup + uint64(i)) % groupCount
		if s.Groups[g].FreeInodesCount == 0 {
			continue
		}
		if int64(s.Groups[g].FreeBlocksCount) > bestFreeBlocks {
			bestFreeBlocks = int64(s.Groups[g].FreeBlocksCount)
			bestGroup = g
			found = true
		}
	}
	if found {
		return bestGroup, true
	}
	// No candidate in the scan window had free inodes; fall back to a full
	// first-fit rotation.
	for i := uint64(0); i < groupCount; i++ {
		g := (hintGroup + i) % groupCount
		if s.Groups[g].FreeInodesCount > 0 {
			return g, true
		}
	}
	return 0, false
}

// FreeInode clears the bit for an allocated inode and restores free counts.
func (s *Store) FreeInode(inodeNo uint64) errors.DriverError {
	if inodeNo < 1 {
		return errors.NewWithMessage(errors.EINVAL, "inode numbers are 1-based")
	}
	g := InodeGroup(inodeNo, s.SB.InodesPerGroup)
	if g >= s.GroupCount() {
		return errors.NewWithMessage(errors.EINVAL, "inode number out of range")
	}

	inodeBitmapBlock := s.GroupFirstBlock(g) + 1
	bm, err := s.readBitmapBlock(inodeBitmapBlock, uint(s.SB.InodesPerGroup))
	if err != nil {
		return err
	}

	idx := uint((inodeNo - 1) % uint64(s.SB.InodesPerGroup))
	if !bm.IsSet(idx) {
		return errors.NewWithMessage(errors.EINVAL, "inode is already free")
	}
	bm.Clear(idx)

	if err := s.Device.WriteBlock(inodeBitmapBlock, bm.Bytes()); err != nil {
		return err
	}

	s.Groups[g].FreeInodesCount++
	if err := s.WriteGroupDescriptor(g); err != nil {
		return err
	}

	s.SB.FreeInodes++
	return s.WriteSuperblock()
}
