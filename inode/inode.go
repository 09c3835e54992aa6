// Package inode implements the inode table: fixed-size 88-byte records
// indexed globally by a 1-based inode number, laid out per group the way
// disko's unixv1 driver lays out its own fixed-size inode array
// (drivers/unixv1/inode.go), adapted to this filesystem's group/bitmap
// geometry instead of a single flat table.
package inode

import (
	"time"

	"github.com/kotazzz/extfs/codec"
	"github.com/kotazzz/extfs/errors"
	"github.com/kotazzz/extfs/superblock"
)

// Mode bits, conventional UNIX values per the on-disk layout.
const (
	ModeTypeMask = 0xF000
	ModeRegular  = 0x8000
	ModeDir      = 0x4000
	ModeSymlink  = 0xA000
	ModePermMask = 0x0FFF
)

// RootInodeNumber is the inode number reserved for the root directory.
const RootInodeNumber = 2

// IsDir reports whether mode describes a directory.
func IsDir(mode uint32) bool { return mode&ModeTypeMask == ModeDir }

// IsRegular reports whether mode describes a regular file.
func IsRegular(mode uint32) bool { return mode&ModeTypeMask == ModeRegular }

// IsSymlink reports whether mode describes a symbolic link.
func IsSymlink(mode uint32) bool { return mode&ModeTypeMask == ModeSymlink }

// slot computes the group and in-group index holding inode n.
func slot(store *superblock.Store, n uint64) (group uint64, indexInGroup uint64) {
	inodesPerGroup := uint64(store.SB.InodesPerGroup)
	group = (n - 1) / inodesPerGroup
	indexInGroup = (n - 1) % inodesPerGroup
	return
}

// blockAndOffset returns the absolute block number and in-block byte offset
// where inode n's 88-byte record starts. Records are packed back to back
// across the group's inode table, so a record may continue into the next
// block.
func blockAndOffset(store *superblock.Store, n uint64) (blockNo uint64, offset uint32) {
	group, indexInGroup := slot(store, n)
	byteOffset := indexInGroup * codec.InodeSize
	blocksIntoTable := byteOffset / uint64(store.SB.BlockSize)
	offset = uint32(byteOffset % uint64(store.SB.BlockSize))
	blockNo = store.Groups[group].InodeTableBlock + blocksIntoTable
	return blockNo, offset
}

// Read loads inode n's record.
func Read(store *superblock.Store, n uint64) (codec.Inode, errors.DriverError) {
	if n < 1 {
		return codec.Inode{}, errors.NewWithMessage(errors.EINVAL, "inode numbers are 1-based")
	}
	blockNo, offset := blockAndOffset(store, n)
	count := uint(1)
	if offset+codec.InodeSize > store.SB.BlockSize {
		count = 2
	}
	data, err := store.Device.ReadBlocks(blockNo, count)
	if err != nil {
		return codec.Inode{}, err
	}
	return codec.UnpackInode(data[offset : offset+codec.InodeSize])
}

// Write patches inode n's record in place: reads the enclosing block (or
// the two blocks a straddling record spans), overwrites the slot, and
// writes the block(s) back.
func Write(store *superblock.Store, n uint64, in codec.Inode) errors.DriverError {
	if n < 1 {
		return errors.NewWithMessage(errors.EINVAL, "inode numbers are 1-based")
	}
	blockNo, offset := blockAndOffset(store, n)
	count := uint(1)
	if offset+codec.InodeSize > store.SB.BlockSize {
		count = 2
	}
	data, err := store.Device.ReadBlocks(blockNo, count)
	if err != nil {
		return err
	}
	copy(data[offset:offset+codec.InodeSize], in.Pack())
	blockSize := uint(store.SB.BlockSize)
	for i := uint(0); i < count; i++ {
		if werr := store.Device.WriteBlock(blockNo+uint64(i), data[i*blockSize:(i+1)*blockSize]); werr != nil {
			return werr
		}
	}
	return nil
}

// nowEpoch returns the current time as a Unix epoch second count, the unit
// the on-disk atime/ctime/mtime fields store.
func nowEpoch() uint32 {
	return uint32(time.Now().Unix())
}

// New allocates a fresh inode of the given type/permission bits, zeroes its
// record, and writes it to the table. Whether mode is a directory steers
// the allocator's group selection. Returns the new inode number and the
// record as written.
func New(store *superblock.Store, hintGroup uint64, mode uint32, uid, gid uint32) (uint64, codec.Inode, errors.DriverError) {
	n, err := store.AllocInode(hintGroup, IsDir(mode))
	if err != nil {
		return 0, codec.Inode{}, err
	}

	now := nowEpoch()
	rec := codec.Inode{
		Mode:       mode,
		Uid:        uid,
		Gid:        gid,
		LinksCount: 0,
		Atime:      now,
		Ctime:      now,
		Mtime:      now,
	}
	// Every fresh inode's extent root starts with a valid, empty header so
	// the extent package's Lookup/Append never has to special-case an
	// all-zero inline root.
	hdr := codec.ExtentHeader{Magic: codec.ExtentMagic, Entries: 0, MaxEntries: codec.ExtentRootCapacity, Depth: 0}
	copy(rec.ExtentRoot[:codec.ExtentHeaderSize], hdr.Pack())

	if werr := Write(store, n, rec); werr != nil {
		_ = store.FreeInode(n)
		return 0, codec.Inode{}, werr
	}
	return n, rec, nil
}

// Touch updates ctime and, if mtimeToo is set, mtime to the current time.
func Touch(in *codec.Inode, mtimeToo bool) {
	now := nowEpoch()
	in.Ctime = now
	if mtimeToo {
		in.Mtime = now
	}
}

// Free releases inode n back to the allocator. The caller is responsible
// for having already freed its extent-tree data blocks and nodes.
func Free(store *superblock.Store, n uint64) errors.DriverError {
	return store.FreeInode(n)
}

// HintGroup returns the group a new inode should be allocated near, given
// the parent directory's inode number — new files/directories are seeded
// into their parent's group, matching the allocator's own inode-to-group
// rule (group = (n-1) / inodes_per_group).
func HintGroup(store *superblock.Store, parentInode uint64) uint64 {
	g, _ := slot(store, parentInode)
	return g
}
