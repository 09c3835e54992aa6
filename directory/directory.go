// Package directory implements the directory layer: lookup, insertion,
// and removal of variable-length directory entries packed into a
// directory inode's data blocks, plus whole-directory iteration.
//
// The file-type tags mirror the ext4 dirent convention gvisor's read-only
// reader documents in disklayout.go (1 = regular, 2 = directory,
// 7 = symlink); this filesystem only ever produces those three.
package directory

import (
	"github.com/kotazzz/extfs/codec"
	"github.com/kotazzz/extfs/errors"
	"github.com/kotazzz/extfs/extent"
	"github.com/kotazzz/extfs/superblock"
)

const (
	FileTypeUnknown = 0
	FileTypeRegular = 1
	FileTypeDir     = 2
	FileTypeSymlink = 7
)

func numDataBlocks(store *superblock.Store, in *codec.Inode) uint32 {
	blockSize := uint64(store.SB.BlockSize)
	return uint32((in.Size() + blockSize - 1) / blockSize)
}

// readBlockEntries unpacks every dirent in a data block, in on-disk order.
func readBlockEntries(store *superblock.Store, physical uint64) ([]codec.DirEntry, []byte, errors.DriverError) {
	data, err := store.Device.ReadBlock(physical)
	if err != nil {
		return nil, nil, err
	}

	var entries []codec.DirEntry
	offset := uint32(0)
	for offset < store.SB.BlockSize {
		e, derr := codec.UnpackDirEntry(data[offset:])
		if derr != nil {
			return nil, nil, derr
		}
		entries = append(entries, e)
		offset += e.EntryLen
	}
	return entries, data, nil
}

func offsetOfIndex(entries []codec.DirEntry, idx int) uint32 {
	offset := uint32(0)
	for i := 0; i < idx; i++ {
		offset += entries[i].EntryLen
	}
	return offset
}

// ReadDir returns every live (non-tombstoned) entry across the directory's
// data blocks, in insertion order.
func ReadDir(store *superblock.Store, in *codec.Inode) ([]codec.DirEntry, errors.DriverError) {
	var result []codec.DirEntry
	blocks := numDataBlocks(store, in)
	for logical := uint32(0); logical < blocks; logical++ {
		physical, _, err := extent.Lookup(store, in, logical)
		if err != nil {
			return nil, err
		}
		entries, _, rerr := readBlockEntries(store, physical)
		if rerr != nil {
			return nil, rerr
		}
		for _, e := range entries {
			if e.InodeNum != 0 {
				result = append(result, e)
			}
		}
	}
	return result, nil
}

// Lookup scans the directory's data blocks for name and returns the inode
// it maps to, or E_NOENT if it isn't present.
func Lookup(store *superblock.Store, in *codec.Inode, name string) (uint64, errors.DriverError) {
	blocks := numDataBlocks(store, in)
	for logical := uint32(0); logical < blocks; logical++ {
		physical, _, err := extent.Lookup(store, in, logical)
		if err != nil {
			return 0, err
		}
		entries, _, rerr := readBlockEntries(store, physical)
		if rerr != nil {
			return 0, rerr
		}
		for _, e := range entries {
			if e.InodeNum != 0 && e.Name == name {
				return uint64(e.InodeNum), nil
			}
		}
	}
	return 0, errors.New(errors.ENOENT)
}

// IsEmpty reports whether the directory holds nothing but "." and "..".
func IsEmpty(store *superblock.Store, in *codec.Inode) (bool, errors.DriverError) {
	entries, err := ReadDir(store, in)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Name != "." && e.Name != ".." {
			return false, nil
		}
	}
	return true, nil
}

// Insert adds a new (name -> childInode) entry. It first looks for an
// existing block whose last entry has enough trailing slack to absorb the
// new record (shrinking that entry to its minimum size and handing the
// freed tail to the new one); failing that, it grows the directory by one
// block and makes the new entry span it entirely.
func Insert(store *superblock.Store, in *codec.Inode, name string, childInode uint64, fileType uint8, hintGroup uint64) errors.DriverError {
	if len(name) == 0 || len(name) > 255 {
		return errors.NewWithMessage(errors.EINVAL, "directory entry name length out of range")
	}
	required := codec.MinDirEntryLen(len(name))
	blocks := numDataBlocks(store, in)

	for logical := uint32(0); logical < blocks; logical++ {
		physical, _, err := extent.Lookup(store, in, logical)
		if err != nil {
			return err
		}
		entries, data, rerr := readBlockEntries(store, physical)
		if rerr != nil {
			return rerr
		}
		if len(entries) == 0 {
			continue
		}

		last := entries[len(entries)-1]
		used := uint32(0)
		if last.InodeNum != 0 {
			used = codec.MinDirEntryLen(len(last.Name))
		}
		slack := last.EntryLen - used
		if slack < required {
			continue
		}

		lastOffset := offsetOfIndex(entries, len(entries)-1)
		last.EntryLen = used
		newEntry := codec.DirEntry{
			InodeNum: int64(childInode),
			EntryLen: slack,
			NameLen:  uint32(len(name)),
			FileType: fileType,
			Name:     name,
		}

		if used > 0 {
			copy(data[lastOffset:lastOffset+used], last.Pack())
		}
		copy(data[lastOffset+used:lastOffset+used+slack], newEntry.Pack())
		return store.Device.WriteBlock(physical, data)
	}

	physical, aerr := extent.Append(store, in, blocks, 1, hintGroup)
	if aerr != nil {
		return aerr
	}
	in.SetSize(uint64(blocks+1) * uint64(store.SB.BlockSize))

	newEntry := codec.DirEntry{
		InodeNum: int64(childInode),
		EntryLen: store.SB.BlockSize,
		NameLen:  uint32(len(name)),
		FileType: fileType,
		Name:     name,
	}
	return store.Device.WriteBlock(physical, newEntry.Pack())
}

// Remove deletes the entry named name. The slot it occupied is absorbed
// into the preceding entry in the same block when one exists; an entry
// that was the sole occupant of the directory's last block causes that
// block to be freed outright, shrinking the directory.
func Remove(store *superblock.Store, in *codec.Inode, name string) errors.DriverError {
	blocks := numDataBlocks(store, in)

	for logical := uint32(0); logical < blocks; logical++ {
		physical, _, err := extent.Lookup(store, in, logical)
		if err != nil {
			return err
		}
		entries, data, rerr := readBlockEntries(store, physical)
		if rerr != nil {
			return rerr
		}

		for i, e := range entries {
			if e.InodeNum == 0 || e.Name != name {
				continue
			}

			if i > 0 {
				prevOffset := offsetOfIndex(entries, i-1)
				prev := entries[i-1]
				prev.EntryLen += e.EntryLen
				copy(data[prevOffset:prevOffset+prev.EntryLen], prev.Pack())
				return store.Device.WriteBlock(physical, data)
			}

			if len(entries) == 1 && logical == blocks-1 {
				if terr := extent.TruncateTo(store, in, blocks-1); terr != nil {
					return terr
				}
				in.SetSize(uint64(blocks-1) * uint64(store.SB.BlockSize))
				return nil
			}

			// First entry in a block that either has siblings or isn't the
			// directory's last block: tombstone it in place. Nothing
			// currently reclaims this slot except a later Insert into the
			// same block picking it up as the new "last" entry's slack,
			// which only happens once every later entry is also removed.
			tomb := codec.DirEntry{EntryLen: e.EntryLen}
			copy(data[0:e.EntryLen], tomb.Pack())
			return store.Device.WriteBlock(physical, data)
		}
	}

	return errors.New(errors.ENOENT)
}

// InitEmpty allocates a directory's first data block and populates it with
// the mandatory "." and ".." entries; "." points at selfInode and ".." at
// parentInode (the root directory passes its own number for both).
func InitEmpty(store *superblock.Store, in *codec.Inode, selfInode, parentInode uint64, hintGroup uint64) errors.DriverError {
	physical, err := extent.Append(store, in, 0, 1, hintGroup)
	if err != nil {
		return err
	}
	in.SetSize(uint64(store.SB.BlockSize))

	dot := codec.DirEntry{InodeNum: int64(selfInode), NameLen: 1, FileType: FileTypeDir, Name: "."}
	dot.EntryLen = codec.MinDirEntryLen(len(dot.Name))
	dotdot := codec.DirEntry{InodeNum: int64(parentInode), NameLen: 2, FileType: FileTypeDir, Name: ".."}
	dotdot.EntryLen = store.SB.BlockSize - dot.EntryLen

	data := make([]byte, store.SB.BlockSize)
	copy(data[0:dot.EntryLen], dot.Pack())
	copy(data[dot.EntryLen:], dotdot.Pack())
	return store.Device.WriteBlock(physical, data)
}
