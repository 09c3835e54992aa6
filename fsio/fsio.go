// Package fsio implements file I/O: translating (inode, logical byte
// offset, length) through the extent tree into physical block reads and
// writes. It plays the role disko's drivers/common/basicstream.BasicStream
// plays for its block cache — offset/length-to-block math and the
// read/write/truncate operations built on top of it — but talks straight
// to the block device, since caching is out of scope here.
package fsio

import (
	"github.com/kotazzz/extfs/codec"
	"github.com/kotazzz/extfs/errors"
	"github.com/kotazzz/extfs/extent"
	"github.com/kotazzz/extfs/inode"
	"github.com/kotazzz/extfs/superblock"
)

// blockAndOffset splits a byte offset into a logical block number and the
// byte offset within that block.
func blockAndOffset(store *superblock.Store, offset uint64) (logical uint32, inBlock uint32) {
	blockSize := uint64(store.SB.BlockSize)
	return uint32(offset / blockSize), uint32(offset % blockSize)
}

// Read copies up to len(buffer) bytes starting at offset into buffer,
// clamped to the inode's current size, and returns the number of bytes
// actually read.
func Read(store *superblock.Store, in *codec.Inode, offset uint64, buffer []byte) (int, errors.DriverError) {
	size := in.Size()
	if offset >= size {
		return 0, nil
	}
	toRead := uint64(len(buffer))
	if offset+toRead > size {
		toRead = size - offset
	}

	blockSize := uint64(store.SB.BlockSize)
	read := uint64(0)
	for read < toRead {
		logical, inBlock := blockAndOffset(store, offset+read)
		physical, _, err := extent.Lookup(store, in, logical)
		if err != nil {
			return int(read), err
		}

		data, rerr := store.Device.ReadBlock(physical)
		if rerr != nil {
			return int(read), rerr
		}

		available := blockSize - uint64(inBlock)
		chunk := toRead - read
		if chunk > available {
			chunk = available
		}
		copy(buffer[read:read+chunk], data[inBlock:uint64(inBlock)+chunk])
		read += chunk
	}

	return int(read), nil
}

// Write overlays data onto existing blocks for the portion within the
// current size, and extends the file via the extent tree (allocating new
// blocks, zero-filling any gap between the old size and offset) for the
// rest. It updates size, mtime, and ctime on in.
func Write(store *superblock.Store, in *codec.Inode, offset uint64, data []byte, hintGroup uint64) (int, errors.DriverError) {
	if len(data) == 0 {
		return 0, nil
	}

	if offset > in.Size() {
		if err := zeroFillGap(store, in, in.Size(), offset, hintGroup); err != nil {
			return 0, err
		}
	}

	blockSize := uint64(store.SB.BlockSize)
	written := uint64(0)
	total := uint64(len(data))

	for written < total {
		absOffset := offset + written
		logical, inBlock := blockAndOffset(store, absOffset)

		physical, _, lerr := extent.Lookup(store, in, logical)
		if lerr != nil {
			p, aerr := extent.Append(store, in, logical, 1, hintGroup)
			if aerr != nil {
				return int(written), aerr
			}
			physical = p
		}

		block, rerr := store.Device.ReadBlock(physical)
		if rerr != nil {
			return int(written), rerr
		}

		chunk := total - written
		if chunk > blockSize-uint64(inBlock) {
			chunk = blockSize - uint64(inBlock)
		}
		copy(block[inBlock:], data[written:written+chunk])
		if werr := store.Device.WriteBlock(physical, block); werr != nil {
			return int(written), werr
		}
		written += chunk

		if absOffset+chunk > in.Size() {
			in.SetSize(absOffset + chunk)
		}
	}

	inode.Touch(in, true)
	return int(written), nil
}

// zeroFillGap extends the file from oldSize to newOffset with allocated
// zero blocks, materializing what would otherwise be a sparse hole.
func zeroFillGap(store *superblock.Store, in *codec.Inode, oldSize, newOffset uint64, hintGroup uint64) errors.DriverError {
	blockSize := uint64(store.SB.BlockSize)
	zero := make([]byte, blockSize)

	firstGapLogical, firstGapInBlock := blockAndOffset(store, oldSize)
	lastGapLogical, _ := blockAndOffset(store, newOffset-1)

	for logical := firstGapLogical; logical <= lastGapLogical; logical++ {
		physical, _, lerr := extent.Lookup(store, in, logical)
		if lerr != nil {
			p, aerr := extent.Append(store, in, logical, 1, hintGroup)
			if aerr != nil {
				return aerr
			}
			physical = p
			if werr := store.Device.WriteBlock(physical, zero); werr != nil {
				return werr
			}
			continue
		}
		// Block already existed (e.g. left over from a previous truncate
		// extension); zero only the portion that's logically part of the gap.
		data, rerr := store.Device.ReadBlock(physical)
		if rerr != nil {
			return rerr
		}
		start := uint32(0)
		if logical == firstGapLogical {
			start = firstGapInBlock
		}
		for i := start; i < uint32(len(data)); i++ {
			data[i] = 0
		}
		if werr := store.Device.WriteBlock(physical, data); werr != nil {
			return werr
		}
	}

	in.SetSize(newOffset)
	return nil
}

// Truncate resizes the file to newSize: shrinking frees excess extent
// coverage, growing zero-fills the new tail exactly as a write of zero
// bytes would.
func Truncate(store *superblock.Store, in *codec.Inode, newSize uint64, hintGroup uint64) errors.DriverError {
	oldSize := in.Size()
	if newSize == oldSize {
		return nil
	}

	if newSize < oldSize {
		blockSize := uint64(store.SB.BlockSize)
		keepLogicalBlocks := uint32((newSize + blockSize - 1) / blockSize)
		if err := extent.TruncateTo(store, in, keepLogicalBlocks); err != nil {
			return err
		}
		in.SetSize(newSize)
		inode.Touch(in, true)
		return nil
	}

	if err := zeroFillGap(store, in, oldSize, newSize, hintGroup); err != nil {
		return err
	}
	inode.Touch(in, true)
	return nil
}
