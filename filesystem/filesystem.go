// Package filesystem ties the block device, superblock, inode table,
// extent tree, directory layer, path resolver, and descriptor table into
// one mounted handle, the way disko's driver.CommonDriver wraps a
// DriverImplementation. Unlike disko, there's no package-level singleton:
// every operation hangs off an explicit *FS value the caller owns.
package filesystem

import (
	"os"
	posixpath "path"
	"path/filepath"

	"github.com/kotazzz/extfs/block"
	"github.com/kotazzz/extfs/codec"
	"github.com/kotazzz/extfs/directory"
	"github.com/kotazzz/extfs/errors"
	"github.com/kotazzz/extfs/fdtable"
	"github.com/kotazzz/extfs/inode"
	"github.com/kotazzz/extfs/superblock"
)

// FS is a mounted filesystem: the store backing it, the table of open
// descriptors, and the current working directory (tracked both as an
// inode number for path resolution and as a string for Getcwd, the same
// split disko's CommonDriver.workingDirPath leaves implicit by only
// keeping the string — we additionally keep the inode because
// pathresolve.Resolve wants one).
type FS struct {
	store   *superblock.Store
	fds     *fdtable.Table
	cwdPath string
	cwdNode uint64
}

// FormatOptions is superblock.FormatOptions, re-exported so callers of
// this package don't need to import superblock directly.
type FormatOptions = superblock.FormatOptions

// DefaultFormatOptions mirrors superblock.DefaultFormatOptions.
var DefaultFormatOptions = superblock.DefaultFormatOptions

func normalizePath(cwdPath, path string) string {
	path = posixpath.Clean(filepath.ToSlash(path))
	if path == "." {
		return cwdPath
	}
	if posixpath.IsAbs(path) {
		return path
	}
	return posixpath.Join(cwdPath, path)
}

// Format initializes a fresh image at path with the given total size and
// geometry, then bootstraps the root directory (inode #2), the one
// bootstrap step superblock.Format can't do itself without an import
// cycle back onto this package's dependencies.
func Format(path string, totalBlocks uint64, opts FormatOptions) errors.DriverError {
	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = DefaultFormatOptions.BlockSize
	}

	f, oerr := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if oerr != nil {
		return errors.NewFromError(errors.EIO, oerr)
	}
	if terr := f.Truncate(int64(blockSize) * int64(totalBlocks)); terr != nil {
		f.Close()
		return errors.NewFromError(errors.EIO, terr)
	}

	dev := block.NewDevice(f, f, blockSize, totalBlocks)
	store, ferr := superblock.Format(dev, opts)
	if ferr != nil {
		f.Close()
		return ferr
	}

	if berr := bootstrapRoot(store); berr != nil {
		f.Close()
		return berr
	}

	if err := dev.Flush(); err != nil {
		f.Close()
		return err
	}
	if cerr := f.Close(); cerr != nil {
		return errors.NewFromError(errors.EIO, cerr)
	}
	return nil
}

// bootstrapRoot allocates inode #2 as an empty directory whose "." and
// ".." both point at itself.
func bootstrapRoot(store *superblock.Store) errors.DriverError {
	rootNo, rootIn, ierr := inode.New(store, 0, inode.ModeDir|0755, 0, 0)
	if ierr != nil {
		return ierr
	}
	if rootNo != inode.RootInodeNumber {
		return errors.NewWithMessage(errors.ECORRUPT, "root directory did not receive inode #2")
	}
	if derr := directory.InitEmpty(store, &rootIn, rootNo, rootNo, 0); derr != nil {
		return derr
	}
	rootIn.LinksCount = 2
	return inode.Write(store, rootNo, rootIn)
}

// Mount opens an existing image at path. The on-disk block size is read
// from the superblock itself before the block.Device is constructed,
// since the device needs to know its geometry up front.
func Mount(path string) (*FS, errors.DriverError) {
	f, oerr := os.OpenFile(path, os.O_RDWR, 0)
	if oerr != nil {
		return nil, errors.NewFromError(errors.EIO, oerr)
	}

	header := make([]byte, codec.SuperblockSize)
	if _, rerr := f.ReadAt(header, 0); rerr != nil {
		f.Close()
		return nil, errors.NewFromError(errors.EIO, rerr)
	}
	sb, derr := codec.UnpackSuperblock(header)
	if derr != nil {
		f.Close()
		return nil, derr
	}

	fi, serr := f.Stat()
	if serr != nil {
		f.Close()
		return nil, errors.NewFromError(errors.EIO, serr)
	}
	totalBlocks := uint64(fi.Size()) / uint64(sb.BlockSize)

	dev := block.NewDevice(f, f, sb.BlockSize, totalBlocks)
	store, merr := superblock.Mount(dev)
	if merr != nil {
		f.Close()
		return nil, merr
	}

	return &FS{
		store:   store,
		fds:     fdtable.New(),
		cwdPath: "/",
		cwdNode: inode.RootInodeNumber,
	}, nil
}

// Unmount flushes pending writes and releases the backing file handle.
// Open descriptors are discarded without running deferred deletion; the
// caller is expected to have closed them first.
func (fs *FS) Unmount() errors.DriverError {
	if err := fs.store.Device.Flush(); err != nil {
		return err
	}
	if err := fs.store.Device.Close(); err != nil {
		return errors.NewFromError(errors.EIO, err)
	}
	return nil
}

// Flush commits any buffering the backing stream performs, without
// closing it.
func (fs *FS) Flush() errors.DriverError {
	return fs.store.Device.Flush()
}

// DF reports free-space accounting for the mounted filesystem.
type DF struct {
	BlockSize   uint32
	TotalBlocks uint64
	FreeBlocks  uint64
	TotalInodes uint64
	FreeInodes  uint64
}

// DF returns current free-space accounting.
func (fs *FS) DF() DF {
	return DF{
		BlockSize:   fs.store.SB.BlockSize,
		TotalBlocks: fs.store.SB.FsSizeBlocks,
		FreeBlocks:  fs.store.SB.FreeBlocks,
		TotalInodes: fs.store.SB.TotalInodes,
		FreeInodes:  fs.store.SB.FreeInodes,
	}
}
