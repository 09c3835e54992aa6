package filesystem

import (
	"github.com/kotazzz/extfs/directory"
	"github.com/kotazzz/extfs/errors"
	"github.com/kotazzz/extfs/fdtable"
	"github.com/kotazzz/extfs/fsio"
	"github.com/kotazzz/extfs/inode"
	"github.com/kotazzz/extfs/pathresolve"
)

// OpenFile resolves path and returns a descriptor for it, creating the
// file if O_CREAT is set and it's missing, and truncating it to zero
// length if O_TRUNC is set.
func (fs *FS) OpenFile(path string, flags uint32, mode uint32) (int, errors.DriverError) {
	abs := normalizePath(fs.cwdPath, path)
	res, err := pathresolve.Resolve(fs.store, fs.cwdNode, abs, true)

	var targetNode uint64
	if err != nil {
		if err.Errno() != errors.ENOENT || flags&fdtable.OCreat == 0 {
			return 0, err
		}
		targetNode, err = fs.createRegularFile(abs, mode)
		if err != nil {
			return 0, err
		}
	} else {
		targetNode = res.Inode
	}

	in, rerr := inode.Read(fs.store, targetNode)
	if rerr != nil {
		return 0, rerr
	}
	if inode.IsDir(in.Mode) {
		return 0, errors.New(errors.EISDIR)
	}

	if flags&fdtable.OTrunc != 0 {
		if terr := fsio.Truncate(fs.store, &in, 0, inode.HintGroup(fs.store, targetNode)); terr != nil {
			return 0, terr
		}
		if werr := inode.Write(fs.store, targetNode, in); werr != nil {
			return 0, werr
		}
	}

	return fs.fds.Open(targetNode, flags), nil
}

func (fs *FS) createRegularFile(abs string, mode uint32) (uint64, errors.DriverError) {
	parentDir, name, perr := fs.resolveParentForCreate(abs)
	if perr != nil {
		return 0, perr
	}
	parentIn, rerr := inode.Read(fs.store, parentDir)
	if rerr != nil {
		return 0, rerr
	}

	childNo, childIn, ierr := inode.New(fs.store, inode.HintGroup(fs.store, parentDir), (mode&inode.ModePermMask)|inode.ModeRegular, 0, 0)
	if ierr != nil {
		return 0, ierr
	}
	childIn.LinksCount = 1
	if werr := inode.Write(fs.store, childNo, childIn); werr != nil {
		return 0, werr
	}

	if derr := directory.Insert(fs.store, &parentIn, name, childNo, directory.FileTypeRegular, inode.HintGroup(fs.store, parentDir)); derr != nil {
		_ = inode.Free(fs.store, childNo)
		return 0, derr
	}
	if werr := inode.Write(fs.store, parentDir, parentIn); werr != nil {
		return 0, werr
	}
	return childNo, nil
}

// Close releases fd. If that was the last open descriptor on an inode
// whose links_count has already dropped to zero (it was unlinked while
// still open), this triggers deferred deletion of its data and record.
func (fs *FS) Close(fd int) errors.DriverError {
	inodeNum, lastRef, err := fs.fds.Close(fd)
	if err != nil {
		return err
	}
	if !lastRef {
		return nil
	}

	in, rerr := inode.Read(fs.store, inodeNum)
	if rerr != nil {
		return rerr
	}
	if in.LinksCount == 0 {
		return fs.destroyInode(inodeNum, &in)
	}
	return nil
}

// Read reads into buffer from fd. If offset is nil, the read starts at the
// descriptor's stored position and advances it; an explicit offset reads
// from that point without moving the stored position.
func (fs *FS) Read(fd int, buffer []byte, offset *uint64) (int, errors.DriverError) {
	h, err := fs.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	in, rerr := inode.Read(fs.store, h.InodeNum)
	if rerr != nil {
		return 0, rerr
	}

	pos := h.Pos
	if offset != nil {
		pos = *offset
	}

	n, ioerr := fsio.Read(fs.store, &in, pos, buffer)
	if ioerr != nil {
		return n, ioerr
	}
	if offset == nil {
		h.Pos += uint64(n)
	}
	return n, nil
}

// Write writes data to fd, following the same offset-vs-stored-position
// rule as Read.
func (fs *FS) Write(fd int, data []byte, offset *uint64) (int, errors.DriverError) {
	h, err := fs.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	if h.Flags&(fdtable.OWronly|fdtable.ORdwr) == 0 {
		return 0, errors.New(errors.EBADF)
	}

	in, rerr := inode.Read(fs.store, h.InodeNum)
	if rerr != nil {
		return 0, rerr
	}

	pos := h.Pos
	if offset != nil {
		pos = *offset
	}

	n, ioerr := fsio.Write(fs.store, &in, pos, data, inode.HintGroup(fs.store, h.InodeNum))
	if ioerr != nil {
		return n, ioerr
	}
	if werr := inode.Write(fs.store, h.InodeNum, in); werr != nil {
		return n, werr
	}
	if offset == nil {
		h.Pos += uint64(n)
	}
	return n, nil
}
