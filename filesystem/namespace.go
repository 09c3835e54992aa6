package filesystem

import (
	"github.com/kotazzz/extfs/codec"
	"github.com/kotazzz/extfs/directory"
	"github.com/kotazzz/extfs/errors"
	"github.com/kotazzz/extfs/extent"
	"github.com/kotazzz/extfs/fsio"
	"github.com/kotazzz/extfs/inode"
	"github.com/kotazzz/extfs/pathresolve"
)

// Stat is the information returned about a filesystem object, the subset
// of the 88-byte inode record callers outside this package need.
type Stat struct {
	InodeNum   uint64
	Mode       uint32
	Size       uint64
	LinksCount uint32
	Uid        uint32
	Gid        uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
}

func toStat(n uint64, in codec.Inode) Stat {
	return Stat{
		InodeNum:   n,
		Mode:       in.Mode,
		Size:       in.Size(),
		LinksCount: in.LinksCount,
		Uid:        in.Uid,
		Gid:        in.Gid,
		Atime:      in.Atime,
		Ctime:      in.Ctime,
		Mtime:      in.Mtime,
	}
}

func (fs *FS) statAt(path string, followLastSymlink bool) (Stat, errors.DriverError) {
	res, err := pathresolve.Resolve(fs.store, fs.cwdNode, normalizePath(fs.cwdPath, path), followLastSymlink)
	if err != nil {
		return Stat{}, err
	}
	in, rerr := inode.Read(fs.store, res.Inode)
	if rerr != nil {
		return Stat{}, rerr
	}
	return toStat(res.Inode, in), nil
}

// Stat resolves path, following a trailing symlink.
func (fs *FS) Stat(path string) (Stat, errors.DriverError) {
	return fs.statAt(path, true)
}

// Lstat resolves path without following a trailing symlink.
func (fs *FS) Lstat(path string) (Stat, errors.DriverError) {
	return fs.statAt(path, false)
}

// ReadDir lists the entries of the directory at path.
func (fs *FS) ReadDir(path string) ([]codec.DirEntry, errors.DriverError) {
	res, err := pathresolve.Resolve(fs.store, fs.cwdNode, normalizePath(fs.cwdPath, path), true)
	if err != nil {
		return nil, err
	}
	in, rerr := inode.Read(fs.store, res.Inode)
	if rerr != nil {
		return nil, rerr
	}
	if !inode.IsDir(in.Mode) {
		return nil, errors.New(errors.ENOTDIR)
	}
	return directory.ReadDir(fs.store, &in)
}

// Mkdir creates a new, empty directory at path.
func (fs *FS) Mkdir(path string, mode uint32) errors.DriverError {
	abs := normalizePath(fs.cwdPath, path)
	if _, err := pathresolve.Resolve(fs.store, fs.cwdNode, abs, true); err == nil {
		return errors.New(errors.EEXIST)
	} else if err.Errno() != errors.ENOENT {
		return err
	}

	parentDir, name, perr := fs.resolveParentForCreate(abs)
	if perr != nil {
		return perr
	}

	parentIn, rerr := inode.Read(fs.store, parentDir)
	if rerr != nil {
		return rerr
	}

	childNo, childIn, ierr := inode.New(fs.store, inode.HintGroup(fs.store, parentDir), (mode&inode.ModePermMask)|inode.ModeDir, 0, 0)
	if ierr != nil {
		return ierr
	}
	if derr := directory.InitEmpty(fs.store, &childIn, childNo, parentDir, inode.HintGroup(fs.store, parentDir)); derr != nil {
		_ = inode.Free(fs.store, childNo)
		return derr
	}
	childIn.LinksCount = 2
	if werr := inode.Write(fs.store, childNo, childIn); werr != nil {
		return werr
	}

	if derr := directory.Insert(fs.store, &parentIn, name, childNo, directory.FileTypeDir, inode.HintGroup(fs.store, parentDir)); derr != nil {
		return derr
	}
	parentIn.LinksCount++
	return inode.Write(fs.store, parentDir, parentIn)
}

// resolveParentForCreate resolves abs's parent directory and returns it
// along with abs's final component name, for operations (Mkdir, create-on-
// open, Symlink) that need to insert a new entry.
func (fs *FS) resolveParentForCreate(abs string) (uint64, string, errors.DriverError) {
	res, err := pathresolve.Resolve(fs.store, fs.cwdNode, abs, true)
	if err == nil {
		return res.Parent, res.BaseName, nil
	}
	if err.Errno() != errors.ENOENT {
		return 0, "", err
	}

	parentPath := parentOf(abs)
	base := baseOf(abs)
	parentRes, perr := pathresolve.Resolve(fs.store, fs.cwdNode, parentPath, true)
	if perr != nil {
		return 0, "", perr
	}
	parentIn, rerr := inode.Read(fs.store, parentRes.Inode)
	if rerr != nil {
		return 0, "", rerr
	}
	if !inode.IsDir(parentIn.Mode) {
		return 0, "", errors.New(errors.ENOTDIR)
	}
	return parentRes.Inode, base, nil
}

func (fs *FS) exists(abs string) bool {
	_, err := pathresolve.Resolve(fs.store, fs.cwdNode, abs, false)
	return err == nil
}

func parentOf(abs string) string {
	i := lastSlash(abs)
	if i <= 0 {
		return "/"
	}
	return abs[:i]
}

func baseOf(abs string) string {
	i := lastSlash(abs)
	return abs[i+1:]
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// Rmdir removes an empty directory.
func (fs *FS) Rmdir(path string) errors.DriverError {
	abs := normalizePath(fs.cwdPath, path)
	res, err := pathresolve.Resolve(fs.store, fs.cwdNode, abs, false)
	if err != nil {
		return err
	}
	if res.Inode == inode.RootInodeNumber {
		return errors.NewWithMessage(errors.EINVAL, "cannot remove the root directory")
	}

	in, rerr := inode.Read(fs.store, res.Inode)
	if rerr != nil {
		return rerr
	}
	if !inode.IsDir(in.Mode) {
		return errors.New(errors.ENOTDIR)
	}
	empty, eerr := directory.IsEmpty(fs.store, &in)
	if eerr != nil {
		return eerr
	}
	if !empty {
		return errors.New(errors.ENOTEMPTY)
	}

	return fs.unlinkEntry(res.Parent, res.BaseName, res.Inode, &in, true)
}

// RmdirRecursive removes a directory and everything beneath it, continuing
// past individual failures and aggregating them into one error so the
// caller sees every problem instead of just the first.
func (fs *FS) RmdirRecursive(path string) errors.DriverError {
	abs := normalizePath(fs.cwdPath, path)
	res, err := pathresolve.Resolve(fs.store, fs.cwdNode, abs, false)
	if err != nil {
		return err
	}
	if res.Inode == inode.RootInodeNumber {
		return errors.NewWithMessage(errors.EINVAL, "cannot remove the root directory")
	}
	in, rerr := inode.Read(fs.store, res.Inode)
	if rerr != nil {
		return rerr
	}
	if !inode.IsDir(in.Mode) {
		return errors.New(errors.ENOTDIR)
	}
	return fs.removeTree(res.Inode, res.Parent, res.BaseName)
}

func (fs *FS) removeTree(dirInode, parent uint64, name string) errors.DriverError {
	in, rerr := inode.Read(fs.store, dirInode)
	if rerr != nil {
		return rerr
	}
	if !inode.IsDir(in.Mode) {
		return fs.unlinkEntry(parent, name, dirInode, &in, false)
	}

	entries, derr := directory.ReadDir(fs.store, &in)
	if derr != nil {
		return derr
	}

	var aggregate errors.DriverError
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if rerr := fs.removeTree(uint64(e.InodeNum), dirInode, e.Name); rerr != nil {
			if aggregate == nil {
				aggregate = rerr
			} else {
				aggregate = aggregate.Wrap(rerr)
			}
		}
	}
	if aggregate != nil {
		return aggregate
	}

	in, rerr = inode.Read(fs.store, dirInode)
	if rerr != nil {
		return rerr
	}
	return fs.unlinkEntry(parent, name, dirInode, &in, true)
}

// unlinkEntry removes name from parent's directory, decrements the
// target's link count, and (when links_count reaches zero and no
// descriptor has it open) frees the inode and its extent data outright.
func (fs *FS) unlinkEntry(parent uint64, name string, target uint64, targetIn *codec.Inode, isDir bool) errors.DriverError {
	parentIn, rerr := inode.Read(fs.store, parent)
	if rerr != nil {
		return rerr
	}

	if isDir {
		if derr := directory.Remove(fs.store, &parentIn, name); derr != nil {
			return derr
		}
		parentIn.LinksCount--
	} else {
		if derr := directory.Remove(fs.store, &parentIn, name); derr != nil {
			return derr
		}
	}
	if werr := inode.Write(fs.store, parent, parentIn); werr != nil {
		return werr
	}

	if targetIn.LinksCount > 0 {
		targetIn.LinksCount--
	}
	inode.Touch(targetIn, false)
	if werr := inode.Write(fs.store, target, *targetIn); werr != nil {
		return werr
	}

	if targetIn.LinksCount == 0 && fs.fds.OpenRefCount(target) == 0 {
		return fs.destroyInode(target, targetIn)
	}
	return nil
}

// destroyInode frees every extent-tree data block and node belonging to an
// inode whose link count and open-descriptor count have both dropped to
// zero, then frees the inode record itself.
func (fs *FS) destroyInode(n uint64, in *codec.Inode) errors.DriverError {
	if err := extent.TruncateTo(fs.store, in, 0); err != nil {
		return err
	}
	in.SetSize(0)
	if err := inode.Write(fs.store, n, *in); err != nil {
		return err
	}
	return inode.Free(fs.store, n)
}

// Unlink removes a directory entry for a non-directory target.
func (fs *FS) Unlink(path string) errors.DriverError {
	abs := normalizePath(fs.cwdPath, path)
	res, err := pathresolve.Resolve(fs.store, fs.cwdNode, abs, false)
	if err != nil {
		return err
	}
	in, rerr := inode.Read(fs.store, res.Inode)
	if rerr != nil {
		return rerr
	}
	if inode.IsDir(in.Mode) {
		return errors.New(errors.EISDIR)
	}
	return fs.unlinkEntry(res.Parent, res.BaseName, res.Inode, &in, false)
}

// Symlink creates a new symbolic link at linkPath pointing at target. The
// target text is stored verbatim and interpreted lazily by the path
// resolver; it is never validated against the current tree.
func (fs *FS) Symlink(target, linkPath string) errors.DriverError {
	abs := normalizePath(fs.cwdPath, linkPath)
	if fs.exists(abs) {
		return errors.New(errors.EEXIST)
	}
	parentDir, name, perr := fs.resolveParentForCreate(abs)
	if perr != nil {
		return perr
	}

	parentIn, rerr := inode.Read(fs.store, parentDir)
	if rerr != nil {
		return rerr
	}

	childNo, childIn, ierr := inode.New(fs.store, inode.HintGroup(fs.store, parentDir), inode.ModeSymlink|0777, 0, 0)
	if ierr != nil {
		return ierr
	}
	if _, werr := fsio.Write(fs.store, &childIn, 0, []byte(target), inode.HintGroup(fs.store, parentDir)); werr != nil {
		_ = inode.Free(fs.store, childNo)
		return werr
	}
	childIn.LinksCount = 1
	if werr := inode.Write(fs.store, childNo, childIn); werr != nil {
		return werr
	}

	if derr := directory.Insert(fs.store, &parentIn, name, childNo, directory.FileTypeSymlink, inode.HintGroup(fs.store, parentDir)); derr != nil {
		return derr
	}
	return inode.Write(fs.store, parentDir, parentIn)
}

// Link creates a new hard link at newPath pointing at the same inode as
// oldPath. Directories can't be hard-linked: allowing it would let a
// directory have multiple parents, breaking the single ".." every
// directory's layout assumes.
func (fs *FS) Link(oldPath, newPath string) errors.DriverError {
	oldAbs := normalizePath(fs.cwdPath, oldPath)
	oldRes, err := pathresolve.Resolve(fs.store, fs.cwdNode, oldAbs, false)
	if err != nil {
		return err
	}
	targetIn, rerr := inode.Read(fs.store, oldRes.Inode)
	if rerr != nil {
		return rerr
	}
	if inode.IsDir(targetIn.Mode) {
		return errors.New(errors.EISDIR)
	}

	newAbs := normalizePath(fs.cwdPath, newPath)
	if fs.exists(newAbs) {
		return errors.New(errors.EEXIST)
	}
	parentDir, name, perr := fs.resolveParentForCreate(newAbs)
	if perr != nil {
		return perr
	}

	parentIn, rerr := inode.Read(fs.store, parentDir)
	if rerr != nil {
		return rerr
	}
	fileType := uint8(directory.FileTypeRegular)
	if inode.IsSymlink(targetIn.Mode) {
		fileType = directory.FileTypeSymlink
	}
	if derr := directory.Insert(fs.store, &parentIn, name, oldRes.Inode, fileType, inode.HintGroup(fs.store, parentDir)); derr != nil {
		return derr
	}
	if werr := inode.Write(fs.store, parentDir, parentIn); werr != nil {
		return werr
	}

	targetIn.LinksCount++
	inode.Touch(&targetIn, false)
	return inode.Write(fs.store, oldRes.Inode, targetIn)
}

// Chmod changes the permission bits of the file system object at path,
// leaving its type bits (the high nibble of mode) untouched.
func (fs *FS) Chmod(path string, permBits uint32) errors.DriverError {
	abs := normalizePath(fs.cwdPath, path)
	res, err := pathresolve.Resolve(fs.store, fs.cwdNode, abs, true)
	if err != nil {
		return err
	}
	in, rerr := inode.Read(fs.store, res.Inode)
	if rerr != nil {
		return rerr
	}
	in.Mode = (in.Mode &^ inode.ModePermMask) | (permBits & inode.ModePermMask)
	inode.Touch(&in, false)
	return inode.Write(fs.store, res.Inode, in)
}

// Chown changes the owning uid/gid of the file system object at path.
func (fs *FS) Chown(path string, uid, gid uint32) errors.DriverError {
	abs := normalizePath(fs.cwdPath, path)
	res, err := pathresolve.Resolve(fs.store, fs.cwdNode, abs, true)
	if err != nil {
		return err
	}
	in, rerr := inode.Read(fs.store, res.Inode)
	if rerr != nil {
		return rerr
	}
	in.Uid = uid
	in.Gid = gid
	inode.Touch(&in, false)
	return inode.Write(fs.store, res.Inode, in)
}

// Chdir changes the current working directory.
func (fs *FS) Chdir(path string) errors.DriverError {
	abs := normalizePath(fs.cwdPath, path)
	res, err := pathresolve.Resolve(fs.store, fs.cwdNode, abs, true)
	if err != nil {
		return err
	}
	in, rerr := inode.Read(fs.store, res.Inode)
	if rerr != nil {
		return rerr
	}
	if !inode.IsDir(in.Mode) {
		return errors.New(errors.ENOTDIR)
	}
	fs.cwdNode = res.Inode
	fs.cwdPath = abs
	return nil
}

// Getcwd returns the current working directory's absolute path.
func (fs *FS) Getcwd() string {
	return fs.cwdPath
}
