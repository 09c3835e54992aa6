// Package pathresolve walks slash-separated paths component by component
// down to an inode number, the way disko's basedriver resolves
// getObjectAtPath*/resolveSymlink chains, except directly against the
// directory and inode layers instead of through an ObjectHandle.
package pathresolve

import (
	"strings"

	"github.com/kotazzz/extfs/codec"
	"github.com/kotazzz/extfs/directory"
	"github.com/kotazzz/extfs/errors"
	"github.com/kotazzz/extfs/fsio"
	"github.com/kotazzz/extfs/inode"
	"github.com/kotazzz/extfs/superblock"
)

// maxSymlinkDepth bounds the total number of symlinks Resolve will follow,
// across every nested target it has to re-resolve, before giving up on a
// cycle.
const maxSymlinkDepth = 40

// Result is the outcome of resolving a path: the inode the path names, its
// containing directory, and the final path component's textual name (the
// piece the caller would use to insert/remove an entry in parent).
type Result struct {
	Inode    uint64
	Parent   uint64
	BaseName string
}

func split(path string) []string {
	var parts []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			parts = append(parts, c)
		}
	}
	return parts
}

// Resolve walks path starting at cwd (ignored for absolute paths, which
// start at the root inode) and returns the inode it names along with its
// parent. followLastSymlink distinguishes stat (true) from lstat (false):
// when false and the final component is itself a symlink, the symlink's
// own inode is returned unresolved.
func Resolve(store *superblock.Store, cwd uint64, path string, followLastSymlink bool) (Result, errors.DriverError) {
	depth := 0
	return resolve(store, cwd, path, followLastSymlink, &depth)
}

func resolve(store *superblock.Store, cwd uint64, path string, followLastSymlink bool, depth *int) (Result, errors.DriverError) {
	if path == "" {
		return Result{}, errors.New(errors.ENOENT)
	}

	current := cwd
	if strings.HasPrefix(path, "/") {
		current = inode.RootInodeNumber
	}
	parent := current

	parts := split(path)
	if len(parts) == 0 {
		// "/" or "" relative to root: no base name, inode is its own parent.
		return Result{Inode: current, Parent: current, BaseName: "."}, nil
	}

	for i, name := range parts {
		isLast := i == len(parts)-1

		next, parentOfNext, err := stepComponent(store, current, parent, name, depth)
		if err != nil {
			return Result{}, err
		}

		if isLast {
			if followLastSymlink {
				resolved, rerr := followSymlinkChain(store, next, parentOfNext, depth)
				if rerr != nil {
					return Result{}, rerr
				}
				next = resolved
			}
			return Result{Inode: next, Parent: parentOfNext, BaseName: name}, nil
		}

		in, rerr := inode.Read(store, next)
		if rerr != nil {
			return Result{}, rerr
		}
		if inode.IsSymlink(in.Mode) {
			resolved, serr := followSymlinkChain(store, next, parentOfNext, depth)
			if serr != nil {
				return Result{}, serr
			}
			next = resolved
			in, rerr = inode.Read(store, next)
			if rerr != nil {
				return Result{}, rerr
			}
		}
		if !inode.IsDir(in.Mode) {
			return Result{}, errors.New(errors.ENOTDIR)
		}

		parent = next
		current = next
	}

	return Result{}, errors.New(errors.ENOENT)
}

// stepComponent resolves a single textual component (".", "..", or a real
// name) against dir, returning the inode it names and the directory
// reported as that inode's parent: dir itself for a real name, dirParent
// for ".", and the named directory itself for ".." (so ".." at the root
// maps back to the root instead of climbing above it).
func stepComponent(store *superblock.Store, dir, dirParent uint64, name string, depth *int) (uint64, uint64, errors.DriverError) {
	switch name {
	case ".":
		return dir, dirParent, nil
	case "..":
		if dir == inode.RootInodeNumber {
			return inode.RootInodeNumber, inode.RootInodeNumber, nil
		}
		target, lerr := followSymlinkChain(store, dir, dirParent, depth)
		if lerr != nil {
			return 0, 0, lerr
		}
		dirIn, rerr := inode.Read(store, target)
		if rerr != nil {
			return 0, 0, rerr
		}
		parentInode, derr := directory.Lookup(store, &dirIn, "..")
		if derr != nil {
			return 0, 0, derr
		}
		return parentInode, parentInode, nil
	default:
		target, lerr := followSymlinkChain(store, dir, dirParent, depth)
		if lerr != nil {
			return 0, 0, lerr
		}
		dirIn, rerr := inode.Read(store, target)
		if rerr != nil {
			return 0, 0, rerr
		}
		if !inode.IsDir(dirIn.Mode) {
			return 0, 0, errors.New(errors.ENOTDIR)
		}
		child, derr := directory.Lookup(store, &dirIn, name)
		if derr != nil {
			return 0, 0, derr
		}
		return child, target, nil
	}
}

// followSymlinkChain dereferences n until it names a non-symlink, or fails
// with E_LOOP after maxSymlinkDepth hops total. containingDir anchors
// relative symlink targets; absolute targets resolve from the root
// regardless.
func followSymlinkChain(store *superblock.Store, n, containingDir uint64, depth *int) (uint64, errors.DriverError) {
	for {
		in, err := inode.Read(store, n)
		if err != nil {
			return 0, err
		}
		if !inode.IsSymlink(in.Mode) {
			return n, nil
		}

		*depth++
		if *depth > maxSymlinkDepth {
			return 0, errors.NewWithMessage(errors.ELOOP, "too many levels of symbolic links")
		}

		target, rerr := readSymlinkTarget(store, &in)
		if rerr != nil {
			return 0, rerr
		}

		res, rerr := resolve(store, containingDir, target, false, depth)
		if rerr != nil {
			return 0, rerr
		}
		n = res.Inode
		containingDir = res.Parent
	}
}

// readSymlinkTarget returns the textual target stored in a symlink inode's
// data.
func readSymlinkTarget(store *superblock.Store, in *codec.Inode) (string, errors.DriverError) {
	size := in.Size()
	buf := make([]byte, size)
	if _, err := fsio.Read(store, in, 0, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
