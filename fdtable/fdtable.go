// Package fdtable tracks open file descriptors the way minixfs's filp
// layer (fs/filp.go) tracks open file instances: a small table mapping an
// integer descriptor to a stored read/write position and the inode it
// refers to, plus a reference count per inode so the caller can tell when
// the last descriptor referring to an unlinked inode has gone away and
// deferred deletion should run.
package fdtable

import "github.com/kotazzz/extfs/errors"

// Open flags, values chosen to match the convention the rest of the
// filesystem documents: O_RDONLY=0, O_WRONLY=1, O_RDWR=2, O_CREAT=0x40,
// O_TRUNC=0x200.
const (
	ORdonly = 0x0
	OWronly = 0x1
	ORdwr   = 0x2
	OCreat  = 0x40
	OTrunc  = 0x200
)

// firstFd is the lowest descriptor number handed out; 0, 1, and 2 are
// reserved the way stdin/stdout/stderr are on a real process.
const firstFd = 3

// Handle is one open descriptor's state.
type Handle struct {
	InodeNum uint64
	Pos      uint64
	Flags    uint32
}

// Table is the set of descriptors currently open on a mounted filesystem.
type Table struct {
	next     int
	handles  map[int]*Handle
	openRefs map[uint64]int
}

// New returns an empty descriptor table.
func New() *Table {
	return &Table{
		next:     firstFd,
		handles:  make(map[int]*Handle),
		openRefs: make(map[uint64]int),
	}
}

// Open allocates a new descriptor referring to inodeNum and returns it.
func (t *Table) Open(inodeNum uint64, flags uint32) int {
	fd := t.next
	t.next++
	t.handles[fd] = &Handle{InodeNum: inodeNum, Flags: flags}
	t.openRefs[inodeNum]++
	return fd
}

// Get returns the handle for fd, or E_BADF if it isn't open.
func (t *Table) Get(fd int) (*Handle, errors.DriverError) {
	h, ok := t.handles[fd]
	if !ok {
		return nil, errors.New(errors.EBADF)
	}
	return h, nil
}

// Close releases fd. It returns whether inodeNum now has zero open
// descriptors left, which is the signal the caller should check against
// the inode's links_count to decide whether to run deferred deletion.
func (t *Table) Close(fd int) (inodeNum uint64, lastReference bool, err errors.DriverError) {
	h, ok := t.handles[fd]
	if !ok {
		return 0, false, errors.New(errors.EBADF)
	}
	delete(t.handles, fd)

	inodeNum = h.InodeNum
	t.openRefs[inodeNum]--
	lastReference = t.openRefs[inodeNum] <= 0
	if lastReference {
		delete(t.openRefs, inodeNum)
	}
	return inodeNum, lastReference, nil
}

// OpenRefCount reports how many live descriptors currently refer to
// inodeNum.
func (t *Table) OpenRefCount(inodeNum uint64) int {
	return t.openRefs[inodeNum]
}

// IsOpen reports whether fd currently names a live descriptor.
func (t *Table) IsOpen(fd int) bool {
	_, ok := t.handles[fd]
	return ok
}
