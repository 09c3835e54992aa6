// Package bitmap implements the per-group bit-allocation primitive used for
// both the block bitmap and the inode bitmap. It is a thin, disk-block-sized
// wrapper around github.com/boljen/go-bitmap, the same library disko's
// drivers/common.Allocator uses for its in-memory free/used bitmaps.
package bitmap

import (
	bitmaplib "github.com/boljen/go-bitmap"

	"github.com/kotazzz/extfs/errors"
)

// Map wraps the raw bytes of a single group's bitmap block. A set bit means
// "in use"; a clear bit means "free" — the opposite polarity of
// go-bitmap's own "free" helpers, so this type only uses the raw Get/Set
// primitives, exactly as disko's Allocator does when working from an
// in-use bitmap.
type Map struct {
	bits       bitmaplib.Bitmap
	totalUnits uint
}

// FromBlock wraps the raw bytes of an already-loaded bitmap block. The
// slice is used directly (not copied): callers write it back to disk after
// mutating it through Map.
func FromBlock(blockData []byte, totalUnits uint) Map {
	return Map{
		bits:       bitmaplib.Bitmap(blockData),
		totalUnits: totalUnits,
	}
}

// Bytes returns the underlying bitmap bytes, ready to be written back to
// the block device.
func (m Map) Bytes() []byte {
	return m.bits
}

// IsSet reports whether unit i is allocated.
func (m Map) IsSet(i uint) bool {
	return m.bits.Get(int(i))
}

// FindFirstClear returns the index of the lowest clear (free) bit, or
// ErrNoSpace if every bit in [0, totalUnits) is set.
func (m Map) FindFirstClear() (uint, errors.DriverError) {
	for i := uint(0); i < m.totalUnits; i++ {
		if !m.bits.Get(int(i)) {
			return i, nil
		}
	}
	return 0, errors.New(errors.ENOSPC)
}

// Set marks unit i allocated.
func (m Map) Set(i uint) {
	m.bits.Set(int(i), true)
}

// Clear marks unit i free. Clearing an already-free unit is a no-op, which
// keeps truncate/unlink idempotent when retried after a partial failure.
func (m Map) Clear(i uint) {
	m.bits.Set(int(i), false)
}

// CountSet returns the number of allocated units, i.e. the popcount of set
// bits among the first totalUnits bits. Group free-count accounting must
// always equal totalUnits - CountSet().
func (m Map) CountSet() uint {
	count := uint(0)
	for i := uint(0); i < m.totalUnits; i++ {
		if m.bits.Get(int(i)) {
			count++
		}
	}
	return count
}

// SizeInBytes returns the minimum number of bytes needed to hold a bitmap
// for the given number of units, rounded up to a whole byte.
func SizeInBytes(units uint) uint {
	return (units + 7) / 8
}
