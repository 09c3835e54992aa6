// Package block implements the fixed-size block abstraction that the rest
// of extfs is built on: a host file (or any io.ReadWriteSeeker) sliced into
// equal-sized, individually addressable blocks.
//
// It is modeled on disko's drivers/common.BlockDevice, simplified to the
// single-stream, no-partition-offset case this filesystem needs.
package block

import (
	"fmt"
	"io"
	"os"

	"github.com/kotazzz/extfs/errors"
)

// Device is a block-addressable view over a backing stream. All reads and
// writes happen in whole-block units; the device itself has no notion of
// file-system semantics above that.
type Device struct {
	BlockSize   uint32
	TotalBlocks uint64
	stream      io.ReadWriteSeeker
	closer      io.Closer
}

// Open opens the file at path as the backing store for a Device with the
// given geometry. The file must already exist and be at least
// totalBlocks*blockSize bytes long.
func Open(path string, blockSize uint32, totalBlocks uint64) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.NewFromError(errors.EIO, err)
	}
	return NewDevice(f, f, blockSize, totalBlocks), nil
}

// NewDevice wraps an already-open stream. closer may be nil if the stream
// doesn't need explicit closing (e.g. an in-memory buffer used in tests).
func NewDevice(stream io.ReadWriteSeeker, closer io.Closer, blockSize uint32, totalBlocks uint64) *Device {
	return &Device{
		BlockSize:   blockSize,
		TotalBlocks: totalBlocks,
		stream:      stream,
		closer:      closer,
	}
}

func (d *Device) offsetOf(blockNo uint64) (int64, errors.DriverError) {
	if blockNo >= d.TotalBlocks {
		return 0, errors.NewWithMessage(
			errors.EIO,
			fmt.Sprintf("block %d out of range [0, %d)", blockNo, d.TotalBlocks),
		)
	}
	return int64(blockNo) * int64(d.BlockSize), nil
}

// ReadBlock reads exactly BlockSize bytes starting at block blockNo.
func (d *Device) ReadBlock(blockNo uint64) ([]byte, errors.DriverError) {
	offset, err := d.offsetOf(blockNo)
	if err != nil {
		return nil, err
	}
	if _, seekErr := d.stream.Seek(offset, io.SeekStart); seekErr != nil {
		return nil, errors.NewFromError(errors.EIO, seekErr)
	}

	buffer := make([]byte, d.BlockSize)
	if _, readErr := io.ReadFull(d.stream, buffer); readErr != nil {
		return nil, errors.NewFromError(errors.EIO, readErr)
	}
	return buffer, nil
}

// ReadBlocks reads count contiguous blocks starting at blockNo.
func (d *Device) ReadBlocks(blockNo uint64, count uint) ([]byte, errors.DriverError) {
	offset, err := d.offsetOf(blockNo)
	if err != nil {
		return nil, err
	}
	if blockNo+uint64(count) > d.TotalBlocks {
		return nil, errors.NewWithMessage(
			errors.EIO,
			fmt.Sprintf("read of %d blocks at %d extends past end of device", count, blockNo),
		)
	}
	if _, seekErr := d.stream.Seek(offset, io.SeekStart); seekErr != nil {
		return nil, errors.NewFromError(errors.EIO, seekErr)
	}

	buffer := make([]byte, uint(d.BlockSize)*count)
	if _, readErr := io.ReadFull(d.stream, buffer); readErr != nil {
		return nil, errors.NewFromError(errors.EIO, readErr)
	}
	return buffer, nil
}

// WriteBlock writes exactly BlockSize bytes to block blockNo.
func (d *Device) WriteBlock(blockNo uint64, data []byte) errors.DriverError {
	if uint32(len(data)) != d.BlockSize {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("write buffer is %d bytes, block size is %d", len(data), d.BlockSize),
		)
	}
	offset, err := d.offsetOf(blockNo)
	if err != nil {
		return err
	}
	if _, seekErr := d.stream.Seek(offset, io.SeekStart); seekErr != nil {
		return errors.NewFromError(errors.EIO, seekErr)
	}
	if _, writeErr := d.stream.Write(data); writeErr != nil {
		return errors.NewFromError(errors.EIO, writeErr)
	}
	return nil
}

// Flush commits any buffering the backing stream performs. Streams that
// don't support syncing (e.g. in-memory buffers) are left untouched.
func (d *Device) Flush() errors.DriverError {
	if syncer, ok := d.stream.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return errors.NewFromError(errors.EIO, err)
		}
	}
	return nil
}

// Close releases the backing stream, if it was opened by this package.
func (d *Device) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}
