// Package codec packs and unpacks the fixed-layout, little-endian on-disk
// records extfs is built from: the superblock, group descriptors, inodes,
// extent tree nodes, and directory entries.
//
// Every record type follows the same shape disko's unixv1 formatter uses
// (encoding/binary over a bytewriter-wrapped slice): Pack allocates a
// buffer of the record's exact size and fills it, Unpack validates and
// reconstructs the Go struct.
package codec

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/noxer/bytewriter"

	"github.com/kotazzz/extfs/errors"
)

const (
	SuperblockSize       = 56
	SuperblockChecksumAt = 52
	GroupDescSize        = 32
	InodeSize            = 88
	ExtentHeaderSize     = 12
	ExtentEntrySize      = 12
	ExtentRootSize       = 48
	ExtentRootCapacity   = (ExtentRootSize - ExtentHeaderSize) / ExtentEntrySize // 3

	ExtentMagic = 0xF30A

	DirentFixedSize = 4 + 4 + 4 + 1 + 1 // inode_num + entry_len + name_len + file_type + reserved
)

// Superblock is the 56-byte global header stored at block 0, offset 0. The
// fields up to FirstDataBlock fill 48 bytes; the next 4 bytes are reserved
// (always zero), so Checksum sits at byte SuperblockChecksumAt.
type Superblock struct {
	FsSizeBlocks    uint64
	BlockSize       uint32
	BlocksPerGroup  uint32
	InodesPerGroup  uint32
	TotalInodes     uint64
	FreeBlocks      uint64
	FreeInodes      uint64
	FirstDataBlock  uint32
	Checksum        uint32
}

// Pack serializes the superblock, computing and filling in the CRC32/IEEE
// checksum over the 52 bytes that precede it.
func (s *Superblock) Pack() []byte {
	buffer := make([]byte, SuperblockSize)
	writer := bytewriter.New(buffer)

	binary.Write(writer, binary.LittleEndian, s.FsSizeBlocks)
	binary.Write(writer, binary.LittleEndian, s.BlockSize)
	binary.Write(writer, binary.LittleEndian, s.BlocksPerGroup)
	binary.Write(writer, binary.LittleEndian, s.InodesPerGroup)
	binary.Write(writer, binary.LittleEndian, s.TotalInodes)
	binary.Write(writer, binary.LittleEndian, s.FreeBlocks)
	binary.Write(writer, binary.LittleEndian, s.FreeInodes)
	binary.Write(writer, binary.LittleEndian, s.FirstDataBlock)
	binary.Write(writer, binary.LittleEndian, uint32(0)) // reserved

	s.Checksum = crc32.ChecksumIEEE(buffer[:SuperblockChecksumAt])
	binary.Write(writer, binary.LittleEndian, s.Checksum)

	return buffer
}

// UnpackSuperblock validates the checksum and reconstructs the superblock.
func UnpackSuperblock(data []byte) (Superblock, errors.DriverError) {
	if len(data) < SuperblockSize {
		return Superblock{}, errors.NewWithMessage(errors.ECORRUPT, "superblock buffer too small")
	}

	reader := bytes.NewReader(data[:SuperblockSize])
	var s Superblock
	binary.Read(reader, binary.LittleEndian, &s.FsSizeBlocks)
	binary.Read(reader, binary.LittleEndian, &s.BlockSize)
	binary.Read(reader, binary.LittleEndian, &s.BlocksPerGroup)
	binary.Read(reader, binary.LittleEndian, &s.InodesPerGroup)
	binary.Read(reader, binary.LittleEndian, &s.TotalInodes)
	binary.Read(reader, binary.LittleEndian, &s.FreeBlocks)
	binary.Read(reader, binary.LittleEndian, &s.FreeInodes)
	binary.Read(reader, binary.LittleEndian, &s.FirstDataBlock)
	var reserved uint32
	binary.Read(reader, binary.LittleEndian, &reserved)
	binary.Read(reader, binary.LittleEndian, &s.Checksum)

	want := crc32.ChecksumIEEE(data[:SuperblockChecksumAt])
	if want != s.Checksum {
		return Superblock{}, errors.NewWithMessage(errors.ECORRUPT, "superblock checksum mismatch")
	}
	return s, nil
}

// GroupDescriptor is the 32-byte per-group table entry.
type GroupDescriptor struct {
	BlockBitmapBlock uint64
	InodeBitmapBlock uint64
	InodeTableBlock  uint64
	FreeBlocksCount  uint32
	FreeInodesCount  uint32
}

func (g *GroupDescriptor) Pack() []byte {
	buffer := make([]byte, GroupDescSize)
	writer := bytewriter.New(buffer)
	binary.Write(writer, binary.LittleEndian, g.BlockBitmapBlock)
	binary.Write(writer, binary.LittleEndian, g.InodeBitmapBlock)
	binary.Write(writer, binary.LittleEndian, g.InodeTableBlock)
	binary.Write(writer, binary.LittleEndian, g.FreeBlocksCount)
	binary.Write(writer, binary.LittleEndian, g.FreeInodesCount)
	return buffer
}

func UnpackGroupDescriptor(data []byte) (GroupDescriptor, errors.DriverError) {
	if len(data) < GroupDescSize {
		return GroupDescriptor{}, errors.NewWithMessage(errors.ECORRUPT, "group descriptor buffer too small")
	}
	reader := bytes.NewReader(data[:GroupDescSize])
	var g GroupDescriptor
	binary.Read(reader, binary.LittleEndian, &g.BlockBitmapBlock)
	binary.Read(reader, binary.LittleEndian, &g.InodeBitmapBlock)
	binary.Read(reader, binary.LittleEndian, &g.InodeTableBlock)
	binary.Read(reader, binary.LittleEndian, &g.FreeBlocksCount)
	binary.Read(reader, binary.LittleEndian, &g.FreeInodesCount)
	return g, nil
}

// Inode is the 88-byte on-disk inode record. ExtentRoot holds the inline
// root of the extent B+ tree verbatim; the extent package interprets it.
type Inode struct {
	Mode        uint32
	Uid         uint32
	Gid         uint32
	SizeLo      uint32
	SizeHi      uint32
	LinksCount  uint32
	Atime       uint32
	Ctime       uint32
	Mtime       uint32
	Flags       uint32
	ExtentRoot  [ExtentRootSize]byte
}

func (n *Inode) Size() uint64 {
	return uint64(n.SizeHi)<<32 | uint64(n.SizeLo)
}

func (n *Inode) SetSize(size uint64) {
	n.SizeLo = uint32(size)
	n.SizeHi = uint32(size >> 32)
}

func (n *Inode) Pack() []byte {
	buffer := make([]byte, InodeSize)
	writer := bytewriter.New(buffer)
	binary.Write(writer, binary.LittleEndian, n.Mode)
	binary.Write(writer, binary.LittleEndian, n.Uid)
	binary.Write(writer, binary.LittleEndian, n.Gid)
	binary.Write(writer, binary.LittleEndian, n.SizeLo)
	binary.Write(writer, binary.LittleEndian, n.SizeHi)
	binary.Write(writer, binary.LittleEndian, n.LinksCount)
	binary.Write(writer, binary.LittleEndian, n.Atime)
	binary.Write(writer, binary.LittleEndian, n.Ctime)
	binary.Write(writer, binary.LittleEndian, n.Mtime)
	binary.Write(writer, binary.LittleEndian, n.Flags)
	writer.Write(n.ExtentRoot[:])
	return buffer
}

func UnpackInode(data []byte) (Inode, errors.DriverError) {
	if len(data) < InodeSize {
		return Inode{}, errors.NewWithMessage(errors.ECORRUPT, "inode buffer too small")
	}
	reader := bytes.NewReader(data[:InodeSize])
	var n Inode
	binary.Read(reader, binary.LittleEndian, &n.Mode)
	binary.Read(reader, binary.LittleEndian, &n.Uid)
	binary.Read(reader, binary.LittleEndian, &n.Gid)
	binary.Read(reader, binary.LittleEndian, &n.SizeLo)
	binary.Read(reader, binary.LittleEndian, &n.SizeHi)
	binary.Read(reader, binary.LittleEndian, &n.LinksCount)
	binary.Read(reader, binary.LittleEndian, &n.Atime)
	binary.Read(reader, binary.LittleEndian, &n.Ctime)
	binary.Read(reader, binary.LittleEndian, &n.Mtime)
	binary.Read(reader, binary.LittleEndian, &n.Flags)
	copy(n.ExtentRoot[:], data[40:88])
	return n, nil
}

// ExtentHeader is the 12-byte header shared by every extent tree node,
// inline root or whole-block.
type ExtentHeader struct {
	Magic      uint16
	Entries    uint16
	MaxEntries uint16
	Depth      uint16
	Reserved   uint32
}

func (h *ExtentHeader) Pack() []byte {
	buffer := make([]byte, ExtentHeaderSize)
	writer := bytewriter.New(buffer)
	binary.Write(writer, binary.LittleEndian, h.Magic)
	binary.Write(writer, binary.LittleEndian, h.Entries)
	binary.Write(writer, binary.LittleEndian, h.MaxEntries)
	binary.Write(writer, binary.LittleEndian, h.Depth)
	binary.Write(writer, binary.LittleEndian, h.Reserved)
	return buffer
}

func UnpackExtentHeader(data []byte) (ExtentHeader, errors.DriverError) {
	if len(data) < ExtentHeaderSize {
		return ExtentHeader{}, errors.NewWithMessage(errors.ECORRUPT, "extent header buffer too small")
	}
	reader := bytes.NewReader(data[:ExtentHeaderSize])
	var h ExtentHeader
	binary.Read(reader, binary.LittleEndian, &h.Magic)
	binary.Read(reader, binary.LittleEndian, &h.Entries)
	binary.Read(reader, binary.LittleEndian, &h.MaxEntries)
	binary.Read(reader, binary.LittleEndian, &h.Depth)
	binary.Read(reader, binary.LittleEndian, &h.Reserved)
	if h.Magic != ExtentMagic {
		return ExtentHeader{}, errors.NewWithMessage(errors.ECORRUPT, "bad extent node magic")
	}
	if h.Entries > h.MaxEntries {
		return ExtentHeader{}, errors.NewWithMessage(errors.ECORRUPT, "extent node entries exceeds capacity")
	}
	return h, nil
}

// ExtentLeaf is a depth-0 entry: a contiguous run of physical blocks
// covering [LogicalBlock, LogicalBlock+BlockCount) of the file. On disk
// the entry is ExtentEntrySize bytes: LogicalBlock u32, BlockCount u16,
// then StartBlock as 48 bits (high u16, low u32). Reserved is not stored.
type ExtentLeaf struct {
	LogicalBlock uint32
	BlockCount   uint16
	Reserved     uint16
	StartBlock   uint64
}

func (e *ExtentLeaf) Pack() []byte {
	buffer := make([]byte, ExtentEntrySize)
	writer := bytewriter.New(buffer)
	binary.Write(writer, binary.LittleEndian, e.LogicalBlock)
	binary.Write(writer, binary.LittleEndian, e.BlockCount)
	binary.Write(writer, binary.LittleEndian, uint16(e.StartBlock>>32))
	binary.Write(writer, binary.LittleEndian, uint32(e.StartBlock))
	return buffer
}

func UnpackExtentLeaf(data []byte) ExtentLeaf {
	reader := bytes.NewReader(data[:ExtentEntrySize])
	var e ExtentLeaf
	var startHi uint16
	var startLo uint32
	binary.Read(reader, binary.LittleEndian, &e.LogicalBlock)
	binary.Read(reader, binary.LittleEndian, &e.BlockCount)
	binary.Read(reader, binary.LittleEndian, &startHi)
	binary.Read(reader, binary.LittleEndian, &startLo)
	e.StartBlock = uint64(startHi)<<32 | uint64(startLo)
	return e
}

// ExtentIndex is a depth>0 entry pointing at a child node block. On disk
// the entry is ExtentEntrySize bytes: LogicalBlock u32 then ChildBlock u64.
// Reserved is not stored.
type ExtentIndex struct {
	LogicalBlock uint32
	Reserved     uint32
	ChildBlock   uint64
}

func (e *ExtentIndex) Pack() []byte {
	buffer := make([]byte, ExtentEntrySize)
	writer := bytewriter.New(buffer)
	binary.Write(writer, binary.LittleEndian, e.LogicalBlock)
	binary.Write(writer, binary.LittleEndian, e.ChildBlock)
	return buffer
}

func UnpackExtentIndex(data []byte) ExtentIndex {
	reader := bytes.NewReader(data[:ExtentEntrySize])
	var e ExtentIndex
	binary.Read(reader, binary.LittleEndian, &e.LogicalBlock)
	binary.Read(reader, binary.LittleEndian, &e.ChildBlock)
	return e
}

// DirEntry is a variable-length directory record.
type DirEntry struct {
	InodeNum int64 // 0 means "deleted"/unused when matched against as uint32
	EntryLen uint32
	NameLen  uint32
	FileType uint8
	Reserved uint8
	Name     string
}

// Align4 rounds n up to the next multiple of 4.
func Align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// MinDirEntryLen returns the minimum record length for a dirent with the
// given name, i.e. the fixed header plus the name, 4-byte aligned.
func MinDirEntryLen(nameLen int) uint32 {
	return Align4(uint32(DirentFixedSize + nameLen))
}

// Pack serializes the entry into exactly EntryLen bytes (EntryLen must
// already be set to at least MinDirEntryLen(len(Name))); the trailing
// padding/slack bytes are left zeroed.
func (d *DirEntry) Pack() []byte {
	buffer := make([]byte, d.EntryLen)
	writer := bytewriter.New(buffer)
	binary.Write(writer, binary.LittleEndian, uint32(d.InodeNum))
	binary.Write(writer, binary.LittleEndian, d.EntryLen)
	binary.Write(writer, binary.LittleEndian, d.NameLen)
	binary.Write(writer, binary.LittleEndian, d.FileType)
	binary.Write(writer, binary.LittleEndian, d.Reserved)
	writer.Write([]byte(d.Name))
	return buffer
}

// UnpackDirEntry reads a single directory entry starting at offset 0 of
// data. data may be longer than the entry itself (the rest of the block).
func UnpackDirEntry(data []byte) (DirEntry, errors.DriverError) {
	if len(data) < DirentFixedSize {
		return DirEntry{}, errors.NewWithMessage(errors.ECORRUPT, "dirent buffer too small")
	}
	reader := bytes.NewReader(data[:DirentFixedSize])
	var inodeNum, entryLen, nameLen uint32
	var fileType, reserved uint8
	binary.Read(reader, binary.LittleEndian, &inodeNum)
	binary.Read(reader, binary.LittleEndian, &entryLen)
	binary.Read(reader, binary.LittleEndian, &nameLen)
	binary.Read(reader, binary.LittleEndian, &fileType)
	binary.Read(reader, binary.LittleEndian, &reserved)

	if entryLen < DirentFixedSize || entryLen%4 != 0 {
		return DirEntry{}, errors.NewWithMessage(errors.ECORRUPT, "dirent has invalid entry_len")
	}
	if uint32(DirentFixedSize)+nameLen > entryLen || int(entryLen) > len(data) {
		return DirEntry{}, errors.NewWithMessage(errors.ECORRUPT, "dirent name overruns record")
	}

	name := string(data[DirentFixedSize : DirentFixedSize+int(nameLen)])
	return DirEntry{
		InodeNum: int64(inodeNum),
		EntryLen: entryLen,
		NameLen:  nameLen,
		FileType: fileType,
		Reserved: reserved,
		Name:     name,
	}, nil
}
