// Package extent implements the per-inode extent B+ tree: an inline root
// embedded in the inode's 48-byte extent_root window, promoted to
// whole-block external nodes once that inline capacity (3 entries)
// overflows. It's grounded on the node/entry layout gvisor's read-only
// ext4 reader documents in disklayout.go and extent.go, extended here
// with the insert/split/truncate logic a writable filesystem needs.
//
// Every mutation only ever touches the rightmost path of the tree: the
// file I/O layer above only calls Append at the current end-of-file, so
// insertion never needs to shift sibling entries the way a general-purpose
// B+ tree would.
package extent

import (
	"github.com/kotazzz/extfs/codec"
	"github.com/kotazzz/extfs/errors"
	"github.com/kotazzz/extfs/superblock"
)

// capacity returns how many entries fit in a whole-block external node.
func capacity(blockSize uint32) uint16 {
	return uint16((blockSize - codec.ExtentHeaderSize) / codec.ExtentEntrySize)
}

// rootHeader reads the header of the inline root stored in the inode.
func rootHeader(in *codec.Inode) (codec.ExtentHeader, errors.DriverError) {
	return codec.UnpackExtentHeader(in.ExtentRoot[:codec.ExtentHeaderSize])
}

func rootLeaves(in *codec.Inode, hdr codec.ExtentHeader) []codec.ExtentLeaf {
	leaves := make([]codec.ExtentLeaf, hdr.Entries)
	for i := uint16(0); i < hdr.Entries; i++ {
		start := codec.ExtentHeaderSize + int(i)*codec.ExtentEntrySize
		leaves[i] = codec.UnpackExtentLeaf(in.ExtentRoot[start : start+codec.ExtentEntrySize])
	}
	return leaves
}

func rootIndices(in *codec.Inode, hdr codec.ExtentHeader) []codec.ExtentIndex {
	indices := make([]codec.ExtentIndex, hdr.Entries)
	for i := uint16(0); i < hdr.Entries; i++ {
		start := codec.ExtentHeaderSize + int(i)*codec.ExtentEntrySize
		indices[i] = codec.UnpackExtentIndex(in.ExtentRoot[start : start+codec.ExtentEntrySize])
	}
	return indices
}

func writeRootLeaves(in *codec.Inode, depth uint16, leaves []codec.ExtentLeaf) {
	hdr := codec.ExtentHeader{Magic: codec.ExtentMagic, Entries: uint16(len(leaves)), MaxEntries: codec.ExtentRootCapacity, Depth: depth}
	copy(in.ExtentRoot[:codec.ExtentHeaderSize], hdr.Pack())
	for i, leaf := range leaves {
		start := codec.ExtentHeaderSize + i*codec.ExtentEntrySize
		copy(in.ExtentRoot[start:start+codec.ExtentEntrySize], leaf.Pack())
	}
}

func writeRootIndices(in *codec.Inode, depth uint16, indices []codec.ExtentIndex) {
	hdr := codec.ExtentHeader{Magic: codec.ExtentMagic, Entries: uint16(len(indices)), MaxEntries: codec.ExtentRootCapacity, Depth: depth}
	copy(in.ExtentRoot[:codec.ExtentHeaderSize], hdr.Pack())
	for i, idx := range indices {
		start := codec.ExtentHeaderSize + i*codec.ExtentEntrySize
		copy(in.ExtentRoot[start:start+codec.ExtentEntrySize], idx.Pack())
	}
}

// externalNode is the decoded form of a whole-block node.
type externalNode struct {
	header  codec.ExtentHeader
	leaves  []codec.ExtentLeaf  // valid when header.Depth == 0
	indices []codec.ExtentIndex // valid when header.Depth > 0
}

func loadExternalNode(store *superblock.Store, blockNo uint64) (externalNode, errors.DriverError) {
	data, err := store.Device.ReadBlock(blockNo)
	if err != nil {
		return externalNode{}, err
	}
	hdr, herr := codec.UnpackExtentHeader(data[:codec.ExtentHeaderSize])
	if herr != nil {
		return externalNode{}, herr
	}
	n := externalNode{header: hdr}
	if hdr.Depth == 0 {
		n.leaves = make([]codec.ExtentLeaf, hdr.Entries)
		for i := uint16(0); i < hdr.Entries; i++ {
			start := codec.ExtentHeaderSize + int(i)*codec.ExtentEntrySize
			n.leaves[i] = codec.UnpackExtentLeaf(data[start : start+codec.ExtentEntrySize])
		}
	} else {
		n.indices = make([]codec.ExtentIndex, hdr.Entries)
		for i := uint16(0); i < hdr.Entries; i++ {
			start := codec.ExtentHeaderSize + int(i)*codec.ExtentEntrySize
			n.indices[i] = codec.UnpackExtentIndex(data[start : start+codec.ExtentEntrySize])
		}
	}
	return n, nil
}

func writeExternalNode(store *superblock.Store, blockNo uint64, n externalNode) errors.DriverError {
	data := make([]byte, store.SB.BlockSize)
	if n.header.Depth == 0 {
		n.header.Entries = uint16(len(n.leaves))
	} else {
		n.header.Entries = uint16(len(n.indices))
	}
	n.header.Magic = codec.ExtentMagic
	n.header.MaxEntries = capacity(store.SB.BlockSize)
	copy(data[:codec.ExtentHeaderSize], n.header.Pack())
	if n.header.Depth == 0 {
		for i, leaf := range n.leaves {
			start := codec.ExtentHeaderSize + i*codec.ExtentEntrySize
			copy(data[start:start+codec.ExtentEntrySize], leaf.Pack())
		}
	} else {
		for i, idx := range n.indices {
			start := codec.ExtentHeaderSize + i*codec.ExtentEntrySize
			copy(data[start:start+codec.ExtentEntrySize], idx.Pack())
		}
	}
	return store.Device.WriteBlock(blockNo, data)
}

// Lookup resolves a logical file block to the physical block that backs it
// and the number of further contiguous logical blocks the same run covers.
func Lookup(store *superblock.Store, in *codec.Inode, logical uint32) (physical uint64, runLength uint32, err errors.DriverError) {
	hdr, herr := rootHeader(in)
	if herr != nil {
		return 0, 0, herr
	}
	if hdr.Depth == 0 {
		return lookupInLeaves(rootLeaves(in, hdr), logical)
	}
	return lookupViaIndex(store, rootIndices(in, hdr), logical)
}

func lookupInLeaves(leaves []codec.ExtentLeaf, logical uint32) (uint64, uint32, errors.DriverError) {
	for _, leaf := range leaves {
		if logical >= leaf.LogicalBlock && logical < leaf.LogicalBlock+uint32(leaf.BlockCount) {
			offset := logical - leaf.LogicalBlock
			return leaf.StartBlock + uint64(offset), uint32(leaf.BlockCount) - offset, nil
		}
	}
	return 0, 0, errors.New(errors.ENOENT)
}

func lookupViaIndex(store *superblock.Store, indices []codec.ExtentIndex, logical uint32) (uint64, uint32, errors.DriverError) {
	child, ok := childFor(indices, logical)
	if !ok {
		return 0, 0, errors.New(errors.ENOENT)
	}
	node, err := loadExternalNode(store, child)
	if err != nil {
		return 0, 0, err
	}
	if node.header.Depth == 0 {
		return lookupInLeaves(node.leaves, logical)
	}
	return lookupViaIndex(store, node.indices, logical)
}

// childFor finds the rightmost index entry whose LogicalBlock is <= logical
// (index entries are kept in ascending LogicalBlock order).
func childFor(indices []codec.ExtentIndex, logical uint32) (uint64, bool) {
	found := false
	var childBlock uint64
	for _, idx := range indices {
		if idx.LogicalBlock > logical {
			break
		}
		childBlock = idx.ChildBlock
		found = true
	}
	return childBlock, found
}

// endOfFile returns the first logical block not yet covered by the tree,
// i.e. one past the last leaf's coverage, or 0 when the tree has no
// leaves at all.
func endOfFile(store *superblock.Store, in *codec.Inode) (uint32, errors.DriverError) {
	hdr, herr := rootHeader(in)
	if herr != nil {
		return 0, herr
	}
	if hdr.Depth == 0 {
		leaves := rootLeaves(in, hdr)
		if len(leaves) == 0 {
			return 0, nil
		}
		last := leaves[len(leaves)-1]
		return last.LogicalBlock + uint32(last.BlockCount), nil
	}

	indices := rootIndices(in, hdr)
	blockNo := indices[len(indices)-1].ChildBlock
	for {
		node, err := loadExternalNode(store, blockNo)
		if err != nil {
			return 0, err
		}
		if node.header.Depth == 0 {
			if len(node.leaves) == 0 {
				return 0, errors.NewWithMessage(errors.ECORRUPT, "empty leaf node reachable from index")
			}
			last := node.leaves[len(node.leaves)-1]
			return last.LogicalBlock + uint32(last.BlockCount), nil
		}
		blockNo = node.indices[len(node.indices)-1].ChildBlock
	}
}

// Append allocates count contiguous-where-possible physical blocks starting
// at logical block `logical`, which must equal the tree's current
// end-of-file, or fall inside existing coverage whose run from `logical`
// is at least count blocks long (in which case the physical block already
// backing `logical` is returned and nothing is allocated, making repeated
// identical appends idempotent).
//
// Because the underlying allocator hands out whatever block is free, the
// requested run is split into as many leaf entries as the physical
// allocation turns out to need; the return value is always the physical
// block backing the first logical block of the request.
func Append(store *superblock.Store, in *codec.Inode, logical uint32, count uint16, hintGroup uint64) (uint64, errors.DriverError) {
	if count == 0 {
		return 0, errors.NewWithMessage(errors.EINVAL, "append count must be positive")
	}

	eof, err := endOfFile(store, in)
	if err != nil {
		return 0, err
	}
	if logical != eof {
		if phys, run, lerr := Lookup(store, in, logical); lerr == nil && run >= uint32(count) {
			return phys, nil
		}
		return 0, errors.NewWithMessage(errors.EINVAL, "append must extend the current end-of-file")
	}

	remaining := count
	cursor := logical
	var firstPhysical uint64
	haveFirst := false

	for remaining > 0 {
		runStart, runLen, aerr := allocContiguousRun(store, hintGroup, remaining)
		if aerr != nil {
			return 0, aerr
		}
		if !haveFirst {
			firstPhysical = runStart
			haveFirst = true
		}
		leaf := codec.ExtentLeaf{LogicalBlock: cursor, BlockCount: runLen, StartBlock: runStart}
		if ierr := insertLeaf(store, in, leaf, hintGroup); ierr != nil {
			return 0, ierr
		}
		cursor += uint32(runLen)
		remaining -= runLen
	}

	return firstPhysical, nil
}

// allocContiguousRun allocates up to want blocks, stopping as soon as a
// newly allocated block isn't adjacent to the run built up so far.
func allocContiguousRun(store *superblock.Store, hintGroup uint64, want uint16) (uint64, uint16, errors.DriverError) {
	first, err := store.AllocBlock(hintGroup)
	if err != nil {
		return 0, 0, err
	}
	runLen := uint16(1)
	next := first + 1
	for runLen < want {
		b, err := store.AllocBlock(hintGroup)
		if err != nil {
			break
		}
		if b != next {
			// Not contiguous: give this block back and stop the run here;
			// the next Append loop iteration will pick it up again.
			_ = store.FreeBlock(b)
			break
		}
		runLen++
		next++
	}
	return first, runLen, nil
}

// insertLeaf appends a single new rightmost leaf entry to the tree,
// growing external nodes and the tree's depth as needed.
func insertLeaf(store *superblock.Store, in *codec.Inode, leaf codec.ExtentLeaf, hintGroup uint64) errors.DriverError {
	hdr, herr := rootHeader(in)
	if herr != nil {
		return herr
	}

	if hdr.Depth == 0 {
		leaves := rootLeaves(in, hdr)
		if uint16(len(leaves)) < codec.ExtentRootCapacity {
			leaves = append(leaves, leaf)
			writeRootLeaves(in, 0, leaves)
			return nil
		}
		return promoteRootLeafFull(store, in, leaves, leaf, hintGroup)
	}

	indices := rootIndices(in, hdr)
	last := indices[len(indices)-1]
	siblingBlock, siblingFirstLogical, created, err := appendIntoSubtree(store, last.ChildBlock, hdr.Depth-1, leaf, hintGroup)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	if uint16(len(indices)) < codec.ExtentRootCapacity {
		indices = append(indices, codec.ExtentIndex{LogicalBlock: siblingFirstLogical, ChildBlock: siblingBlock})
		writeRootIndices(in, hdr.Depth, indices)
		return nil
	}
	return promoteRootIndexFull(store, in, hdr.Depth, indices, siblingFirstLogical, siblingBlock, hintGroup)
}

// appendIntoSubtree tries to fit leaf into the subtree rooted at blockNo
// (an external node at the given depth). If the node had room, it reports
// created=false. Otherwise it allocates a brand new sibling node holding
// just the overflow and reports its block number and first logical block
// so the caller can link it in at the parent level.
func appendIntoSubtree(store *superblock.Store, blockNo uint64, depth uint16, leaf codec.ExtentLeaf, hintGroup uint64) (siblingBlock uint64, siblingFirstLogical uint32, created bool, err errors.DriverError) {
	node, lerr := loadExternalNode(store, blockNo)
	if lerr != nil {
		return 0, 0, false, lerr
	}
	nodeCap := capacity(store.SB.BlockSize)

	if depth == 0 {
		if uint16(len(node.leaves)) < nodeCap {
			node.leaves = append(node.leaves, leaf)
			if werr := writeExternalNode(store, blockNo, node); werr != nil {
				return 0, 0, false, werr
			}
			return 0, 0, false, nil
		}
		newBlock, aerr := store.AllocBlock(hintGroup)
		if aerr != nil {
			return 0, 0, false, aerr
		}
		fresh := externalNode{header: codec.ExtentHeader{Depth: 0}, leaves: []codec.ExtentLeaf{leaf}}
		if werr := writeExternalNode(store, newBlock, fresh); werr != nil {
			return 0, 0, false, werr
		}
		return newBlock, leaf.LogicalBlock, true, nil
	}

	last := node.indices[len(node.indices)-1]
	childSibling, childFirst, childCreated, cerr := appendIntoSubtree(store, last.ChildBlock, depth-1, leaf, hintGroup)
	if cerr != nil {
		return 0, 0, false, cerr
	}
	if !childCreated {
		return 0, 0, false, nil
	}

	if uint16(len(node.indices)) < nodeCap {
		node.indices = append(node.indices, codec.ExtentIndex{LogicalBlock: childFirst, ChildBlock: childSibling})
		if werr := writeExternalNode(store, blockNo, node); werr != nil {
			return 0, 0, false, werr
		}
		return 0, 0, false, nil
	}

	newBlock, aerr := store.AllocBlock(hintGroup)
	if aerr != nil {
		return 0, 0, false, aerr
	}
	fresh := externalNode{
		header:  codec.ExtentHeader{Depth: depth},
		indices: []codec.ExtentIndex{{LogicalBlock: childFirst, ChildBlock: childSibling}},
	}
	if werr := writeExternalNode(store, newBlock, fresh); werr != nil {
		return 0, 0, false, werr
	}
	return newBlock, childFirst, true, nil
}

// promoteRootLeafFull handles the inline root overflowing for the first
// time: its 3 leaves move into a freshly allocated external leaf node, the
// new leaf is appended there too, and the inode's inline root becomes a
// depth-1 index pointing at that one child.
func promoteRootLeafFull(store *superblock.Store, in *codec.Inode, existing []codec.ExtentLeaf, leaf codec.ExtentLeaf, hintGroup uint64) errors.DriverError {
	childBlock, err := store.AllocBlock(hintGroup)
	if err != nil {
		return err
	}
	child := externalNode{header: codec.ExtentHeader{Depth: 0}, leaves: append(existing, leaf)}
	if werr := writeExternalNode(store, childBlock, child); werr != nil {
		return werr
	}

	writeRootIndices(in, 1, []codec.ExtentIndex{{LogicalBlock: existing[0].LogicalBlock, ChildBlock: childBlock}})
	return nil
}

// promoteRootIndexFull handles a full index root needing a new sibling
// entry: its existing index entries move into a freshly allocated external
// index node at the same depth, the new sibling is appended there too, and
// the root gains one more level of depth.
func promoteRootIndexFull(store *superblock.Store, in *codec.Inode, depth uint16, existing []codec.ExtentIndex, siblingFirstLogical uint32, siblingBlock uint64, hintGroup uint64) errors.DriverError {
	newBlock, err := store.AllocBlock(hintGroup)
	if err != nil {
		return err
	}
	combined := append(existing, codec.ExtentIndex{LogicalBlock: siblingFirstLogical, ChildBlock: siblingBlock})
	node := externalNode{header: codec.ExtentHeader{Depth: depth}, indices: combined}
	if werr := writeExternalNode(store, newBlock, node); werr != nil {
		return werr
	}

	writeRootIndices(in, depth+1, []codec.ExtentIndex{{LogicalBlock: existing[0].LogicalBlock, ChildBlock: newBlock}})
	return nil
}

// TruncateTo discards all coverage at or beyond logical block newLimit,
// freeing the physical blocks (and, once emptied, the tree node blocks)
// that backed the discarded range.
func TruncateTo(store *superblock.Store, in *codec.Inode, newLimit uint32) errors.DriverError {
	hdr, herr := rootHeader(in)
	if herr != nil {
		return herr
	}

	if hdr.Depth == 0 {
		leaves := rootLeaves(in, hdr)
		kept, err := truncateLeaves(store, leaves, newLimit)
		if err != nil {
			return err
		}
		writeRootLeaves(in, 0, kept)
		return nil
	}

	indices := rootIndices(in, hdr)
	kept, err := truncateIndices(store, indices, hdr.Depth-1, newLimit)
	if err != nil {
		return err
	}
	if len(kept) == 0 {
		// The whole tree collapsed; reset to an empty depth-0 root.
		writeRootLeaves(in, 0, nil)
		return nil
	}
	writeRootIndices(in, hdr.Depth, kept)
	return nil
}

// truncateLeaves drops or shrinks leaf entries so nothing at or beyond
// newLimit remains, freeing the physical blocks that covered it.
func truncateLeaves(store *superblock.Store, leaves []codec.ExtentLeaf, newLimit uint32) ([]codec.ExtentLeaf, errors.DriverError) {
	kept := make([]codec.ExtentLeaf, 0, len(leaves))
	for _, leaf := range leaves {
		end := leaf.LogicalBlock + uint32(leaf.BlockCount)
		switch {
		case leaf.LogicalBlock >= newLimit:
			for b := uint64(0); b < uint64(leaf.BlockCount); b++ {
				if err := store.FreeBlock(leaf.StartBlock + b); err != nil {
					return nil, err
				}
			}
		case end > newLimit:
			keepCount := newLimit - leaf.LogicalBlock
			for b := uint64(keepCount); b < uint64(leaf.BlockCount); b++ {
				if err := store.FreeBlock(leaf.StartBlock + b); err != nil {
					return nil, err
				}
			}
			leaf.BlockCount = uint16(keepCount)
			kept = append(kept, leaf)
		default:
			kept = append(kept, leaf)
		}
	}
	return kept, nil
}

// truncateIndices walks child nodes at the given depth, truncating each
// and freeing any that end up empty, dropping their index entries in turn.
func truncateIndices(store *superblock.Store, indices []codec.ExtentIndex, childDepth uint16, newLimit uint32) ([]codec.ExtentIndex, errors.DriverError) {
	kept := make([]codec.ExtentIndex, 0, len(indices))
	for i, idx := range indices {
		if idx.LogicalBlock >= newLimit {
			if err := freeSubtree(store, idx.ChildBlock, childDepth); err != nil {
				return nil, err
			}
			continue
		}
		if i+1 < len(indices) && indices[i+1].LogicalBlock <= newLimit {
			// The next sibling already starts at or before the cut, so this
			// entire subtree is untouched by the truncation.
			kept = append(kept, idx)
			continue
		}

		node, err := loadExternalNode(store, idx.ChildBlock)
		if err != nil {
			return nil, err
		}

		if node.header.Depth == 0 {
			remaining, terr := truncateLeaves(store, node.leaves, newLimit)
			if terr != nil {
				return nil, terr
			}
			if len(remaining) == 0 {
				if err := store.FreeBlock(idx.ChildBlock); err != nil {
					return nil, err
				}
				continue
			}
			node.leaves = remaining
			if werr := writeExternalNode(store, idx.ChildBlock, node); werr != nil {
				return nil, werr
			}
			kept = append(kept, idx)
			continue
		}

		remaining, terr := truncateIndices(store, node.indices, childDepth-1, newLimit)
		if terr != nil {
			return nil, terr
		}
		if len(remaining) == 0 {
			if err := store.FreeBlock(idx.ChildBlock); err != nil {
				return nil, err
			}
			continue
		}
		node.indices = remaining
		if werr := writeExternalNode(store, idx.ChildBlock, node); werr != nil {
			return nil, werr
		}
		kept = append(kept, idx)
	}
	return kept, nil
}

// freeSubtree releases every block reachable from blockNo: the node block
// itself, plus (for leaves) the data blocks it points at, or (for indices)
// recursively the child subtrees.
func freeSubtree(store *superblock.Store, blockNo uint64, depth uint16) errors.DriverError {
	node, err := loadExternalNode(store, blockNo)
	if err != nil {
		return err
	}
	if depth == 0 {
		for _, leaf := range node.leaves {
			for b := uint64(0); b < uint64(leaf.BlockCount); b++ {
				if err := store.FreeBlock(leaf.StartBlock + b); err != nil {
					return err
				}
			}
		}
	} else {
		for _, idx := range node.indices {
			if err := freeSubtree(store, idx.ChildBlock, depth-1); err != nil {
				return err
			}
		}
	}
	return store.FreeBlock(blockNo)
}
