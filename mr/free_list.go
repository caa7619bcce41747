package mr

import (
	"github.com/pkg/errors"

	"github.com/jrhemstad/rmm/memutils"
)

const nilPosition FreeListPosition = -1

// FreeListPosition identifies an entry within the FreeList that produced it. Positions
// are invalidated by any mutation of the list, and using a position with a FreeList
// other than the one that produced it is a contract violation that is not
// runtime-checked.
type FreeListPosition int

type freeListNode struct {
	block Block
	prev  FreeListPosition
	next  FreeListPosition
}

// FreeList is an ordered collection of free Blocks, ascending by device address, that
// coalesces contiguous blocks on insertion. After any insertion completes, no two
// entries in the list are mutually contiguous.
//
// Nodes are stored in a growable arena and linked by index rather than by pointer, so
// merging and erasing never allocate and erased slots are recycled for later
// insertions.
//
// FreeList is not internally synchronized. The owning memory resource is responsible
// for serializing access when the list is shared between goroutines.
type FreeList struct {
	nodes     []freeListNode
	freeSlots []FreeListPosition

	head  FreeListPosition
	tail  FreeListPosition
	count int
}

func NewFreeList() *FreeList {
	return &FreeList{
		head: nilPosition,
		tail: nilPosition,
	}
}

// Size returns the number of blocks in the free list.
func (l *FreeList) Size() int { return l.count }

// IsEmpty returns true if there are no blocks in the free list.
func (l *FreeList) IsEmpty() bool { return l.count == 0 }

// First returns the position of the lowest-addressed block, or false when the list is
// empty.
func (l *FreeList) First() (FreeListPosition, bool) {
	return l.head, l.head != nilPosition
}

// Next returns the position following pos in ascending address order, or false when
// pos is the last entry.
func (l *FreeList) Next(pos FreeListPosition) (FreeListPosition, bool) {
	next := l.nodes[pos].next
	return next, next != nilPosition
}

// At returns the block stored at pos.
func (l *FreeList) At(pos FreeListPosition) Block {
	return l.nodes[pos].block
}

// Insert places a block into the free list in ascending address order, merging it with
// the immediately preceding and/or following block when either is contiguous.
// Inserting the sentinel block is a contract violation.
func (l *FreeList) Insert(block Block) {
	if !block.IsValid() {
		panic("attempted to insert an invalid block into a free list")
	}

	if l.IsEmpty() {
		l.linkBetween(block, nilPosition, nilPosition)
		return
	}

	// Find the first entry ordered after the new block. The arena is index-linked, so
	// this is a linear scan rather than a binary search.
	next := l.head
	for next != nilPosition && l.nodes[next].block.ptr <= block.ptr {
		next = l.nodes[next].next
	}

	previous := l.tail
	if next != nilPosition {
		previous = l.nodes[next].prev
	}

	mergePrev := previous != nilPosition && l.nodes[previous].block.IsContiguousBefore(block)
	mergeNext := next != nilPosition && block.IsContiguousBefore(l.nodes[next].block)

	switch {
	case mergePrev && mergeNext:
		// Three-way coalesce: the predecessor absorbs both the new block and the
		// successor, and the successor's entry is erased.
		merged := l.nodes[previous].block.Merge(block)
		l.nodes[previous].block = merged.Merge(l.nodes[next].block)
		l.Erase(next)
	case mergePrev:
		l.nodes[previous].block = l.nodes[previous].block.Merge(block)
	case mergeNext:
		l.nodes[next].block = block.Merge(l.nodes[next].block)
	default:
		l.linkBetween(block, previous, next)
	}
}

// InsertBlocks inserts every block in the provided slice. The slice does not need to
// be ordered.
func (l *FreeList) InsertBlocks(blocks []Block) {
	for _, block := range blocks {
		l.Insert(block)
	}
}

// BestFit removes and returns the smallest block large enough to satisfy a request of
// the provided size. When no block fits, it returns the sentinel block and leaves the
// list unchanged.
func (l *FreeList) BestFit(size int) Block {
	best := nilPosition

	for pos := l.head; pos != nilPosition; pos = l.nodes[pos].next {
		if best == nilPosition || l.nodes[pos].block.IsBetterFit(size, l.nodes[best].block) {
			best = pos
		}
	}

	if best == nilPosition || !l.nodes[best].block.Fits(size) {
		return Block{}
	}

	found := l.nodes[best].block
	l.Erase(best)
	return found
}

// Erase removes the entry at pos from the free list. pos must have been obtained from
// this list and not invalidated by a later mutation.
func (l *FreeList) Erase(pos FreeListPosition) {
	node := l.nodes[pos]

	if node.prev != nilPosition {
		l.nodes[node.prev].next = node.next
	} else {
		l.head = node.next
	}

	if node.next != nilPosition {
		l.nodes[node.next].prev = node.prev
	} else {
		l.tail = node.prev
	}

	l.nodes[pos] = freeListNode{prev: nilPosition, next: nilPosition}
	l.freeSlots = append(l.freeSlots, pos)
	l.count--
}

// Clear erases all blocks from the free list and recycles its arena storage.
func (l *FreeList) Clear() {
	l.nodes = l.nodes[:0]
	l.freeSlots = l.freeSlots[:0]
	l.head = nilPosition
	l.tail = nilPosition
	l.count = 0
}

// VisitBlocks calls the provided callback once for each block in ascending address
// order, stopping early if the callback returns an error. The callback must not
// mutate the list.
func (l *FreeList) VisitBlocks(visit func(block Block) error) error {
	for pos := l.head; pos != nilPosition; pos = l.nodes[pos].next {
		err := visit(l.nodes[pos].block)
		if err != nil {
			return err
		}
	}

	return nil
}

// AddDetailedStatistics sums this list's free regions into the statistics currently
// present in the provided memutils.DetailedStatistics object.
func (l *FreeList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for pos := l.head; pos != nilPosition; pos = l.nodes[pos].next {
		stats.AddUnusedRange(l.nodes[pos].block.size)
	}
}

// Validate performs internal consistency checks on the free list. When the
// implementation is functioning correctly it should not be possible for this method
// to return an error.
func (l *FreeList) Validate() error {
	if l.count == 0 {
		if l.head != nilPosition || l.tail != nilPosition {
			return errors.New("the free list is empty but still links to entries")
		}
		return nil
	}

	visited := 0
	prev := nilPosition

	for pos := l.head; pos != nilPosition; pos = l.nodes[pos].next {
		node := l.nodes[pos]

		if node.prev != prev {
			return errors.Errorf("entry %s has a broken back-link", node.block)
		}

		if !node.block.IsValid() {
			return errors.Errorf("the free list contains an invalid block at position %d", pos)
		}

		if prev != nilPosition {
			prevBlock := l.nodes[prev].block

			if prevBlock.ptr+DevicePtr(prevBlock.size) > node.block.ptr {
				return errors.Errorf("entries %s and %s are out of order or overlapping", prevBlock, node.block)
			}

			if prevBlock.IsContiguousBefore(node.block) {
				return errors.Errorf("entries %s and %s are contiguous but were not coalesced", prevBlock, node.block)
			}
		}

		prev = pos
		visited++

		if visited > l.count {
			return errors.Errorf("the free list links more entries than its size %d", l.count)
		}
	}

	if visited != l.count {
		return errors.Errorf("the free list links %d entries but has size %d", visited, l.count)
	}

	if l.tail != prev {
		return errors.New("the free list's tail does not match its last entry")
	}

	return nil
}

func (l *FreeList) linkBetween(block Block, prev, next FreeListPosition) {
	var pos FreeListPosition
	if len(l.freeSlots) > 0 {
		pos = l.freeSlots[len(l.freeSlots)-1]
		l.freeSlots = l.freeSlots[:len(l.freeSlots)-1]
		l.nodes[pos] = freeListNode{block: block, prev: prev, next: next}
	} else {
		pos = FreeListPosition(len(l.nodes))
		l.nodes = append(l.nodes, freeListNode{block: block, prev: prev, next: next})
	}

	if prev != nilPosition {
		l.nodes[prev].next = pos
	} else {
		l.head = pos
	}

	if next != nilPosition {
		l.nodes[next].prev = pos
	} else {
		l.tail = pos
	}

	l.count++
}
