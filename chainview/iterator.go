package chainview

import (
	"errors"
	"fmt"
)

var (
	// ErrBrokenChain is returned when walking backward from a node either
	// runs out of ancestors before reaching the requested start height, or
	// encounters a node whose height doesn't decrease by exactly one per
	// step.
	ErrBrokenChain = errors.New("broken ancestor chain")

	// ErrIteratorExhausted is returned by Next once every node down to the
	// start height has been yielded.
	ErrIteratorExhausted = errors.New("ancestor iterator exhausted")
)

// AncestorIterator walks a chain backward from a stop node down to an
// inclusive start height, one ancestor at a time. Unlike a raw parent-pointer
// walk, the iterator is bounds checked: it never dereferences past the root
// of the chain and it verifies that heights decrease contiguously, failing
// fast on a malformed chain instead of yielding nodes out of position.
type AncestorIterator struct {
	node BlockNode

	// next is the height the next yielded node must have.
	next int32

	// start is the lowest height (inclusive) the iterator will yield.
	start int32
}

// NewAncestorIterator creates an iterator that yields stop first and then
// each ancestor in turn until startHeight has been yielded.
func NewAncestorIterator(startHeight int32, stop BlockNode) *AncestorIterator {
	return &AncestorIterator{
		node:  stop,
		next:  stop.Height(),
		start: startHeight,
	}
}

// Next returns the next node in the backward walk. Once the node at the start
// height has been returned, all further calls return ErrIteratorExhausted.
// A nil ancestor above the start height, or a height discontinuity, yields
// ErrBrokenChain.
func (it *AncestorIterator) Next() (BlockNode, error) {
	if it.next < it.start {
		return nil, ErrIteratorExhausted
	}

	node := it.node
	if node == nil {
		return nil, fmt.Errorf("%w: no ancestor at height %d",
			ErrBrokenChain, it.next)
	}
	if node.Height() != it.next {
		return nil, fmt.Errorf("%w: got node at height %d, expected "+
			"%d", ErrBrokenChain, node.Height(), it.next)
	}

	it.node = node.Parent()
	it.next--

	return node, nil
}
