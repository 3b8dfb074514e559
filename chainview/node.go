package chainview

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// BlockNode is a read-only view of a single block's position within a chain.
// Implementations are owned by the chain data structure maintained by the
// caller; the index only ever reads heights and hashes and walks backward
// toward the genesis block.
type BlockNode interface {
	// Height returns the height of the block within its chain. The
	// genesis block has height zero.
	Height() int32

	// Hash returns the block's identity hash.
	Hash() chainhash.Hash

	// Parent returns the node's immediate ancestor, or nil if the node is
	// the root of its chain.
	Parent() BlockNode
}

// Node is an in-memory BlockNode backed by a raw block header. It mirrors the
// shape callers typically keep for their header chain: each node holds its
// height and a back pointer to the previous node.
type Node struct {
	// Header is the raw block header for this node.
	Header wire.BlockHeader

	// height is the height of this node within the current chain.
	height int32

	// parent is the node's immediate ancestor, nil for the root.
	parent *Node
}

// NewNode creates a chain node for the given header at the given height,
// linked to its immediate ancestor. A nil parent marks the root of the chain.
func NewNode(header wire.BlockHeader, height int32, parent *Node) *Node {
	return &Node{
		Header: header,
		height: height,
		parent: parent,
	}
}

// Height returns the height of the block within its chain.
//
// NOTE: Part of the BlockNode interface.
func (n *Node) Height() int32 {
	return n.height
}

// Hash returns the block's identity hash, computed from the header.
//
// NOTE: Part of the BlockNode interface.
func (n *Node) Hash() chainhash.Hash {
	return n.Header.BlockHash()
}

// Parent returns the node's immediate ancestor, or nil at the root.
//
// NOTE: Part of the BlockNode interface.
func (n *Node) Parent() BlockNode {
	if n.parent == nil {
		return nil
	}
	return n.parent
}
