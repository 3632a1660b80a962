package internal

import (
	cid "github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// Node is the compacted, serialized form of an AMT node. Bmap marks which
// of the width slots are occupied; Links (internal node) or Values (leaf)
// hold exactly one entry per set bit, in slot order. Both are empty only for
// the root of an empty AMT.
type Node struct {
	Bmap   []byte
	Links  []cid.Cid
	Values []*cbg.Deferred
}

// Root is the serialized form of an AMT root block.
type Root struct {
	BitWidth uint64
	Height   uint64
	Count    uint64
	Node     Node
}
