package amt

import (
	"context"

	cid "github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/filecoin-project/go-amt-ipld/v5/internal"
)

// node is the expanded form of internal.Node: links (non-leaf) or values
// (leaf) are addressable by slot, with nil marking an empty slot.
type node struct {
	// these may both be nil if the node is empty (a root node)
	links  []*link
	values []*cbg.Deferred
}

func makeBmap(bitWidth uint) []byte {
	return make([]byte, bmapBytes(bitWidth))
}

func checkBmap(bf []byte, bitWidth uint) error {
	expLen := bmapBytes(bitWidth)
	if len(bf) != expLen {
		return &CorruptError{Kind: CorruptBitfieldLength, Expected: uint64(expLen), Actual: uint64(len(bf))}
	}
	width := uint64(1) << bitWidth
	rem := width % 8
	if rem == 0 {
		return nil
	}
	expUnset := 8 - rem
	if bf[len(bf)-1]&^(uint8(0xff)>>uint(expUnset)) > 0 {
		return &CorruptError{Kind: CorruptBitfieldPadding, Expected: width, Actual: uint64(bf[len(bf)-1])}
	}
	return nil
}

// newNode expands a serialized node found at the given height. Only the
// root of an empty AMT may be empty.
func newNode(nd internal.Node, bitWidth uint, height int, allowEmpty bool) (*node, error) {
	if len(nd.Links) > 0 && len(nd.Values) > 0 {
		return nil, &CorruptError{Kind: CorruptLinksAndValues, Height: uint64(height)}
	}

	if err := checkBmap(nd.Bmap, bitWidth); err != nil {
		return nil, err
	}

	width := uint64(1) << bitWidth
	i := 0
	n := new(node)
	if len(nd.Values) > 0 {
		if height != 0 {
			return nil, &CorruptError{Kind: CorruptLeafUnexpected, Height: uint64(height)}
		}
		n.values = make([]*cbg.Deferred, width)
		for x := uint64(0); x < width; x++ {
			if nd.Bmap[x/8]&(1<<(x%8)) == 0 {
				continue
			}
			if i >= len(nd.Values) {
				return nil, &CorruptError{Kind: CorruptValueCount, Expected: uint64(i + 1), Actual: uint64(len(nd.Values))}
			}
			n.values[x] = nd.Values[i]
			i++
		}
		if i != len(nd.Values) {
			return nil, &CorruptError{Kind: CorruptValueCount, Expected: uint64(i), Actual: uint64(len(nd.Values))}
		}
	} else if len(nd.Links) > 0 {
		if height == 0 {
			return nil, &CorruptError{Kind: CorruptLeafExpected}
		}

		n.links = make([]*link, width)
		for x := uint64(0); x < width; x++ {
			if nd.Bmap[x/8]&(1<<(x%8)) == 0 {
				continue
			}
			if i >= len(nd.Links) {
				return nil, &CorruptError{Kind: CorruptLinkCount, Expected: uint64(i + 1), Actual: uint64(len(nd.Links))}
			}
			c := nd.Links[i]
			if !c.Defined() {
				return nil, &CorruptError{Kind: CorruptUndefinedCID, Height: uint64(height)}
			}
			// TODO: check link hash function.
			if prefix := c.Prefix(); prefix.Codec != cid.DagCBOR {
				return nil, &MismatchError{Field: "link codec", Expected: cid.DagCBOR, Actual: prefix.Codec}
			}
			n.links[x] = &link{cid: c}
			i++
		}
		if i != len(nd.Links) {
			return nil, &CorruptError{Kind: CorruptLinkCount, Expected: uint64(i), Actual: uint64(len(nd.Links))}
		}
	} else if !allowEmpty {
		return nil, &CorruptError{Kind: CorruptEmptyNode, Height: uint64(height)}
	}
	return n, nil
}

// collapse reduces the height of a node whose only child sits in the
// left-most slot, recursively, and returns the new height.
func (nd *node) collapse(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height int) (int, error) {
	// No links at all?
	if nd.links == nil {
		return 0, nil
	}

	// If we have any links going "to the right", we can't collapse any
	// more.
	for _, l := range nd.links[1:] {
		if l != nil {
			return height, nil
		}
	}

	// If we have _no_ links, we've collapsed everything.
	if nd.links[0] == nil {
		return 0, nil
	}

	// only one child, collapse it.

	subn, err := nd.links[0].load(ctx, bs, bitWidth, height-1)
	if err != nil {
		return 0, err
	}

	// Collapse recursively.
	newHeight, err := subn.collapse(ctx, bs, bitWidth, height-1)
	if err != nil {
		return 0, err
	}

	*nd = *subn

	return newHeight, nil
}

// loadLeftSpine resolves the chain of left-most children that collapse
// would walk after a single delete. The walk stops at the first node with
// more than one link right of slot 0, since one delete cannot empty them
// all.
func (nd *node) loadLeftSpine(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height int) error {
	n := nd
	for h := height; h > 0; h-- {
		if n.links == nil || n.links[0] == nil {
			return nil
		}
		right := 0
		for _, l := range n.links[1:] {
			if l != nil {
				right++
			}
		}
		if right > 1 {
			return nil
		}
		subn, err := n.links[0].load(ctx, bs, bitWidth, h-1)
		if err != nil {
			return err
		}
		n = subn
	}
	return nil
}

func (nd *node) empty() bool {
	for _, l := range nd.links {
		if l != nil {
			return false
		}
	}
	for _, v := range nd.values {
		if v != nil {
			return false
		}
	}
	return true
}

func (n *node) get(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height int, i uint64) (*cbg.Deferred, error) {
	if height == 0 {
		return n.getValue(i), nil
	}

	nfh := nodesForHeight(bitWidth, height)
	ln := n.getLink(i / nfh)
	if ln == nil {
		// No subtree here, so nothing underneath it either.
		return nil, nil
	}
	subn, err := ln.load(ctx, bs, bitWidth, height-1)
	if err != nil {
		return nil, err
	}

	return subn.get(ctx, bs, bitWidth, height-1, i%nfh)
}

func (n *node) delete(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height int, i uint64) (bool, error) {
	if height == 0 {
		if n.getValue(i) == nil {
			return false, nil
		}

		n.setValue(bitWidth, i, nil)
		return true, nil
	}

	nfh := nodesForHeight(bitWidth, height)
	subi := i / nfh

	ln := n.getLink(subi)
	if ln == nil {
		return false, nil
	}
	subn, err := ln.load(ctx, bs, bitWidth, height-1)
	if err != nil {
		return false, err
	}

	if deleted, err := subn.delete(ctx, bs, bitWidth, height-1, i%nfh); err != nil {
		return false, err
	} else if !deleted {
		return false, nil
	}

	if subn.empty() {
		n.setLink(bitWidth, subi, nil)
	} else {
		ln.dirty = true
	}

	return true, nil
}

// forEachAt walks the subtree depth-first, calling cb for every value at
// an index >= start. offset is the index of the left-most slot this node
// covers.
func (n *node) forEachAt(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height int, start, offset uint64, cb func(uint64, *cbg.Deferred) error) error {
	if height == 0 {
		for i, v := range n.values {
			if v == nil {
				continue
			}
			ix := offset + uint64(i)
			if ix < start {
				continue
			}

			if err := cb(ix, v); err != nil {
				return err
			}
		}

		return nil
	}

	subCount := nodesForHeight(bitWidth, height)
	for i, ln := range n.links {
		if ln == nil {
			continue
		}

		offs := offset + (uint64(i) * subCount)
		nextOffs := offs + subCount
		// nextOffs wraps to 0 for the right-most subtree of a saturated tree.
		if nextOffs > offs && start >= nextOffs {
			continue
		}

		subn, err := ln.load(ctx, bs, bitWidth, height-1)
		if err != nil {
			return err
		}

		if err := subn.forEachAt(ctx, bs, bitWidth, height-1, start, offs, cb); err != nil {
			return err
		}
	}
	return nil
}

func (n *node) firstSetIndex(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height int) (uint64, error) {
	if height == 0 {
		for i, v := range n.values {
			if v != nil {
				return uint64(i), nil
			}
		}
		// Empty array.
		return 0, ErrNoValues
	}

	for i, ln := range n.links {
		if ln == nil {
			// nothing here.
			continue
		}
		subn, err := ln.load(ctx, bs, bitWidth, height-1)
		if err != nil {
			return 0, err
		}
		ix, err := subn.firstSetIndex(ctx, bs, bitWidth, height-1)
		if err != nil {
			return 0, err
		}

		subCount := nodesForHeight(bitWidth, height)
		return ix + (uint64(i) * subCount), nil
	}

	return 0, ErrNoValues
}

// set stores val at index i and reports whether the index was previously
// empty.
func (n *node) set(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height int, i uint64, val *cbg.Deferred) (bool, error) {
	if height == 0 {
		alreadySet := n.getValue(i) != nil
		n.setValue(bitWidth, i, val)
		return !alreadySet, nil
	}

	nfh := nodesForHeight(bitWidth, height)

	// Load but don't mark dirty or actually link in any _new_ intermediate
	// nodes. We'll do that on return if nothing goes wrong.
	ln := n.getLink(i / nfh)
	if ln == nil {
		ln = &link{cached: new(node)}
	}
	subn, err := ln.load(ctx, bs, bitWidth, height-1)
	if err != nil {
		return false, err
	}

	nodeAdded, err := subn.set(ctx, bs, bitWidth, height-1, i%nfh, val)
	if err != nil {
		return false, err
	}

	// Make all modifications on the way back up if there was no error.
	ln.dirty = true // only mark dirty on success.
	n.setLink(bitWidth, i/nfh, ln)

	return nodeAdded, nil
}

// flush persists every dirty child and returns the compacted form of this
// node.
func (n *node) flush(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height int) (*internal.Node, error) {
	nd := new(internal.Node)
	nd.Bmap = makeBmap(bitWidth)

	if height == 0 {
		for i, val := range n.values {
			if val == nil {
				continue
			}
			nd.Values = append(nd.Values, val)
			nd.Bmap[i/8] |= 1 << (uint(i) % 8)
		}
		return nd, nil
	}

	for i, ln := range n.links {
		if ln == nil {
			continue
		}
		if ln.dirty {
			if ln.cached == nil {
				return nil, errDirtyUncached
			}
			subn, err := ln.cached.flush(ctx, bs, bitWidth, height-1)
			if err != nil {
				return nil, err
			}
			c, err := bs.Put(ctx, subn)
			if err != nil {
				return nil, err
			}

			ln.cid = c
			ln.dirty = false
		}
		if !ln.cid.Defined() {
			return nil, errCleanNoCID
		}
		nd.Links = append(nd.Links, ln.cid)
		nd.Bmap[i/8] |= 1 << (uint(i) % 8)
	}

	return nd, nil
}

func (n *node) clone() *node {
	nn := new(node)
	if n.values != nil {
		nn.values = make([]*cbg.Deferred, len(n.values))
		copy(nn.values, n.values)
	}
	if n.links != nil {
		nn.links = make([]*link, len(n.links))
		for i, l := range n.links {
			if l != nil {
				nn.links[i] = l.clone()
			}
		}
	}
	return nn
}

func (n *node) setLink(bitWidth uint, i uint64, l *link) {
	if n.links == nil {
		if l == nil {
			return
		}
		n.links = make([]*link, 1<<bitWidth)
	}
	n.links[i] = l
}

func (n *node) getLink(i uint64) *link {
	if n.links == nil {
		return nil
	}
	return n.links[i]
}

func (n *node) setValue(bitWidth uint, i uint64, v *cbg.Deferred) {
	if n.values == nil {
		if v == nil {
			return
		}
		n.values = make([]*cbg.Deferred, 1<<bitWidth)
	}
	n.values[i] = v
}

func (n *node) getValue(i uint64) *cbg.Deferred {
	if n.values == nil {
		return nil
	}
	return n.values[i]
}
