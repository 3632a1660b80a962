package amt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	cid "github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// ChangeType denotes type of change in Change
type ChangeType int

// These constants define the changes that can be applied to a DAG.
const (
	Add ChangeType = iota
	Remove
	Modify
)

func (ct ChangeType) String() string {
	switch ct {
	case Add:
		return "add"
	case Remove:
		return "remove"
	case Modify:
		return "modify"
	default:
		return fmt.Sprintf("ChangeType(%d)", int(ct))
	}
}

// Change represents a change to a DAG and contains a reference to the old and
// new CIDs.
type Change struct {
	Type   ChangeType
	Key    uint64
	Before *cbg.Deferred
	After  *cbg.Deferred
}

func (ch Change) String() string {
	b, _ := json.Marshal(ch)
	return string(b)
}

// nodeContext carries what is needed to load the children of a node at a
// given height.
type nodeContext struct {
	bs       cbor.IpldStore
	bitWidth uint
	height   int
}

func (nc *nodeContext) nodesAtHeight() uint64 {
	return nodesForHeight(nc.bitWidth, nc.height)
}

func (nc *nodeContext) child() *nodeContext {
	return &nodeContext{bs: nc.bs, bitWidth: nc.bitWidth, height: nc.height - 1}
}

// task is a pair of nodes covering the same index range.
type task struct {
	prevCtx, curCtx *nodeContext
	prev, cur       *node
	offset          uint64
}

// loadDiffRoots loads both roots and returns the root level task. A nil task
// means one side is empty and all changes have been emitted already.
func loadDiffRoots(ctx context.Context, prevBs, curBs cbor.IpldStore, prev, cur cid.Cid, emit func(*Change) error, opts []Option) (*task, error) {
	prevAmt, err := LoadAMT(ctx, prevBs, DeferredCodec(), prev, opts...)
	if err != nil {
		return nil, xerrors.Errorf("loading previous root: %w", err)
	}

	curAmt, err := LoadAMT(ctx, curBs, DeferredCodec(), cur, opts...)
	if err != nil {
		return nil, xerrors.Errorf("loading current root: %w", err)
	}

	// LoadAMT checks against the same options, this only trips if they
	// were omitted for one of the roots somehow.
	if curAmt.bitWidth != prevAmt.bitWidth {
		return nil, &MismatchError{Field: "bit width", Expected: uint64(prevAmt.bitWidth), Actual: uint64(curAmt.bitWidth)}
	}

	prevCtx := &nodeContext{bs: prevBs, bitWidth: prevAmt.bitWidth, height: prevAmt.height}
	curCtx := &nodeContext{bs: curBs, bitWidth: curAmt.bitWidth, height: curAmt.height}

	// edge case of diffing an empty AMT against non-empty
	if prevAmt.count == 0 && curAmt.count != 0 {
		return nil, addAll(ctx, curCtx, curAmt.node, 0, emit)
	}
	if prevAmt.count != 0 && curAmt.count == 0 {
		return nil, removeAll(ctx, prevCtx, prevAmt.node, 0, emit)
	}
	if prevAmt.count == 0 && curAmt.count == 0 {
		return nil, nil
	}

	return &task{
		prevCtx: prevCtx,
		curCtx:  curCtx,
		prev:    prevAmt.node,
		cur:     curAmt.node,
	}, nil
}

// Diff returns a set of changes that transform node 'a' into node 'b'. opts are applied to both prev and cur.
func Diff(ctx context.Context, prevBs, curBs cbor.IpldStore, prev, cur cid.Cid, opts ...Option) ([]*Change, error) {
	var changes []*Change
	emit := func(ch *Change) error {
		changes = append(changes, ch)
		return nil
	}

	root, err := loadDiffRoots(ctx, prevBs, curBs, prev, cur, emit, opts)
	if err != nil || root == nil {
		return changes, err
	}

	var descend func(*task) error
	descend = func(t *task) error {
		return diffNode(ctx, t, emit, descend)
	}
	if err := descend(root); err != nil {
		return nil, err
	}
	return changes, nil
}

// diffNode compares one pair of nodes, emitting changes for subtrees that
// exist on one side only and handing pairs of subtrees to descend.
func diffNode(ctx context.Context, t *task, emit func(*Change) error, descend func(*task) error) error {
	prev, prevCtx := t.prev, t.prevCtx
	cur, curCtx := t.cur, t.curCtx
	offset := t.offset

	if prev == nil && cur == nil {
		return nil
	}

	if prev == nil {
		return addAll(ctx, curCtx, cur, offset, emit)
	}

	if cur == nil {
		return removeAll(ctx, prevCtx, prev, offset, emit)
	}

	if prevCtx.height == 0 && curCtx.height == 0 {
		return diffLeaves(prev, cur, prevCtx.bitWidth, offset, emit)
	}

	// The taller side's left-most child covers the whole range of the
	// shorter side; everything to its right only exists on the taller side.
	if curCtx.height > prevCtx.height {
		// Nothing on the cur side overlaps prev.
		if cur.links[0] == nil {
			if err := removeAll(ctx, prevCtx, prev, offset, emit); err != nil {
				return err
			}
		}

		subCount := curCtx.nodesAtHeight()
		subCtx := curCtx.child()
		for i, ln := range cur.links {
			if ln == nil {
				continue
			}

			subn, err := ln.load(ctx, subCtx.bs, subCtx.bitWidth, subCtx.height)
			if err != nil {
				return err
			}

			offs := offset + (uint64(i) * subCount)
			if i == 0 {
				if err := descend(&task{prevCtx: prevCtx, curCtx: subCtx, prev: prev, cur: subn, offset: offs}); err != nil {
					return err
				}
			} else if err := addAll(ctx, subCtx, subn, offs, emit); err != nil {
				return err
			}
		}
		return nil
	}

	if prevCtx.height > curCtx.height {
		if prev.links[0] == nil {
			if err := addAll(ctx, curCtx, cur, offset, emit); err != nil {
				return err
			}
		}

		subCount := prevCtx.nodesAtHeight()
		subCtx := prevCtx.child()
		for i, ln := range prev.links {
			if ln == nil {
				continue
			}

			subn, err := ln.load(ctx, subCtx.bs, subCtx.bitWidth, subCtx.height)
			if err != nil {
				return err
			}

			offs := offset + (uint64(i) * subCount)
			if i == 0 {
				if err := descend(&task{prevCtx: subCtx, curCtx: curCtx, prev: subn, cur: cur, offset: offs}); err != nil {
					return err
				}
			} else if err := removeAll(ctx, subCtx, subn, offs, emit); err != nil {
				return err
			}
		}
		return nil
	}

	// sanity check
	if prevCtx.height != curCtx.height {
		return fmt.Errorf("comparing non-leaf nodes of unequal heights (%d, %d)", prevCtx.height, curCtx.height)
	}

	if prev.links == nil || cur.links == nil {
		return fmt.Errorf("nodes have no links")
	}

	if len(prev.links) != len(cur.links) {
		return fmt.Errorf("nodes have different numbers of links (prev=%d, cur=%d)", len(prev.links), len(cur.links))
	}

	subCount := prevCtx.nodesAtHeight()
	prevSubCtx, curSubCtx := prevCtx.child(), curCtx.child()
	for i := range prev.links {
		prevLn, curLn := prev.links[i], cur.links[i]
		offs := offset + (uint64(i) * subCount)

		switch {
		// Neither previous or current links are in use
		case prevLn == nil && curLn == nil:
			continue

		// Previous had link, current did not
		case curLn == nil:
			subn, err := prevLn.load(ctx, prevSubCtx.bs, prevSubCtx.bitWidth, prevSubCtx.height)
			if err != nil {
				return err
			}
			if err := removeAll(ctx, prevSubCtx, subn, offs, emit); err != nil {
				return err
			}

		// Current has link, previous did not
		case prevLn == nil:
			subn, err := curLn.load(ctx, curSubCtx.bs, curSubCtx.bitWidth, curSubCtx.height)
			if err != nil {
				return err
			}
			if err := addAll(ctx, curSubCtx, subn, offs, emit); err != nil {
				return err
			}

		// Both previous and current have links to diff
		default:
			if !prevLn.dirty && !curLn.dirty && prevLn.cid.Defined() && prevLn.cid.Equals(curLn.cid) {
				continue
			}

			prevSubn, err := prevLn.load(ctx, prevSubCtx.bs, prevSubCtx.bitWidth, prevSubCtx.height)
			if err != nil {
				return err
			}
			curSubn, err := curLn.load(ctx, curSubCtx.bs, curSubCtx.bitWidth, curSubCtx.height)
			if err != nil {
				return err
			}

			if err := descend(&task{prevCtx: prevSubCtx, curCtx: curSubCtx, prev: prevSubn, cur: curSubn, offset: offs}); err != nil {
				return err
			}
		}
	}

	return nil
}

func addAll(ctx context.Context, nc *nodeContext, node *node, offset uint64, emit func(*Change) error) error {
	return node.forEachAt(ctx, nc.bs, nc.bitWidth, nc.height, 0, offset, func(index uint64, deferred *cbg.Deferred) error {
		return emit(&Change{
			Type:   Add,
			Key:    index,
			Before: nil,
			After:  deferred,
		})
	})
}

func removeAll(ctx context.Context, nc *nodeContext, node *node, offset uint64, emit func(*Change) error) error {
	return node.forEachAt(ctx, nc.bs, nc.bitWidth, nc.height, 0, offset, func(index uint64, deferred *cbg.Deferred) error {
		return emit(&Change{
			Type:   Remove,
			Key:    index,
			Before: deferred,
			After:  nil,
		})
	})
}

func diffLeaves(prev, cur *node, bitWidth uint, offset uint64, emit func(*Change) error) error {
	width := uint64(1) << bitWidth
	for i := uint64(0); i < width; i++ {
		index := offset + i

		prevVal, curVal := prev.getValue(i), cur.getValue(i)
		if prevVal == nil && curVal == nil {
			continue
		}

		var ch *Change
		switch {
		case prevVal == nil:
			ch = &Change{Type: Add, Key: index, Before: nil, After: curVal}
		case curVal == nil:
			ch = &Change{Type: Remove, Key: index, Before: prevVal, After: nil}
		case !bytes.Equal(prevVal.Raw, curVal.Raw):
			ch = &Change{Type: Modify, Key: index, Before: prevVal, After: curVal}
		default:
			continue
		}
		if err := emit(ch); err != nil {
			return err
		}
	}

	return nil
}
