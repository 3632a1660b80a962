package amt

import (
	"context"

	cid "github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	format "github.com/ipfs/go-ipld-format"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-amt-ipld/v5/internal"
)

// link references a child node. A link loaded from a block has only a cid
// until it is first resolved; a link created by Set has only a cached node
// until it is flushed. dirty is set whenever cached holds changes that cid
// does not reflect.
type link struct {
	cid    cid.Cid
	cached *node
	dirty  bool
}

// load returns the cached node, fetching and decoding it from the store on
// first use. height is the height of the child node.
func (l *link) load(ctx context.Context, bs cbor.IpldStore, bitWidth uint, height int) (*node, error) {
	if l.cached != nil {
		return l.cached, nil
	}
	if !l.cid.Defined() {
		return nil, &CorruptError{Kind: CorruptUnresolvedLink, Height: uint64(height)}
	}

	var nd internal.Node
	if err := bs.Get(ctx, l.cid, &nd); err != nil {
		if format.IsNotFound(err) {
			return nil, &BlockNotFoundError{Cid: l.cid, Err: err}
		}
		return nil, xerrors.Errorf("loading amt node %s: %w", l.cid, err)
	}

	n, err := newNode(nd, bitWidth, height, false)
	if err != nil {
		return nil, xerrors.Errorf("decoding amt node %s: %w", l.cid, err)
	}
	l.cached = n
	return n, nil
}

func (l *link) clone() *link {
	nl := *l
	if l.cached != nil {
		nl.cached = l.cached.clone()
	}
	return &nl
}
