package amt

import (
	"context"
	"errors"
	"iter"
	"math"
	"sort"

	cid "github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	format "github.com/ipfs/go-ipld-format"
	logging "github.com/ipfs/go-log/v2"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-amt-ipld/v5/internal"
)

var log = logging.Logger("amt")

// MaxIndex is the maximum index for elements in the AMT. This MaxUint64-1 so we
// don't overflow MaxUint64 when computing the length.
const MaxIndex = math.MaxUint64 - 1

// Root is described in more detail in its internal serialized form,
// internal.Root
type Root[T any] struct {
	bitWidth uint
	height   int
	count    uint64

	node *node

	store cbor.IpldStore
	codec Codec[T]
}

// Entry is an index/value pair yielded by Entries.
type Entry[T any] struct {
	Index uint64
	Value T
}

// NewAMT creates a new, empty AMT root with the given IpldStore, value codec
// and options.
func NewAMT[T any](bs cbor.IpldStore, codec Codec[T], opts ...Option) (*Root[T], error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if codec == nil {
		return nil, xerrors.New("amt requires a value codec")
	}

	return &Root[T]{
		bitWidth: cfg.bitWidth,
		store:    bs,
		codec:    codec,
		node:     new(node),
	}, nil
}

// LoadAMT loads an existing AMT from the given IpldStore using the given
// root CID. An error will be returned where the AMT identified by the CID
// does not exist within the IpldStore. If the given options, or their defaults,
// do not match the AMT found at the given CID, an error will be returned.
func LoadAMT[T any](ctx context.Context, bs cbor.IpldStore, codec Codec[T], c cid.Cid, opts ...Option) (*Root[T], error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if codec == nil {
		return nil, xerrors.New("amt requires a value codec")
	}

	var r internal.Root
	if err := bs.Get(ctx, c, &r); err != nil {
		if format.IsNotFound(err) {
			return nil, &BlockNotFoundError{Cid: c, Err: err}
		}
		return nil, xerrors.Errorf("loading amt root %s: %w", c, err)
	}

	// Check the bitwidth but don't rely on it. We may add an option in the
	// future to just discover the bitwidth from the AMT, but we need to be
	// careful to not just trust the value.
	if r.BitWidth != uint64(cfg.bitWidth) {
		return nil, &MismatchError{Field: "bit width", Expected: uint64(cfg.bitWidth), Actual: r.BitWidth}
	}

	// Make sure the height is sane to prevent any integer overflows later
	// (e.g., height+1). While MaxUint64-1 would solve the "+1" issue, we
	// might as well use 64 because the height cannot be greater than 62
	// (min width = 2, 2**64 == max elements).
	if r.Height > 64 {
		return nil, &CorruptError{Kind: CorruptHeight, Height: r.Height}
	}

	maxNodes := nodesForHeight(cfg.bitWidth, int(r.Height+1))

	// nodesForHeight saturates. If "max nodes" is max uint64, the maximum
	// number of nodes at the previous level must be less. This is the
	// simplest way to check to see if the height is sane.
	if maxNodes == math.MaxUint64 && nodesForHeight(cfg.bitWidth, int(r.Height)) == math.MaxUint64 {
		return nil, &CorruptError{Kind: CorruptHeight, Height: r.Height}
	}

	// If max nodes is less than the count, something is wrong.
	if maxNodes < r.Count {
		return nil, &CorruptError{Kind: CorruptCount, Height: r.Height, Expected: r.Count, Actual: maxNodes}
	}

	nd, err := newNode(r.Node, cfg.bitWidth, int(r.Height), r.Height == 0)
	if err != nil {
		return nil, xerrors.Errorf("decoding amt root %s: %w", c, err)
	}

	log.Debugw("loaded amt", "root", c, "bitWidth", cfg.bitWidth, "height", r.Height, "count", r.Count)

	return &Root[T]{
		bitWidth: cfg.bitWidth,
		height:   int(r.Height),
		count:    r.Count,
		node:     nd,
		store:    bs,
		codec:    codec,
	}, nil
}

// FromArray creates a new AMT and performs a BatchSet on it using the vals and
// options provided. Indexes from the array are used as the indexes for the same
// values in the AMT.
func FromArray[T any](ctx context.Context, bs cbor.IpldStore, codec Codec[T], vals []T, opts ...Option) (cid.Cid, error) {
	r, err := NewAMT(bs, codec, opts...)
	if err != nil {
		return cid.Undef, err
	}
	if err := r.BatchSet(ctx, vals); err != nil {
		return cid.Undef, err
	}

	return r.Flush(ctx)
}

// Set will add or update entry at index i with value val. The index must be
// lower than or equal to MaxIndex.
//
// Setting a new index that is greater than the current capacity of the
// existing AMT structure will result in the creation of additional nodes to
// form a structure of enough height to contain the new index.
//
// The height required to store any given index can be calculated by finding
// the lowest (width^(height+1) - 1) that is higher than the index. For example,
// a height of 1 on an AMT with a width of 8 (bitWidth of 3) can fit up to
// indexes of 8^2 - 1, or 63. At height 2, indexes up to 511 can be stored. So a
// Set operation for an index between 64 and 511 will require that the AMT have
// a height of at least 2. Where an AMT has a height less than 2, additional
// nodes will be added until the height is 2.
func (r *Root[T]) Set(ctx context.Context, i uint64, val T) error {
	if i > MaxIndex {
		return &IndexError{Index: i}
	}

	d, err := r.codec.Encode(val)
	if err != nil {
		return xerrors.Errorf("encoding value for index %d: %w", i, err)
	}

	// Grow into locals so a failed set leaves the root untouched.
	nd, height := r.node, r.height
	for i >= nodesForHeight(r.bitWidth, height+1) {
		// if we have existing data, perform the re-height here by pushing down
		// the existing tree into the left-most portion of a new root
		if !nd.empty() {
			// since all our current elements fit in the old height, we _know_ that
			// they will all sit under element [0] of this new node.
			grown := new(node)
			grown.setLink(r.bitWidth, 0, &link{cached: nd, dirty: true})
			nd = grown
		}
		// else we still need to add new nodes to form the right height, but we can
		// defer that to our set() call below which will lazily create new nodes
		// where it expects there to be some
		height++
	}
	if height != r.height {
		log.Debugw("growing amt", "index", i, "from", r.height, "to", height)
	}

	addVal, err := nd.set(ctx, r.store, r.bitWidth, height, i, d)
	if err != nil {
		return err
	}
	r.node, r.height = nd, height

	if addVal {
		// Something is wrong, so we'll just do our best to not overflow.
		if r.count >= (MaxIndex - 1) {
			return errCountOverflow
		}
		r.count++
	}

	return nil
}

// BatchSet takes an array of vals and performs a Set on each of them on an
// existing AMT. Indexes from the array are used as indexes for the same values
// in the AMT.
//
// This is currently a convenience method and does not perform optimizations
// above iterative Set calls for each entry. It is not atomic: if a Set fails,
// the values before it remain set.
func (r *Root[T]) BatchSet(ctx context.Context, vals []T) error {
	// TODO: there are more optimized ways of doing this method
	for i, v := range vals {
		if err := r.Set(ctx, uint64(i), v); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves the value at index i. found is false, with no error, if the
// index is not set.
func (r *Root[T]) Get(ctx context.Context, i uint64) (val T, found bool, err error) {
	d, err := r.getRaw(ctx, i)
	if err != nil || d == nil {
		return val, false, err
	}
	val, err = r.codec.Decode(d)
	if err != nil {
		return val, false, xerrors.Errorf("decoding value at index %d: %w", i, err)
	}
	return val, true, nil
}

func (r *Root[T]) getRaw(ctx context.Context, i uint64) (*cbg.Deferred, error) {
	if i > MaxIndex {
		return nil, &IndexError{Index: i}
	}
	// easy shortcut case, index is too large for our height, don't bother
	// looking further
	if i >= nodesForHeight(r.bitWidth, r.height+1) {
		return nil, nil
	}
	return r.node.get(ctx, r.store, r.bitWidth, r.height, i)
}

// BatchDelete performs a bulk Delete operation on an array of indices. Each
// index in the given indices array will be removed from the AMT, if it is
// present. If strict is true, all indices are expected to be present, and
// this will return an error if one is not found; deletes performed before the
// missing index are not rolled back.
//
// Returns true if the AMT was modified as a result of this operation.
//
// There is no special optimization applied to this method, it is simply a
// convenience wrapper around Delete for an array of indices.
func (r *Root[T]) BatchDelete(ctx context.Context, indices []uint64, strict bool) (modified bool, err error) {
	// TODO: theres a faster way of doing this, but this works for now

	// Sort by index so we can safely implement these optimizations in the future.
	less := func(i, j int) bool { return indices[i] < indices[j] }
	if !sort.SliceIsSorted(indices, less) {
		// Copy first, modifying our inputs is rude.
		indices = append([]uint64(nil), indices...)
		sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	}

	for _, i := range indices {
		found, err := r.Delete(ctx, i)
		if err != nil {
			return modified, err
		} else if strict && !found {
			return modified, &IndexNotFoundError{Index: i}
		}
		modified = modified || found
	}
	return modified, nil
}

// Delete removes an index from the AMT.
// Returns true if the index was present and removed, or false if the index
// was not set.
//
// If this delete operation leaves nodes with no remaining elements, the height
// will be reduced to fit the maximum remaining index, leaving the AMT in
// canonical form for the given set of data that it contains.
func (r *Root[T]) Delete(ctx context.Context, i uint64) (bool, error) {
	if i > MaxIndex {
		return false, &IndexError{Index: i}
	}

	// shortcut, index is greater than what we hold so we know it's not there
	if i >= nodesForHeight(r.bitWidth, r.height+1) {
		return false, nil
	}

	// collapse must not fail once the value is gone
	if err := r.node.loadLeftSpine(ctx, r.store, r.bitWidth, r.height); err != nil {
		return false, err
	}

	found, err := r.node.delete(ctx, r.store, r.bitWidth, r.height, i)
	if err != nil {
		return false, err
	} else if !found {
		return false, nil
	}

	// The AMT invariant dictates that for any non-empty AMT, the root node must
	// not address only its left-most child node. Where a deletion has created a
	// state where the current root node only consists of a link to the left-most
	// child and no others, that child node must become the new root node (i.e.
	// the height is reduced by 1). We perform the same check on the new root node
	// such that we reduce the AMT to canonical form for this data set.
	// In the extreme case, it is possible to perform a collapse from a large
	// `height` to height=0 where the index being removed is very large and there
	// remains no other indexes or the remaining indexes are in the range of 0 to
	// bitWidth^8.
	// See node.collapse() for more notes.
	newHeight, err := r.node.collapse(ctx, r.store, r.bitWidth, r.height)
	if err != nil {
		return false, err
	}
	if newHeight != r.height {
		log.Debugw("collapsed amt", "index", i, "from", r.height, "to", newHeight)
	}
	r.height = newHeight

	// Something is very wrong but there's not much we can do. So we perform
	// the operation and then tell the user that something is wrong.
	if r.count == 0 {
		return false, errCountUnderflow
	}

	r.count--
	return true, nil
}

// ForEach iterates over the entire AMT and calls the cb function for each
// entry found in the leaf nodes. The callback will receive the index and the
// decoded value for each element.
func (r *Root[T]) ForEach(ctx context.Context, cb func(uint64, T) error) error {
	return r.ForEachAt(ctx, 0, cb)
}

// ForEachAt iterates over the AMT beginning from the given start index. See
// ForEach for more details.
func (r *Root[T]) ForEachAt(ctx context.Context, start uint64, cb func(uint64, T) error) error {
	return r.node.forEachAt(ctx, r.store, r.bitWidth, r.height, start, 0, func(i uint64, d *cbg.Deferred) error {
		v, err := r.codec.Decode(d)
		if err != nil {
			return xerrors.Errorf("decoding value at index %d: %w", i, err)
		}
		return cb(i, v)
	})
}

var errStopIteration = errors.New("stop iteration")

// Entries returns a sequence of every index/value pair in ascending index
// order. The sequence stops at the first error, which is yielded with a zero
// Entry. Each call walks the current state of the AMT afresh.
func (r *Root[T]) Entries(ctx context.Context) iter.Seq2[Entry[T], error] {
	return r.EntriesFrom(ctx, 0)
}

// EntriesFrom is like Entries but begins at the start index.
func (r *Root[T]) EntriesFrom(ctx context.Context, start uint64) iter.Seq2[Entry[T], error] {
	return func(yield func(Entry[T], error) bool) {
		err := r.ForEachAt(ctx, start, func(i uint64, v T) error {
			if !yield(Entry[T]{Index: i, Value: v}, nil) {
				return errStopIteration
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopIteration) {
			yield(Entry[T]{}, err)
		}
	}
}

// Keys returns a sequence of the set indexes in ascending order.
func (r *Root[T]) Keys(ctx context.Context) iter.Seq2[uint64, error] {
	return func(yield func(uint64, error) bool) {
		for e, err := range r.Entries(ctx) {
			if !yield(e.Index, err) {
				return
			}
		}
	}
}

// Values returns a sequence of the values in ascending index order.
func (r *Root[T]) Values(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for e, err := range r.Entries(ctx) {
			if !yield(e.Value, err) {
				return
			}
		}
	}
}

// FirstSetIndex finds the lowest index in this AMT that has a value set for
// it. If this operation is called on an empty AMT, an ErrNoValues will be
// returned.
func (r *Root[T]) FirstSetIndex(ctx context.Context) (uint64, error) {
	return r.node.firstSetIndex(ctx, r.store, r.bitWidth, r.height)
}

// Flush saves any unsaved node data and recompacts the in-memory forms of each
// node where they have been expanded for operational use.
func (r *Root[T]) Flush(ctx context.Context) (cid.Cid, error) {
	nd, err := r.node.flush(ctx, r.store, r.bitWidth, r.height)
	if err != nil {
		return cid.Undef, err
	}
	root := internal.Root{
		BitWidth: uint64(r.bitWidth),
		Height:   uint64(r.height),
		Count:    r.count,
		Node:     *nd,
	}
	c, err := r.store.Put(ctx, &root)
	if err != nil {
		return cid.Undef, err
	}
	log.Debugw("flushed amt", "root", c, "height", r.height, "count", r.count)
	return c, nil
}

// Len returns the "Count" property that is stored in the root of this AMT.
// It's correctness is only guaranteed by the consistency of the build of the
// AMT (i.e. this code). A "secure" count would require iterating the entire
// tree, but if all nodes are part of a trusted structure (e.g. one where we
// control the entire build, or verify all incoming blocks from untrusted
// sources) then we ought to be able to say "count" is correct. See Verify.
func (r *Root[T]) Len() uint64 {
	return r.count
}

func (r *Root[T]) Height() int {
	return r.height
}

func (r *Root[T]) BitWidth() uint {
	return r.bitWidth
}

// Verify walks the whole AMT and checks that the number of values matches
// Len. Every node is loaded, and so decoded and validated, along the way.
func (r *Root[T]) Verify(ctx context.Context) error {
	var n uint64
	err := r.node.forEachAt(ctx, r.store, r.bitWidth, r.height, 0, 0, func(uint64, *cbg.Deferred) error {
		n++
		return nil
	})
	if err != nil {
		return err
	}
	if n != r.count {
		return &CorruptError{Kind: CorruptCount, Height: uint64(r.height), Expected: r.count, Actual: n}
	}
	return nil
}

// Clone creates a copy of this AMT. In-memory (unflushed) state is copied
// so the two roots can be modified independently.
func (r *Root[T]) Clone() *Root[T] {
	nr := *r
	nr.node = r.node.clone()
	return &nr
}
