// Package blockstore provides block stores for AMTs: an in-memory store, a
// LevelDB backed store and a wrapper exporting prometheus metrics. All of
// them implement cbor.IpldBlockstore and report missing blocks with
// format.ErrNotFound.
package blockstore

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/xerrors"
)

var log = logging.Logger("amt/blockstore")

// Blockstore is the block store contract consumed by AMTs.
type Blockstore interface {
	cbor.IpldBlockstore
	Has(ctx context.Context, c cid.Cid) (bool, error)
}

// ErrHashMismatch is returned when stored data does not hash to its CID.
var ErrHashMismatch = xerrors.New("block data does not match its cid")

// VerifyBlock rebuilds a block from data read back from storage, checking
// that the data hashes to c.
func VerifyBlock(c cid.Cid, data []byte) (blocks.Block, error) {
	pref := c.Prefix()
	if pref.MhType == mh.IDENTITY {
		return blocks.NewBlockWithCid(data, c)
	}
	chk, err := pref.Sum(data)
	if err != nil {
		return nil, xerrors.Errorf("hashing block %s: %w", c, err)
	}
	if !chk.Equals(c) {
		return nil, xerrors.Errorf("%s (got %s): %w", c, chk, ErrHashMismatch)
	}
	return blocks.NewBlockWithCid(data, c)
}
