package blockstore

import (
	"context"
	"errors"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"golang.org/x/xerrors"
)

// LevelDB is a Blockstore persisting blocks in a LevelDB database, keyed by
// the binary form of their CID.
type LevelDB struct {
	db *leveldb.DB
}

var _ Blockstore = (*LevelDB)(nil)

// OpenLevelDB opens, creating if needed, the database at path.
func OpenLevelDB(path string, o *opt.Options) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, o)
	if err != nil {
		return nil, xerrors.Errorf("opening leveldb blockstore at %s: %w", path, err)
	}
	log.Debugw("opened leveldb blockstore", "path", path)
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(_ context.Context, c cid.Cid) (blocks.Block, error) {
	data, err := l.db.Get(c.Bytes(), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, format.ErrNotFound{Cid: c}
		}
		return nil, xerrors.Errorf("reading block %s: %w", c, err)
	}
	return VerifyBlock(c, data)
}

func (l *LevelDB) Put(_ context.Context, b blocks.Block) error {
	key := b.Cid().Bytes()
	// Blocks are immutable, an existing key already holds these bytes.
	if ok, err := l.db.Has(key, nil); err == nil && ok {
		return nil
	}
	if err := l.db.Put(key, b.RawData(), nil); err != nil {
		return xerrors.Errorf("writing block %s: %w", b.Cid(), err)
	}
	return nil
}

func (l *LevelDB) Has(_ context.Context, c cid.Cid) (bool, error) {
	return l.db.Has(c.Bytes(), nil)
}

// Stats returns the number of blocks and their total size. It scans the
// whole database.
func (l *LevelDB) Stats() (count int, size uint64, err error) {
	it := l.db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		count++
		size += uint64(len(it.Value()))
	}
	return count, size, it.Error()
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
