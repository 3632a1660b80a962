package blockstore

import (
	"context"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
)

// Memory is a Blockstore backed by a map. It is safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	data map[cid.Cid]blocks.Block
}

var _ Blockstore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{data: make(map[cid.Cid]blocks.Block)}
}

func (m *Memory) Get(_ context.Context, c cid.Cid) (blocks.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[c]
	if !ok {
		return nil, format.ErrNotFound{Cid: c}
	}
	return b, nil
}

func (m *Memory) Put(_ context.Context, b blocks.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[b.Cid()] = b
	return nil
}

func (m *Memory) Has(_ context.Context, c cid.Cid) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[c]
	return ok, nil
}

// Len returns the number of blocks held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// DeleteBlock removes a block. Removing a missing block is not an error.
func (m *Memory) DeleteBlock(_ context.Context, c cid.Cid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, c)
	return nil
}

// AllKeys returns the CIDs of every block held, in no particular order.
func (m *Memory) AllKeys() []cid.Cid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]cid.Cid, 0, len(m.data))
	for c := range m.data {
		keys = append(keys, c)
	}
	return keys
}

// Size returns the total size of the block data held.
func (m *Memory) Size() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var size uint64
	for _, b := range m.data {
		size += uint64(len(b.RawData()))
	}
	return size
}
