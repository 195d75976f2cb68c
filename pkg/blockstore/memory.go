package blockstore

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/functionland/fula-store/pkg/cidutil"
)

// MemoryStore is an in-memory block store used by tests and as a hot cache
// backing. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks map[cid.Cid][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[cid.Cid][]byte)}
}

// PutBlock stores raw bytes under their raw-codec CID
func (s *MemoryStore) PutBlock(ctx context.Context, data []byte) (cid.Cid, error) {
	return s.put(ctx, data, cidutil.Raw)
}

// PutNode stores deterministic DAG-CBOR bytes under the dag-cbor codec
func (s *MemoryStore) PutNode(ctx context.Context, data []byte) (cid.Cid, error) {
	return s.put(ctx, data, cidutil.DagCBOR)
}

func (s *MemoryStore) put(ctx context.Context, data []byte, codec cidutil.Codec) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	if err := validateBlock(data); err != nil {
		return cid.Undef, err
	}

	c := cidutil.NewCid(data, codec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[c]; !ok {
		stored := make([]byte, len(data))
		copy(stored, data)
		s.blocks[c] = stored
	}
	return c, nil
}

// GetBlock retrieves block bytes by CID
func (s *MemoryStore) GetBlock(ctx context.Context, c cid.Cid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, ok := s.blocks[c]
	s.mu.RUnlock()
	if !ok {
		return nil, NotFound(c)
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// HasBlock checks whether a block exists
func (s *MemoryStore) HasBlock(ctx context.Context, c cid.Cid) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[c]
	return ok, nil
}

// DeleteBlock removes a block
func (s *MemoryStore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, c)
	return nil
}

// BlockSize returns the stored size of a block
func (s *MemoryStore) BlockSize(ctx context.Context, c cid.Cid) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blocks[c]
	if !ok {
		return 0, NotFound(c)
	}
	return uint64(len(data)), nil
}

// Len returns the number of blocks stored
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// TotalSize returns the combined size of all blocks
func (s *MemoryStore) TotalSize() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total uint64
	for _, data := range s.blocks {
		total += uint64(len(data))
	}
	return total
}

// Cids lists all stored CIDs in unspecified order
func (s *MemoryStore) Cids() []cid.Cid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cid.Cid, 0, len(s.blocks))
	for c := range s.blocks {
		out = append(out, c)
	}
	return out
}
