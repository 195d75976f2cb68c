package blockstore

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
)

// CachedStore wraps any block store with an LRU read cache. A cache hit is
// always safe because a CID uniquely identifies its content.
type CachedStore struct {
	inner BlockStore
	cache *lru.Cache[cid.Cid, []byte]
}

// NewCachedStore wraps inner with an LRU cache of the given capacity (in blocks)
func NewCachedStore(inner BlockStore, capacity int) (*CachedStore, error) {
	cache, err := lru.New[cid.Cid, []byte](capacity)
	if err != nil {
		return nil, &StoreError{Code: CodeConfiguration, Message: "invalid cache capacity", Cause: err}
	}
	return &CachedStore{inner: inner, cache: cache}, nil
}

// PutBlock writes through to the inner store and populates the cache
func (s *CachedStore) PutBlock(ctx context.Context, data []byte) (cid.Cid, error) {
	c, err := s.inner.PutBlock(ctx, data)
	if err != nil {
		return cid.Undef, err
	}
	s.cache.Add(c, data)
	return c, nil
}

// PutNode writes through to the inner store and populates the cache
func (s *CachedStore) PutNode(ctx context.Context, data []byte) (cid.Cid, error) {
	c, err := s.inner.PutNode(ctx, data)
	if err != nil {
		return cid.Undef, err
	}
	s.cache.Add(c, data)
	return c, nil
}

// GetBlock serves from the cache when possible
func (s *CachedStore) GetBlock(ctx context.Context, c cid.Cid) ([]byte, error) {
	if data, ok := s.cache.Get(c); ok {
		return data, nil
	}
	data, err := s.inner.GetBlock(ctx, c)
	if err != nil {
		return nil, err
	}
	s.cache.Add(c, data)
	return data, nil
}

// HasBlock short-circuits on cache residency
func (s *CachedStore) HasBlock(ctx context.Context, c cid.Cid) (bool, error) {
	if s.cache.Contains(c) {
		return true, nil
	}
	return s.inner.HasBlock(ctx, c)
}

// DeleteBlock evicts from the cache and deletes from the inner store
func (s *CachedStore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	s.cache.Remove(c)
	return s.inner.DeleteBlock(ctx, c)
}

// BlockSize serves from the cache when possible
func (s *CachedStore) BlockSize(ctx context.Context, c cid.Cid) (uint64, error) {
	if data, ok := s.cache.Get(c); ok {
		return uint64(len(data)), nil
	}
	return s.inner.BlockSize(ctx, c)
}

// CacheLen returns the number of cached blocks
func (s *CachedStore) CacheLen() int {
	return s.cache.Len()
}

// PurgeCache drops every cached block
func (s *CachedStore) PurgeCache() {
	s.cache.Purge()
}
