// Package blockstore defines the immutable block store contract the storage
// engine is built on, plus the local backends: an in-memory store for tests and
// hot caches, a bbolt-backed persistent store, and an LRU caching wrapper.
// Remote backends live in the ipfsapi subpackage.
package blockstore

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/functionland/fula-store/pkg/cidutil"
	"github.com/functionland/fula-store/pkg/codec/dagcbor"
)

// MaxBlockSize is the largest block any backend accepts (1 MiB)
const MaxBlockSize = 1 << 20

// BlockStore is the contract every backend satisfies. Blocks are immutable and
// keyed by CID; PutBlock is idempotent because identical bytes produce the same
// CID.
type BlockStore interface {
	// PutBlock stores raw bytes and returns their CID (raw codec)
	PutBlock(ctx context.Context, data []byte) (cid.Cid, error)

	// GetBlock retrieves block bytes by CID
	GetBlock(ctx context.Context, c cid.Cid) ([]byte, error)

	// HasBlock checks whether a block exists
	HasBlock(ctx context.Context, c cid.Cid) (bool, error)

	// DeleteBlock removes a block. Deleting an absent block is not an error.
	DeleteBlock(ctx context.Context, c cid.Cid) error

	// BlockSize returns the stored size of a block
	BlockSize(ctx context.Context, c cid.Cid) (uint64, error)

	// PutNode stores deterministic DAG-CBOR bytes under the dag-cbor codec
	PutNode(ctx context.Context, data []byte) (cid.Cid, error)
}

// PutIPLD canonically encodes v as DAG-CBOR and stores it, returning the
// dag-cbor CID. Identical values always map to identical CIDs.
func PutIPLD(ctx context.Context, s BlockStore, v interface{}) (cid.Cid, error) {
	data, err := dagcbor.Marshal(v)
	if err != nil {
		return cid.Undef, &StoreError{Code: CodeSerialization, Cause: err}
	}
	return s.PutNode(ctx, data)
}

// GetIPLD fetches a dag-cbor block and decodes it into v, verifying the CID
// against the fetched bytes first.
func GetIPLD(ctx context.Context, s BlockStore, c cid.Cid, v interface{}) error {
	data, err := s.GetBlock(ctx, c)
	if err != nil {
		return err
	}
	if !cidutil.Verify(data, c) {
		return &StoreError{Code: CodeIntegrity, CID: c}
	}
	if err := dagcbor.Unmarshal(data, v); err != nil {
		return &StoreError{Code: CodeSerialization, CID: c, Cause: err}
	}
	return nil
}

func validateBlock(data []byte) error {
	if len(data) > MaxBlockSize {
		return &StoreError{
			Code:    CodeInvalidInput,
			Message: "block exceeds maximum size",
		}
	}
	return nil
}
