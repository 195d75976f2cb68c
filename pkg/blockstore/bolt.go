package blockstore

import (
	"context"

	"github.com/ipfs/go-cid"
	bolt "go.etcd.io/bbolt"

	"github.com/functionland/fula-store/pkg/cidutil"
)

var blocksBucket = []byte("blocks")

// BoltStore is a persistent local block store backed by bbolt. It makes the
// engine durable without a running IPFS daemon.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) a bbolt-backed store at path
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, &StoreError{Code: CodeConfiguration, Message: "failed to open block database", Cause: err}
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, &StoreError{Code: CodeConfiguration, Message: "failed to initialize block database", Cause: err}
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutBlock stores raw bytes under their raw-codec CID
func (s *BoltStore) PutBlock(ctx context.Context, data []byte) (cid.Cid, error) {
	return s.put(ctx, data, cidutil.Raw)
}

// PutNode stores deterministic DAG-CBOR bytes under the dag-cbor codec
func (s *BoltStore) PutNode(ctx context.Context, data []byte) (cid.Cid, error) {
	return s.put(ctx, data, cidutil.DagCBOR)
}

func (s *BoltStore) put(ctx context.Context, data []byte, codec cidutil.Codec) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	if err := validateBlock(data); err != nil {
		return cid.Undef, err
	}

	c := cidutil.NewCid(data, codec)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(blocksBucket)
		if b.Get(c.Bytes()) != nil {
			// Idempotent put: identical bytes are already durable
			return nil
		}
		return b.Put(c.Bytes(), data)
	})
	if err != nil {
		return cid.Undef, &StoreError{Code: CodeConnection, Message: "block write failed", CID: c, Cause: err}
	}
	return c, nil
}

// GetBlock retrieves block bytes by CID
func (s *BoltStore) GetBlock(ctx context.Context, c cid.Cid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blocksBucket).Get(c.Bytes())
		if v == nil {
			return NotFound(c)
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// HasBlock checks whether a block exists
func (s *BoltStore) HasBlock(ctx context.Context, c cid.Cid) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(blocksBucket).Get(c.Bytes()) != nil
		return nil
	})
	return found, err
}

// DeleteBlock removes a block
func (s *BoltStore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).Delete(c.Bytes())
	})
}

// BlockSize returns the stored size of a block
func (s *BoltStore) BlockSize(ctx context.Context, c cid.Cid) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var size uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blocksBucket).Get(c.Bytes())
		if v == nil {
			return NotFound(c)
		}
		size = uint64(len(v))
		return nil
	})
	return size, err
}
