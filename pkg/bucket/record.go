package bucket

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/ipfs/go-cid"
	bolt "go.etcd.io/bbolt"

	"github.com/functionland/fula-store/pkg/crypto"
	"github.com/functionland/fula-store/pkg/privacy"
)

// Record is the persisted bucket descriptor, stored as a dag-cbor block. The
// roots store maps bucket names to record CIDs; updating a bucket writes a
// new record block and CASes the name onto it.
type Record struct {
	Name            string `cbor:"name"`
	OwnerID         string `cbor:"owner_id"`
	CreatedAt       int64  `cbor:"created_at"`
	ProllyRoot      string `cbor:"prolly_root"`
	ForestRoot      string `cbor:"forest_root,omitempty"`
	KeyringRoot     string `cbor:"keyring_root,omitempty"`
	WrappedDEK      []byte `cbor:"wrapped_dek"`
	KeyVersion      uint32 `cbor:"key_version"`
	EncryptionMode  string `cbor:"encryption_mode"`
	ObfuscationMode string `cbor:"obfuscation_mode"`
}

// Cipher resolves the record's encryption mode
func (r *Record) Cipher() crypto.Cipher {
	if r.EncryptionMode == crypto.ChaCha20Poly1305.String() {
		return crypto.ChaCha20Poly1305
	}
	return crypto.AES256GCM
}

// Obfuscation resolves the record's obfuscation mode
func (r *Record) Obfuscation() privacy.ObfuscationMode {
	return privacy.ObfuscationMode(r.ObfuscationMode)
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// ValidateName enforces S3 bucket naming rules: 3-63 characters, lowercase
// alphanumerics, hyphens and dots, no leading or trailing hyphen, no
// consecutive dots.
func ValidateName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return &Error{Code: CodeInvalidName, Message: "bucket name must be 3-63 characters", Bucket: name}
	}
	if !namePattern.MatchString(name) {
		return &Error{Code: CodeInvalidName, Message: "bucket name contains invalid characters", Bucket: name}
	}
	if strings.Contains(name, "..") {
		return &Error{Code: CodeInvalidName, Message: "bucket name must not contain consecutive dots", Bucket: name}
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		return &Error{Code: CodeInvalidName, Message: "bucket name must not start or end with a hyphen", Bucket: name}
	}
	return nil
}

// RootStore maps bucket names to their current record CIDs with CAS updates,
// the coordination point for cross-process writers.
type RootStore interface {
	// Load returns the current record CID for a bucket, with found=false when
	// the bucket does not exist
	Load(ctx context.Context, name string) (cid.Cid, bool, error)

	// CompareAndSwap atomically replaces old with new. An undefined old CID
	// asserts the name is unbound (create); swapped=false reports a lost race.
	CompareAndSwap(ctx context.Context, name string, old, new cid.Cid) (bool, error)

	// Delete unbinds the name if it still points at old
	Delete(ctx context.Context, name string, old cid.Cid) (bool, error)

	// List returns all bound bucket names
	List(ctx context.Context) ([]string, error)
}

// MemoryRootStore is the in-process RootStore
type MemoryRootStore struct {
	mu    sync.Mutex
	roots map[string]cid.Cid
}

// NewMemoryRootStore creates an empty in-memory root store
func NewMemoryRootStore() *MemoryRootStore {
	return &MemoryRootStore{roots: make(map[string]cid.Cid)}
}

// Load returns the current record CID for a bucket
func (s *MemoryRootStore) Load(ctx context.Context, name string) (cid.Cid, bool, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.roots[name]
	return c, ok, nil
}

// CompareAndSwap atomically replaces old with new
func (s *MemoryRootStore) CompareAndSwap(ctx context.Context, name string, old, new cid.Cid) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.roots[name]
	if !old.Defined() {
		if exists {
			return false, nil
		}
		s.roots[name] = new
		return true, nil
	}
	if !exists || !current.Equals(old) {
		return false, nil
	}
	s.roots[name] = new
	return true, nil
}

// Delete unbinds the name if it still points at old
func (s *MemoryRootStore) Delete(ctx context.Context, name string, old cid.Cid) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.roots[name]
	if !exists || !current.Equals(old) {
		return false, nil
	}
	delete(s.roots, name)
	return true, nil
}

// List returns all bound bucket names
func (s *MemoryRootStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.roots))
	for name := range s.roots {
		out = append(out, name)
	}
	return out, nil
}

var rootsBucket = []byte("bucket-roots")

// BoltRootStore persists bucket roots in bbolt, giving the engine durable
// bucket records without a coordination service.
type BoltRootStore struct {
	db *bolt.DB
}

// NewBoltRootStore wraps an open bbolt database
func NewBoltRootStore(db *bolt.DB) (*BoltRootStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootsBucket)
		return err
	})
	if err != nil {
		return nil, &Error{Code: CodeInvalidInput, Message: "failed to initialize root store", Cause: err}
	}
	return &BoltRootStore{db: db}, nil
}

// Load returns the current record CID for a bucket
func (s *BoltRootStore) Load(ctx context.Context, name string) (cid.Cid, bool, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, false, err
	}
	var out cid.Cid
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(rootsBucket).Get([]byte(name))
		if v == nil {
			return nil
		}
		c, err := cid.Cast(v)
		if err != nil {
			return err
		}
		out, found = c, true
		return nil
	})
	return out, found, err
}

// CompareAndSwap atomically replaces old with new
func (s *BoltRootStore) CompareAndSwap(ctx context.Context, name string, old, new cid.Cid) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var swapped bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootsBucket)
		v := b.Get([]byte(name))
		if !old.Defined() {
			if v != nil {
				return nil
			}
		} else {
			if v == nil {
				return nil
			}
			current, err := cid.Cast(v)
			if err != nil || !current.Equals(old) {
				return nil
			}
		}
		if err := b.Put([]byte(name), new.Bytes()); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

// Delete unbinds the name if it still points at old
func (s *BoltRootStore) Delete(ctx context.Context, name string, old cid.Cid) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var deleted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootsBucket)
		v := b.Get([]byte(name))
		if v == nil {
			return nil
		}
		current, err := cid.Cast(v)
		if err != nil || !current.Equals(old) {
			return nil
		}
		if err := b.Delete([]byte(name)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// List returns all bound bucket names
func (s *BoltRootStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(rootsBucket).ForEach(func(k, v []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}
