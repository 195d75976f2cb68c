package bucket

import (
	"context"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog"

	"github.com/functionland/fula-store/pkg/blockstore"
	"github.com/functionland/fula-store/pkg/chunker"
	"github.com/functionland/fula-store/pkg/cidutil"
	"github.com/functionland/fula-store/pkg/codec/dagcbor"
	"github.com/functionland/fula-store/pkg/crypto"
	"github.com/functionland/fula-store/pkg/log"
	"github.com/functionland/fula-store/pkg/privacy"
	"github.com/functionland/fula-store/pkg/prolly"
)

// Pinner is the optional fire-and-forget pin hook invoked on every content
// write. Failures are the pinner's to log; they never fail the write.
type Pinner interface {
	PinAsync(c cid.Cid, name string)
}

// Options configures a bucket manager
type Options struct {
	// Cipher is the AEAD suite for new buckets
	Cipher crypto.Cipher
	// Obfuscation is the storage-key obfuscation mode for new buckets
	Obfuscation privacy.ObfuscationMode
	// Tree holds the prolly tree parameters
	Tree prolly.Config
	// ChunkSize is the payload chunk size in bytes
	ChunkSize int
	// MaxCASRetries bounds the flush CAS retry budget
	MaxCASRetries int
	// Pinner, when set, receives every content CID written
	Pinner Pinner
}

// DefaultOptions returns the standard engine parameters
func DefaultOptions() Options {
	return Options{
		Cipher:        crypto.AES256GCM,
		Obfuscation:   privacy.FlatNamespace,
		Tree:          prolly.DefaultConfig(),
		ChunkSize:     chunker.DefaultChunkSize,
		MaxCASRetries: 5,
	}
}

// Manager binds bucket names to handles over one block store and root store.
// The registry is guarded by a read/write lock; each handle serialises its
// own mutations.
type Manager struct {
	store  blockstore.BlockStore
	roots  RootStore
	km     *crypto.KeyManager
	cfg    Options
	pinner Pinner
	logger zerolog.Logger

	mu   sync.RWMutex
	open map[string]*Bucket
}

// NewManager creates a bucket manager
func NewManager(store blockstore.BlockStore, roots RootStore, km *crypto.KeyManager, cfg Options) (*Manager, error) {
	if err := cfg.Tree.Validate(); err != nil {
		return nil, err
	}
	if cfg.ChunkSize < 1 || cfg.ChunkSize > chunker.MaxChunkSize {
		return nil, &Error{Code: CodeInvalidInput, Message: "invalid chunk size"}
	}
	if !cfg.Obfuscation.Valid() {
		return nil, &Error{Code: CodeInvalidInput, Message: "invalid obfuscation mode"}
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = 5
	}
	return &Manager{
		store:  store,
		roots:  roots,
		km:     km,
		cfg:    cfg,
		pinner: cfg.Pinner,
		logger: log.WithComponent("bucket"),
		open:   make(map[string]*Bucket),
	}, nil
}

func hashOwner(owner string) string {
	h := cidutil.Hash([]byte(owner))
	return hex.EncodeToString(h[:])
}

// CreateBucket creates a new bucket with a fresh random bucket DEK wrapped
// under the manager's KEK. Name collisions fail with BucketAlreadyExists.
func (m *Manager) CreateBucket(ctx context.Context, name, owner string) (*Bucket, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	dek, err := crypto.GenerateDEK()
	if err != nil {
		return nil, err
	}
	wrapped, err := crypto.WrapDEKInfo(m.km.PublicKey(), dek, m.km.Version())
	if err != nil {
		return nil, err
	}
	wrappedBytes, err := dagEncodeKeyInfo(wrapped)
	if err != nil {
		return nil, err
	}

	tree, err := prolly.NewEmpty(ctx, m.store, m.cfg.Tree)
	if err != nil {
		return nil, err
	}

	record := Record{
		Name:            name,
		OwnerID:         hashOwner(owner),
		CreatedAt:       time.Now().UnixMilli(),
		ProllyRoot:      tree.Root().String(),
		WrappedDEK:      wrappedBytes,
		KeyVersion:      m.km.Version(),
		EncryptionMode:  m.cfg.Cipher.String(),
		ObfuscationMode: string(m.cfg.Obfuscation),
	}

	b := &Bucket{
		name:     name,
		mgr:      m,
		log:      m.logger.With().Str("bucket", name).Logger(),
		record:   record,
		baseRoot: tree.Root(),
		tree:     tree,
		forest:   privacy.NewForest(),
		ring:     newKeyring(),
		dek:      dek,
	}

	recordCid, rec, err := b.writeRecord(ctx)
	if err != nil {
		return nil, err
	}
	swapped, err := m.roots.CompareAndSwap(ctx, name, cid.Undef, recordCid)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, &Error{Code: CodeBucketExists, Bucket: name, Message: "bucket already exists"}
	}
	b.record = rec
	b.recordCid = recordCid

	m.mu.Lock()
	m.open[name] = b
	m.mu.Unlock()

	m.logger.Info().Str("bucket", name).Msg("bucket created")
	return b, nil
}

// OpenBucket returns a handle on an existing bucket, reusing an open handle
// when one exists in this process.
func (m *Manager) OpenBucket(ctx context.Context, name string) (*Bucket, error) {
	m.mu.RLock()
	if b, ok := m.open[name]; ok {
		m.mu.RUnlock()
		return b, nil
	}
	m.mu.RUnlock()

	recordCid, found, err := m.roots.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &Error{Code: CodeBucketNotFound, Bucket: name, Message: "bucket not found"}
	}

	var record Record
	if err := blockstore.GetIPLD(ctx, m.store, recordCid, &record); err != nil {
		return nil, err
	}

	var wrapped crypto.KeyInfo
	if err := dagcbor.Unmarshal(record.WrappedDEK, &wrapped); err != nil {
		return nil, &Error{Code: CodeInvalidInput, Bucket: name, Message: "malformed bucket key", Cause: err}
	}
	dek, err := crypto.UnwrapDEKInfo(m.km.KeyPair().Secret(), &wrapped)
	if err != nil {
		return nil, err
	}

	root, err := cidutil.Parse(record.ProllyRoot)
	if err != nil {
		return nil, &Error{Code: CodeInvalidInput, Bucket: name, Cause: err}
	}
	tree, err := prolly.Load(m.store, m.cfg.Tree, root)
	if err != nil {
		return nil, err
	}

	forest, ring, err := m.openSidecars(ctx, &record, dek)
	if err != nil {
		return nil, err
	}

	b := &Bucket{
		name:      name,
		mgr:       m,
		log:       m.logger.With().Str("bucket", name).Logger(),
		record:    record,
		recordCid: recordCid,
		baseRoot:  root,
		tree:      tree,
		forest:    forest,
		ring:      ring,
		dek:       dek,
	}

	m.mu.Lock()
	// A concurrent open may have won; prefer the registered handle
	if existing, ok := m.open[name]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.open[name] = b
	m.mu.Unlock()
	return b, nil
}

// openSidecars loads and decrypts a record's forest and keyring
func (m *Manager) openSidecars(ctx context.Context, record *Record, dek *crypto.DEK) (*privacy.Forest, *keyring, error) {
	forest := privacy.NewForest()
	ring := newKeyring()

	if record.ForestRoot != "" {
		c, err := cidutil.Parse(record.ForestRoot)
		if err != nil {
			return nil, nil, &Error{Code: CodeInvalidInput, Bucket: record.Name, Cause: err}
		}
		blob, err := m.store.GetBlock(ctx, c)
		if err != nil {
			return nil, nil, err
		}
		forest, err = privacy.OpenForest(blob, dek)
		if err != nil {
			return nil, nil, err
		}
	}

	if record.KeyringRoot != "" {
		c, err := cidutil.Parse(record.KeyringRoot)
		if err != nil {
			return nil, nil, &Error{Code: CodeInvalidInput, Bucket: record.Name, Cause: err}
		}
		blob, err := m.store.GetBlock(ctx, c)
		if err != nil {
			return nil, nil, err
		}
		ring, err = openKeyring(blob, dek)
		if err != nil {
			return nil, nil, err
		}
	}

	return forest, ring, nil
}

// DeleteBucket removes an empty bucket. A bucket with live objects fails
// with PreconditionFailed.
func (m *Manager) DeleteBucket(ctx context.Context, name string) error {
	b, err := m.OpenBucket(ctx, name)
	if err != nil {
		return err
	}

	live, err := b.LiveObjectCount(ctx)
	if err != nil {
		return err
	}
	if live > 0 {
		return &Error{Code: CodePreconditionFailed, Bucket: name, Message: "bucket is not empty"}
	}

	b.mu.Lock()
	recordCid := b.recordCid
	b.mu.Unlock()

	deleted, err := m.roots.Delete(ctx, name, recordCid)
	if err != nil {
		return err
	}
	if !deleted {
		return &Error{Code: CodeVersionMismatch, Bucket: name, Message: "bucket changed during delete"}
	}

	m.mu.Lock()
	delete(m.open, name)
	m.mu.Unlock()

	m.logger.Info().Str("bucket", name).Msg("bucket deleted")
	return nil
}

// ListBuckets returns bucket names matching the optional prefix filter,
// sorted ascending
func (m *Manager) ListBuckets(ctx context.Context, filter string) ([]string, error) {
	names, err := m.roots.List(ctx)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, name := range names {
		if filter == "" || strings.HasPrefix(name, filter) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// RotateKeys rotates the manager's KEK and re-wraps the bucket DEK and every
// object DEK of all open buckets. Flush persists the new wraps; the tree
// roots do not move.
func (m *Manager) RotateKeys(ctx context.Context) error {
	old, err := m.km.Rotate()
	if err != nil {
		return err
	}
	defer old.Secret().Zero()

	m.mu.RLock()
	handles := make([]*Bucket, 0, len(m.open))
	for _, b := range m.open {
		handles = append(handles, b)
	}
	m.mu.RUnlock()

	for _, b := range handles {
		if err := b.rewrap(old); err != nil {
			return err
		}
		if err := b.Flush(ctx); err != nil {
			return err
		}
	}
	m.logger.Info().Uint32("key_version", m.km.Version()).Msg("key rotation complete")
	return nil
}

// KeyManager exposes the manager's key manager
func (m *Manager) KeyManager() *crypto.KeyManager {
	return m.km
}

// Store exposes the manager's block store
func (m *Manager) Store() blockstore.BlockStore {
	return m.store
}

func dagEncodeKeyInfo(info *crypto.KeyInfo) ([]byte, error) {
	data, err := dagcbor.Marshal(info)
	if err != nil {
		return nil, &Error{Code: CodeInvalidInput, Message: "key info encoding failed", Cause: err}
	}
	return data, nil
}

// rewrapRing re-wraps every keyring entry under the new public key
func rewrapRing(old *crypto.KeyPair, newPub crypto.PublicKey, newVersion uint32, ring *keyring) (*keyring, *crypto.RotationResult, error) {
	out := newKeyring()
	result := &crypto.RotationResult{NewVersion: newVersion, Failed: make(map[string]error)}

	for key, info := range ring.Keys {
		dek, err := crypto.UnwrapDEKInfo(old.Secret(), info)
		if err != nil {
			out.Keys[key] = info
			result.Failed[key] = err
			continue
		}
		rewrapped, err := crypto.WrapDEKInfo(newPub, dek, newVersion)
		dek.Zero()
		if err != nil {
			out.Keys[key] = info
			result.Failed[key] = err
			continue
		}
		out.Keys[key] = rewrapped
		result.Rewrapped = append(result.Rewrapped, key)
	}
	return out, result, nil
}
