package bucket

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog"

	"github.com/functionland/fula-store/pkg/blockstore"
	"github.com/functionland/fula-store/pkg/chunker"
	"github.com/functionland/fula-store/pkg/cidutil"
	"github.com/functionland/fula-store/pkg/crypto"
	"github.com/functionland/fula-store/pkg/privacy"
	"github.com/functionland/fula-store/pkg/prolly"
)

// PutOptions carries the caller-supplied object attributes
type PutOptions struct {
	ContentType  string
	UserMetadata []privacy.Pair
	Tags         map[string]string
}

// pendingOp records one local mutation since the last successful flush, so a
// lost CAS race can replay the forest and keyring changes on top of the
// winning writer's state.
type pendingOp struct {
	remove     bool
	path       string
	storageKey string
	entry      privacy.FileEntry
	keyInfo    *crypto.KeyInfo
}

// Bucket is an open handle on one bucket: the current tree root, the decrypted
// forest and keyring, and the bucket DEK. Reads hold the bucket mutex only to
// snapshot the current root; mutations are serialised behind the bucket mutex.
type Bucket struct {
	name string
	mgr  *Manager
	log  zerolog.Logger

	mu        sync.Mutex
	record    Record
	recordCid cid.Cid
	baseRoot  cid.Cid
	tree      *prolly.Tree
	forest    *privacy.Forest
	ring      *keyring
	dek       *crypto.DEK
	pending   []pendingOp
}

// Name returns the bucket name
func (b *Bucket) Name() string {
	return b.name
}

// Root returns the current (possibly unflushed) tree root
func (b *Bucket) Root() cid.Cid {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tree.Root()
}

// Record returns a copy of the bucket record as of the last flush
func (b *Bucket) Record() Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.record
}

func (b *Bucket) storageKey(path string) (string, error) {
	key, err := privacy.ObfuscateKey(path, b.dek, b.record.Obfuscation())
	if err != nil {
		return "", &Error{Code: CodeInvalidInput, Bucket: b.name, Key: path, Cause: err}
	}
	return key, nil
}

// PutObject encrypts and stores one object under its plaintext path. The
// payload is sealed with a fresh DEK, chunked, written block by block, and
// indexed under the obfuscated storage key. Changes become durable at Flush.
func (b *Bucket) PutObject(ctx context.Context, path string, r io.Reader, opts PutOptions) (*privacy.Metadata, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &Error{Code: CodeInvalidInput, Bucket: b.name, Key: path, Cause: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	storageKey, err := b.storageKey(path)
	if err != nil {
		return nil, err
	}

	objectDEK, err := b.mgr.km.GenerateDEK()
	if err != nil {
		return nil, err
	}
	defer objectDEK.Zero()

	cipher := b.record.Cipher()
	sealed, err := crypto.Encrypt(cipher, objectDEK.Bytes(), data)
	if err != nil {
		return nil, err
	}

	contentCid, err := b.storePayload(ctx, sealed)
	if err != nil {
		return nil, err
	}

	plainHash := cidutil.Hash(data)
	now := time.Now().UnixMilli()

	meta := &privacy.Metadata{
		ContentCid:   contentCid.String(),
		Size:         uint64(len(data)),
		ETag:         `"` + hex.EncodeToString(plainHash[:]) + `"`,
		ContentType:  opts.ContentType,
		UserMetadata: opts.UserMetadata,
		Tags:         opts.Tags,
		CreatedAt:    now,
		UpdatedAt:    now,
		OwnerID:      b.record.OwnerID,
	}

	metaBlob, err := privacy.SealMetadata(meta, objectDEK, cipher)
	if err != nil {
		return nil, err
	}
	metaCid, err := b.mgr.store.PutBlock(ctx, metaBlob)
	if err != nil {
		return nil, err
	}

	pointer := &ObjectPointer{MetaCid: metaCid.String(), UpdatedAt: now, OwnerID: b.record.OwnerID}
	value, err := pointer.Encode()
	if err != nil {
		return nil, err
	}
	if err := b.tree.Insert(ctx, []byte(storageKey), value); err != nil {
		return nil, err
	}

	wrapped, err := crypto.WrapDEKInfo(b.mgr.km.PublicKey(), objectDEK, b.mgr.km.Version())
	if err != nil {
		return nil, err
	}
	b.ring.Keys[storageKey] = wrapped

	entry := privacy.FileEntry{
		OriginalPath: path,
		StorageKey:   storageKey,
		ContentType:  opts.ContentType,
		Size:         uint64(len(data)),
		Mtime:        now,
	}
	b.forest.Insert(entry)
	b.pending = append(b.pending, pendingOp{path: path, storageKey: storageKey, entry: entry, keyInfo: wrapped})

	if b.mgr.pinner != nil {
		b.mgr.pinner.PinAsync(contentCid, b.name)
	}

	b.log.Debug().Str("key", storageKey).Uint64("size", meta.Size).Msg("object stored")
	return meta, nil
}

// storePayload writes the sealed payload's chunks and returns the content
// CID: the single block's CID, or the CID of a DAG node enumerating the parts.
func (b *Bucket) storePayload(ctx context.Context, sealed []byte) (cid.Cid, error) {
	ck, err := chunker.WithConfig(chunker.Config{ChunkSize: b.mgr.cfg.ChunkSize})
	if err != nil {
		return cid.Undef, err
	}

	result := ck.ChunkBytes(sealed)
	parts := make([]cid.Cid, 0, result.ChunkCount)
	for _, block := range result.Blocks {
		c, err := b.mgr.store.PutBlock(ctx, block.Data)
		if err != nil {
			return cid.Undef, err
		}
		parts = append(parts, c)
	}

	switch len(parts) {
	case 0:
		// Empty payload still needs an addressable block
		return b.mgr.store.PutBlock(ctx, nil)
	case 1:
		return parts[0], nil
	default:
		node := blockstore.NewDagNode(parts, result.TotalSize)
		return blockstore.PutIPLD(ctx, b.mgr.store, node)
	}
}

// readSnapshot captures everything a read needs under a short lock: the
// current root and the object's wrapped key. The I/O that follows runs
// against the immutable snapshot without holding the bucket mutex.
type readSnapshot struct {
	storageKey string
	tree       *prolly.Tree
	keyInfo    *crypto.KeyInfo
}

func (b *Bucket) snapshot(path string) (*readSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	storageKey, err := b.storageKey(path)
	if err != nil {
		return nil, err
	}
	return &readSnapshot{
		storageKey: storageKey,
		tree:       b.tree.Clone(),
		keyInfo:    b.ring.Keys[storageKey],
	}, nil
}

func (b *Bucket) loadPointer(ctx context.Context, snap *readSnapshot, path string) (*ObjectPointer, error) {
	value, found, err := snap.tree.Get(ctx, []byte(snap.storageKey))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &Error{Code: CodeObjectNotFound, Bucket: b.name, Key: path}
	}
	pointer, err := DecodePointer(value)
	if err != nil {
		return nil, err
	}
	if pointer.Tombstone {
		return nil, &Error{Code: CodeObjectNotFound, Bucket: b.name, Key: path}
	}
	return pointer, nil
}

func (b *Bucket) openMetadata(ctx context.Context, snap *readSnapshot, pointer *ObjectPointer) (*privacy.Metadata, *crypto.DEK, error) {
	if snap.keyInfo == nil {
		return nil, nil, &Error{Code: CodeObjectNotFound, Bucket: b.name, Key: snap.storageKey, Message: "no wrapped key for object"}
	}
	dek, err := crypto.UnwrapDEKInfo(b.mgr.km.KeyPair().Secret(), snap.keyInfo)
	if err != nil {
		return nil, nil, err
	}

	metaCid, err := cidutil.Parse(pointer.MetaCid)
	if err != nil {
		return nil, nil, &Error{Code: CodeInvalidInput, Bucket: b.name, Cause: err}
	}
	blob, err := b.mgr.store.GetBlock(ctx, metaCid)
	if err != nil {
		return nil, nil, err
	}
	if !cidutil.Verify(blob, metaCid) {
		return nil, nil, &blockstore.StoreError{Code: blockstore.CodeIntegrity, CID: metaCid}
	}

	meta, err := privacy.OpenMetadata(blob, dek)
	if err != nil {
		return nil, nil, err
	}
	return meta, dek, nil
}

// HeadObject returns an object's decrypted metadata
func (b *Bucket) HeadObject(ctx context.Context, path string) (*privacy.Metadata, error) {
	snap, err := b.snapshot(path)
	if err != nil {
		return nil, err
	}
	pointer, err := b.loadPointer(ctx, snap, path)
	if err != nil {
		return nil, err
	}
	meta, dek, err := b.openMetadata(ctx, snap, pointer)
	if err != nil {
		return nil, err
	}
	dek.Zero()
	return meta, nil
}

// GetObject returns an object's metadata and decrypted payload
func (b *Bucket) GetObject(ctx context.Context, path string) (*privacy.Metadata, []byte, error) {
	snap, err := b.snapshot(path)
	if err != nil {
		return nil, nil, err
	}
	pointer, err := b.loadPointer(ctx, snap, path)
	if err != nil {
		return nil, nil, err
	}
	meta, dek, err := b.openMetadata(ctx, snap, pointer)
	if err != nil {
		return nil, nil, err
	}
	defer dek.Zero()

	sealed, err := b.fetchPayload(ctx, meta)
	if err != nil {
		return nil, nil, err
	}
	data, err := crypto.Decrypt(dek.Bytes(), sealed)
	if err != nil {
		return nil, nil, err
	}
	return meta, data, nil
}

func (b *Bucket) fetchPayload(ctx context.Context, meta *privacy.Metadata) ([]byte, error) {
	contentCid, err := cidutil.Parse(meta.ContentCid)
	if err != nil {
		return nil, &Error{Code: CodeInvalidInput, Bucket: b.name, Cause: err}
	}

	codec, _ := cidutil.CodecOf(contentCid)
	if codec != cidutil.DagCBOR {
		data, err := b.mgr.store.GetBlock(ctx, contentCid)
		if err != nil {
			return nil, err
		}
		if !cidutil.Verify(data, contentCid) {
			return nil, &blockstore.StoreError{Code: blockstore.CodeIntegrity, CID: contentCid}
		}
		return data, nil
	}

	var node blockstore.DagNode
	if err := blockstore.GetIPLD(ctx, b.mgr.store, contentCid, &node); err != nil {
		return nil, err
	}
	parts, err := node.PartCids()
	if err != nil {
		return nil, err
	}

	blocks := make([]blockstore.Block, 0, len(parts))
	for _, part := range parts {
		data, err := b.mgr.store.GetBlock(ctx, part)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, blockstore.Block{CID: part, Data: data})
	}
	return chunker.Reassemble(blocks)
}

// DeleteObject writes a tombstone for the object and drops it from the
// forest. The tombstone carries its own timestamp so a delete wins over
// older concurrent writes during merge.
func (b *Bucket) DeleteObject(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	storageKey, err := b.storageKey(path)
	if err != nil {
		return err
	}
	value, found, err := b.tree.Get(ctx, []byte(storageKey))
	if err != nil {
		return err
	}
	if !found {
		return &Error{Code: CodeObjectNotFound, Bucket: b.name, Key: path}
	}
	existing, err := DecodePointer(value)
	if err != nil {
		return err
	}
	if existing.Tombstone {
		return &Error{Code: CodeObjectNotFound, Bucket: b.name, Key: path}
	}

	now := time.Now().UnixMilli()
	tombstone := &ObjectPointer{UpdatedAt: now, OwnerID: b.record.OwnerID, Tombstone: true}
	value, err = tombstone.Encode()
	if err != nil {
		return err
	}
	if err := b.tree.Insert(ctx, []byte(storageKey), value); err != nil {
		return err
	}

	b.forest.Remove(path)
	delete(b.ring.Keys, storageKey)
	b.pending = append(b.pending, pendingOp{remove: true, path: path, storageKey: storageKey})

	b.log.Debug().Str("key", storageKey).Msg("object deleted")
	return nil
}

// CopyObject is get-plus-put with fresh timestamps and keys; there is no
// server-side copy path because the server never sees plaintext.
func (b *Bucket) CopyObject(ctx context.Context, srcPath, dstPath string) (*privacy.Metadata, error) {
	meta, data, err := b.GetObject(ctx, srcPath)
	if err != nil {
		return nil, err
	}
	return b.PutObject(ctx, dstPath, bytes.NewReader(data), PutOptions{
		ContentType:  meta.ContentType,
		UserMetadata: meta.UserMetadata,
		Tags:         meta.Tags,
	})
}

// LiveObjectCount counts non-tombstone entries in the tree
func (b *Bucket) LiveObjectCount(ctx context.Context) (int, error) {
	b.mu.Lock()
	tree := b.tree.Clone()
	b.mu.Unlock()

	it, err := tree.Range(ctx, nil, nil)
	if err != nil {
		return 0, err
	}
	count := 0
	for {
		e, err := it.Next(ctx)
		if err != nil {
			return 0, err
		}
		if e == nil {
			return count, nil
		}
		pointer, err := DecodePointer(e.Value)
		if err != nil {
			return 0, err
		}
		if !pointer.Tombstone {
			count++
		}
	}
}

// Flush commits the tree, forest, and keyring roots in one record write,
// CASed onto the previous record. A lost race merges against the winner with
// last-writer-wins and retries inside a bounded backoff budget.
func (b *Bucket) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	attempts := 0
	op := func() error {
		attempts++
		newRecordCid, newRecord, err := b.writeRecord(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		swapped, err := b.mgr.roots.CompareAndSwap(ctx, b.name, b.recordCid, newRecordCid)
		if err != nil {
			return backoff.Permanent(err)
		}
		if swapped {
			b.record = newRecord
			b.recordCid = newRecordCid
			b.baseRoot = b.tree.Root()
			b.pending = nil
			return nil
		}

		b.log.Info().Int("attempt", attempts).Msg("root CAS lost, merging with concurrent writer")
		if err := b.reconcile(ctx); err != nil {
			return backoff.Permanent(err)
		}
		return &Error{Code: CodeVersionMismatch, Bucket: b.name, Message: "root CAS lost"}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(b.mgr.cfg.MaxCASRetries)),
		ctx,
	)
	return backoff.Retry(op, policy)
}

// writeRecord seals the forest and keyring and writes a new record block
func (b *Bucket) writeRecord(ctx context.Context) (cid.Cid, Record, error) {
	cipher := b.record.Cipher()

	forestBlob, err := b.forest.Seal(b.dek, cipher)
	if err != nil {
		return cid.Undef, Record{}, err
	}
	forestCid, err := b.mgr.store.PutBlock(ctx, forestBlob)
	if err != nil {
		return cid.Undef, Record{}, err
	}

	ringBlob, err := b.ring.seal(b.dek, cipher)
	if err != nil {
		return cid.Undef, Record{}, err
	}
	ringCid, err := b.mgr.store.PutBlock(ctx, ringBlob)
	if err != nil {
		return cid.Undef, Record{}, err
	}

	record := b.record
	record.ProllyRoot = b.tree.Root().String()
	record.ForestRoot = forestCid.String()
	record.KeyringRoot = ringCid.String()

	recordCid, err := blockstore.PutIPLD(ctx, b.mgr.store, &record)
	if err != nil {
		return cid.Undef, Record{}, err
	}
	return recordCid, record, nil
}

// reconcile merges local state with the record a concurrent writer committed
func (b *Bucket) reconcile(ctx context.Context) error {
	theirRecordCid, found, err := b.mgr.roots.Load(ctx, b.name)
	if err != nil {
		return err
	}
	if !found {
		return &Error{Code: CodeBucketNotFound, Bucket: b.name, Message: "bucket deleted during flush"}
	}

	var theirRecord Record
	if err := blockstore.GetIPLD(ctx, b.mgr.store, theirRecordCid, &theirRecord); err != nil {
		return err
	}
	theirRoot, err := cidutil.Parse(theirRecord.ProllyRoot)
	if err != nil {
		return &Error{Code: CodeInvalidInput, Bucket: b.name, Cause: err}
	}

	merged, err := prolly.Merge(ctx, b.mgr.store, b.mgr.cfg.Tree, b.baseRoot, theirRoot, b.tree.Root(), LWWResolver)
	if err != nil {
		return err
	}

	mergedTree, err := prolly.Load(b.mgr.store, b.mgr.cfg.Tree, merged)
	if err != nil {
		return err
	}

	// Rebuild forest and keyring: the winner's committed view plus our
	// pending local changes
	theirForest, theirRing, err := b.mgr.openSidecars(ctx, &theirRecord, b.dek)
	if err != nil {
		return err
	}
	for _, op := range b.pending {
		if op.remove {
			theirForest.Remove(op.path)
			delete(theirRing.Keys, op.storageKey)
			continue
		}
		theirForest.Insert(op.entry)
		theirRing.Keys[op.storageKey] = op.keyInfo
	}

	b.tree = mergedTree
	b.forest = theirForest
	b.ring = theirRing
	b.record = theirRecord
	b.recordCid = theirRecordCid
	b.baseRoot = theirRoot
	return nil
}

// rewrap re-wraps the bucket DEK and every object DEK after a KEK rotation.
// Content blocks and the tree root stay untouched.
func (b *Bucket) rewrap(old *crypto.KeyPair) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	newPub := b.mgr.km.PublicKey()
	newVersion := b.mgr.km.Version()

	wrappedDEK, err := crypto.WrapDEKInfo(newPub, b.dek, newVersion)
	if err != nil {
		return err
	}
	rewrapped, result, err := rewrapRing(old, newPub, newVersion, b.ring)
	if err != nil {
		return err
	}
	for key, cause := range result.Failed {
		b.log.Error().Str("key", key).Err(cause).Msg("failed to re-wrap object key")
	}

	b.ring = rewrapped
	info, err := dagEncodeKeyInfo(wrappedDEK)
	if err != nil {
		return err
	}
	b.record.WrappedDEK = info
	b.record.KeyVersion = newVersion
	return nil
}
