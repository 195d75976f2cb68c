package prolly

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/functionland/fula-store/pkg/blockstore"
	"github.com/functionland/fula-store/pkg/cidutil"
)

// Tree is a handle over one tree version. Mutations replace the root CID on
// success and leave it untouched on any failure; old blocks are never deleted,
// so previous roots remain valid snapshots.
type Tree struct {
	store blockstore.BlockStore
	cfg   Config
	root  cid.Cid
}

// NewEmpty creates and persists an empty tree
func NewEmpty(ctx context.Context, store blockstore.BlockStore, cfg Config) (*Tree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	root, err := storeNode(ctx, store, newNode(nil, 0, true))
	if err != nil {
		return nil, err
	}
	return &Tree{store: store, cfg: cfg, root: root}, nil
}

// Load opens an existing tree at the given root
func Load(store blockstore.BlockStore, cfg Config, root cid.Cid) (*Tree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tree{store: store, cfg: cfg, root: root}, nil
}

// Root returns the current root CID
func (t *Tree) Root() cid.Cid {
	return t.root
}

// Config returns the tree parameters
func (t *Tree) Config() Config {
	return t.cfg
}

// Clone returns an independent handle at the same root
func (t *Tree) Clone() *Tree {
	return &Tree{store: t.store, cfg: t.cfg, root: t.root}
}

// Get returns the value for key, with found=false when absent
func (t *Tree) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	elem, err := loadElem(ctx, t.store, t.root)
	if err != nil {
		return nil, false, err
	}

	for !elem.node.IsLeaf {
		idx := childIndex(elem.items, key)
		childCid, err := cidutil.Parse(elem.items[idx].Link)
		if err != nil {
			return nil, false, &TreeError{Code: CodeCorruptNode, Message: "bad child link", Cause: err}
		}
		elem, err = loadElem(ctx, t.store, childCid)
		if err != nil {
			return nil, false, err
		}
	}

	idx := leafIndex(elem.items, key)
	if idx >= len(elem.items) || compareKeys(elem.items[idx].Key, key) != 0 {
		return nil, false, nil
	}
	value := make([]byte, len(elem.items[idx].Value))
	copy(value, elem.items[idx].Value)
	return value, true, nil
}

// Insert adds or replaces a key. The root CID changes only on success.
func (t *Tree) Insert(ctx context.Context, key, value []byte) error {
	newRoot, err := t.mutate(ctx, key, value, false)
	if err != nil {
		return err
	}
	t.root = newRoot
	return nil
}

// Delete removes a key. Deleting an absent key is a no-op.
func (t *Tree) Delete(ctx context.Context, key []byte) error {
	newRoot, err := t.mutate(ctx, key, nil, true)
	if err != nil {
		return err
	}
	t.root = newRoot
	return nil
}

// Len counts the entries by walking the leaves
func (t *Tree) Len(ctx context.Context) (int, error) {
	p, err := t.seekFirst(ctx)
	if err != nil {
		return 0, err
	}
	total := p.leaf().node.numItems()
	for {
		ok, err := t.advance(ctx, p, 0)
		if err != nil {
			return 0, err
		}
		if !ok {
			return total, nil
		}
		total += p.leaf().node.numItems()
	}
}

// mutate applies one insert/replace/delete and returns the new root CID. The
// rebuild re-chunks exactly the region whose canonical chunking could have
// changed: backward to the start of the surrounding boundary run, forward to
// the next terminating boundary.
func (t *Tree) mutate(ctx context.Context, key, value []byte, del bool) (cid.Cid, error) {
	rootNode, err := loadNode(ctx, t.store, t.root)
	if err != nil {
		return cid.Undef, err
	}

	if rootNode.numItems() == 0 {
		if del {
			return t.root, nil
		}
		return t.buildFromItems(ctx, []Entry{{Key: copyBytes(key), Value: copyBytes(value)}})
	}

	startPath, err := t.seekPath(ctx, key)
	if err != nil {
		return cid.Undef, err
	}

	leaf := startPath.leaf()
	exists := leaf.idx < len(leaf.items) && compareKeys(leaf.items[leaf.idx].Key, key) == 0
	if del && !exists {
		return t.root, nil
	}

	items := spliceLeaf(leaf.items, leaf.idx, key, value, del, exists)
	endPath := startPath.clone()

	rootLevel := int(startPath[0].node.Level)
	var newRefs []Entry

	for level := 0; ; level++ {
		if level > 0 {
			start := startPath.elemAt(level)
			end := endPath.elemAt(level)

			items = make([]Entry, 0, start.idx+len(newRefs)+len(end.items)-end.idx-1)
			items = append(items, start.items[:start.idx]...)
			items = append(items, newRefs...)
			items = append(items, end.items[end.idx+1:]...)
		}

		// Extend backward while the previous node at this level ended on a
		// forced split rather than a boundary; the canonical chunking of the
		// run depends on the whole run.
		for {
			probe := startPath.clone()
			ok, err := t.retreat(ctx, probe, level)
			if err != nil {
				return cid.Undef, err
			}
			prev := probe.elemAt(level)
			if !ok || !t.cfg.tailOpen(prev.items) {
				break
			}
			items = append(append([]Entry{}, prev.items...), items...)
			startPath = probe
		}

		// Extend forward until the region ends on a boundary or the tree ends
		for t.cfg.tailOpen(items) {
			ok, err := t.advance(ctx, endPath, level)
			if err != nil {
				return cid.Undef, err
			}
			if !ok {
				break
			}
			items = append(items, endPath.elemAt(level).items...)
		}

		newRefs, err = t.storeLevel(ctx, items, uint8(level), level == 0)
		if err != nil {
			return cid.Undef, err
		}

		if level >= rootLevel {
			break
		}
	}

	// Grow above the old root while more than one node remains
	for level := rootLevel; len(newRefs) > 1; {
		level++
		newRefs, err = t.storeLevel(ctx, newRefs, uint8(level), false)
		if err != nil {
			return cid.Undef, err
		}
	}

	if len(newRefs) == 0 {
		return storeNode(ctx, t.store, newNode(nil, 0, true))
	}

	newRoot, err := cidutil.Parse(newRefs[0].Link)
	if err != nil {
		return cid.Undef, &TreeError{Code: CodeCorruptNode, Cause: err}
	}
	return t.collapseRoot(ctx, newRoot)
}

// collapseRoot strips single-child chains from the top so the incremental
// result matches a from-scratch build, which stops at the first level with a
// single node.
func (t *Tree) collapseRoot(ctx context.Context, root cid.Cid) (cid.Cid, error) {
	for {
		n, err := loadNode(ctx, t.store, root)
		if err != nil {
			return cid.Undef, err
		}
		if n.IsLeaf || len(n.Pointers) != 1 {
			return root, nil
		}
		root, err = cidutil.Parse(n.Pointers[0].Link)
		if err != nil {
			return cid.Undef, &TreeError{Code: CodeCorruptNode, Cause: err}
		}
	}
}

// storeLevel chunks one level's item stream into nodes, persists them, and
// returns the refs for the parent level.
func (t *Tree) storeLevel(ctx context.Context, items []Entry, level uint8, isLeaf bool) ([]Entry, error) {
	chunks := t.cfg.chunkItems(items)
	refs := make([]Entry, 0, len(chunks))
	for _, chunk := range chunks {
		c, err := storeNode(ctx, t.store, newNode(chunk, level, isLeaf))
		if err != nil {
			return nil, err
		}
		refs = append(refs, Entry{Key: chunk[0].Key, Link: c.String()})
	}
	return refs, nil
}

// buildFromItems builds a whole tree from a sorted entry sequence
func (t *Tree) buildFromItems(ctx context.Context, items []Entry) (cid.Cid, error) {
	if len(items) == 0 {
		return storeNode(ctx, t.store, newNode(nil, 0, true))
	}

	refs, err := t.storeLevel(ctx, items, 0, true)
	if err != nil {
		return cid.Undef, err
	}
	for level := uint8(1); len(refs) > 1; level++ {
		refs, err = t.storeLevel(ctx, refs, level, false)
		if err != nil {
			return cid.Undef, err
		}
	}
	return cidutil.Parse(refs[0].Link)
}

func spliceLeaf(items []Entry, idx int, key, value []byte, del, exists bool) []Entry {
	out := make([]Entry, 0, len(items)+1)
	out = append(out, items[:idx]...)
	switch {
	case del:
		out = append(out, items[idx+1:]...)
	case exists:
		out = append(out, Entry{Key: copyBytes(key), Value: copyBytes(value)})
		out = append(out, items[idx+1:]...)
	default:
		out = append(out, Entry{Key: copyBytes(key), Value: copyBytes(value)})
		out = append(out, items[idx:]...)
	}
	return out
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
