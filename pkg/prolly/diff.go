package prolly

import (
	"bytes"
	"context"

	"github.com/functionland/fula-store/pkg/cidutil"
)

// ChangeType classifies one diff entry
type ChangeType int

// Diff change kinds
const (
	Added ChangeType = iota
	Removed
	Modified
)

func (c ChangeType) String() string {
	switch c {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Modified:
		return "modified"
	default:
		return "unknown"
	}
}

// Change is one difference between two tree versions. Before holds the value
// in the older tree, After the value in the newer one; Added has no Before
// and Removed no After.
type Change struct {
	Key    []byte
	Type   ChangeType
	Before []byte
	After  []byte
}

// diffCursor walks one tree's leaf entries with enough position information
// to skip shared subtrees wholesale.
type diffCursor struct {
	t    *Tree
	p    path
	done bool
}

func newDiffCursor(ctx context.Context, t *Tree) (*diffCursor, error) {
	p, err := t.seekFirst(ctx)
	if err != nil {
		return nil, err
	}
	c := &diffCursor{t: t, p: p}
	c.done = p.leaf().node.numItems() == 0
	return c, nil
}

func (c *diffCursor) current() Entry {
	leaf := c.p.leaf()
	return leaf.items[leaf.idx]
}

// atSubtreeStart reports whether the cursor sits on the first entry of the
// subtree rooted at the given level
func (c *diffCursor) atSubtreeStart(level int) bool {
	if level > int(c.p[0].node.Level) {
		return false
	}
	for l := 0; l <= level; l++ {
		if c.p.elemAt(l).idx != 0 {
			return false
		}
	}
	return true
}

func (c *diffCursor) subtreeCid(level int) string {
	return c.p.elemAt(level).cid.String()
}

// advanceEntry steps to the next leaf entry
func (c *diffCursor) advanceEntry(ctx context.Context) error {
	leaf := c.p.leaf()
	leaf.idx++
	for leaf.idx >= len(leaf.items) {
		ok, err := c.t.advance(ctx, c.p, 0)
		if err != nil {
			return err
		}
		if !ok {
			c.done = true
			return nil
		}
		leaf = c.p.leaf()
	}
	return nil
}

// skipSubtree jumps past the whole subtree at the given level
func (c *diffCursor) skipSubtree(ctx context.Context, level int) error {
	ok, err := c.t.advance(ctx, c.p, level)
	if err != nil {
		return err
	}
	if !ok {
		c.done = true
		return nil
	}
	// Rebuild the path below the new subtree down to its first leaf entry
	rootLevel := int(c.p[0].node.Level)
	for li := rootLevel - level + 1; li < len(c.p); li++ {
		parent := &c.p[li-1]
		childCid, err := cidutil.Parse(parent.items[parent.idx].Link)
		if err != nil {
			return &TreeError{Code: CodeCorruptNode, Message: "bad child link", Cause: err}
		}
		child, err := loadElem(ctx, c.t.store, childCid)
		if err != nil {
			return err
		}
		c.p[li] = child
	}
	return nil
}

// DiffIter lazily enumerates the changes from tree a to tree b. Subtrees with
// identical CIDs are skipped without being fetched.
type DiffIter struct {
	a, b *diffCursor
}

// Diff creates a change iterator between two tree versions. Both trees must
// share the store and configuration.
func Diff(ctx context.Context, a, b *Tree) (*DiffIter, error) {
	if a.root.Equals(b.root) {
		return &DiffIter{}, nil
	}
	ca, err := newDiffCursor(ctx, a)
	if err != nil {
		return nil, err
	}
	cb, err := newDiffCursor(ctx, b)
	if err != nil {
		return nil, err
	}
	return &DiffIter{a: ca, b: cb}, nil
}

// skipCommon advances both cursors past the largest shared subtree they are
// jointly positioned at. Reports whether anything was skipped.
func (it *DiffIter) skipCommon(ctx context.Context) (bool, error) {
	maxLevel := int(it.a.p[0].node.Level)
	if bl := int(it.b.p[0].node.Level); bl < maxLevel {
		maxLevel = bl
	}
	for level := maxLevel; level >= 0; level-- {
		if !it.a.atSubtreeStart(level) || !it.b.atSubtreeStart(level) {
			continue
		}
		if it.a.subtreeCid(level) != it.b.subtreeCid(level) {
			continue
		}
		if err := it.a.skipSubtree(ctx, level); err != nil {
			return false, err
		}
		if err := it.b.skipSubtree(ctx, level); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Next returns the next change, or nil when the trees are fully compared
func (it *DiffIter) Next(ctx context.Context) (*Change, error) {
	if it.a == nil || it.b == nil {
		return nil, nil
	}

	for !it.a.done && !it.b.done {
		skipped, err := it.skipCommon(ctx)
		if err != nil {
			return nil, err
		}
		if skipped {
			continue
		}

		ea, eb := it.a.current(), it.b.current()
		switch cmp := compareKeys(ea.Key, eb.Key); {
		case cmp < 0:
			if err := it.a.advanceEntry(ctx); err != nil {
				return nil, err
			}
			return &Change{Key: copyBytes(ea.Key), Type: Removed, Before: copyBytes(ea.Value)}, nil
		case cmp > 0:
			if err := it.b.advanceEntry(ctx); err != nil {
				return nil, err
			}
			return &Change{Key: copyBytes(eb.Key), Type: Added, After: copyBytes(eb.Value)}, nil
		default:
			equal := bytes.Equal(ea.Value, eb.Value)
			if err := it.a.advanceEntry(ctx); err != nil {
				return nil, err
			}
			if err := it.b.advanceEntry(ctx); err != nil {
				return nil, err
			}
			if !equal {
				return &Change{Key: copyBytes(ea.Key), Type: Modified, Before: copyBytes(ea.Value), After: copyBytes(eb.Value)}, nil
			}
		}
	}

	for !it.a.done {
		ea := it.a.current()
		if err := it.a.advanceEntry(ctx); err != nil {
			return nil, err
		}
		return &Change{Key: copyBytes(ea.Key), Type: Removed, Before: copyBytes(ea.Value)}, nil
	}
	for !it.b.done {
		eb := it.b.current()
		if err := it.b.advanceEntry(ctx); err != nil {
			return nil, err
		}
		return &Change{Key: copyBytes(eb.Key), Type: Added, After: copyBytes(eb.Value)}, nil
	}
	return nil, nil
}

// Collect drains the iterator into a slice
func (it *DiffIter) Collect(ctx context.Context) ([]Change, error) {
	var out []Change
	for {
		ch, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if ch == nil {
			return out, nil
		}
		out = append(out, *ch)
	}
}

// DiffTrees is the materialized form of Diff
func DiffTrees(ctx context.Context, a, b *Tree) ([]Change, error) {
	it, err := Diff(ctx, a, b)
	if err != nil {
		return nil, err
	}
	return it.Collect(ctx)
}
