package prolly

import (
	"context"
	"sort"

	"github.com/ipfs/go-cid"

	"github.com/functionland/fula-store/pkg/blockstore"
	"github.com/functionland/fula-store/pkg/cidutil"
)

// pathElem is one step of a root-to-leaf path. idx selects the child ref (or,
// at the leaf, the entry) the path continues through. items caches the node's
// flattened entry sequence; it is never mutated in place.
type pathElem struct {
	cid   cid.Cid
	node  *Node
	items []Entry
	idx   int
}

// path is a root-to-leaf stack: path[0] is the root, path[len-1] the leaf.
// The node at slice index i sits at tree level rootLevel-i.
type path []pathElem

func (p path) elemAt(level int) *pathElem {
	rootLevel := int(p[0].node.Level)
	return &p[rootLevel-level]
}

func (p path) clone() path {
	out := make(path, len(p))
	copy(out, p)
	return out
}

func (p path) leaf() *pathElem {
	return &p[len(p)-1]
}

func loadElem(ctx context.Context, store blockstore.BlockStore, c cid.Cid) (pathElem, error) {
	n, err := loadNode(ctx, store, c)
	if err != nil {
		return pathElem{}, err
	}
	return pathElem{cid: c, node: n, items: n.items()}, nil
}

// childIndex picks the last child whose first key is <= key, clamped to the
// first child so descents always make progress.
func childIndex(items []Entry, key []byte) int {
	idx := sort.Search(len(items), func(i int) bool {
		return compareKeys(items[i].Key, key) > 0
	}) - 1
	if idx < 0 {
		idx = 0
	}
	return idx
}

// leafIndex finds the position of key, or its insertion point
func leafIndex(items []Entry, key []byte) int {
	return sort.Search(len(items), func(i int) bool {
		return compareKeys(items[i].Key, key) >= 0
	})
}

// seekPath descends from root to the leaf responsible for key
func (t *Tree) seekPath(ctx context.Context, key []byte) (path, error) {
	elem, err := loadElem(ctx, t.store, t.root)
	if err != nil {
		return nil, err
	}

	p := path{elem}
	for !p[len(p)-1].node.IsLeaf {
		cur := &p[len(p)-1]
		cur.idx = childIndex(cur.items, key)

		childCid, err := cidutil.Parse(cur.items[cur.idx].Link)
		if err != nil {
			return nil, &TreeError{Code: CodeCorruptNode, Message: "bad child link", Cause: err}
		}
		child, err := loadElem(ctx, t.store, childCid)
		if err != nil {
			return nil, err
		}
		p = append(p, child)
	}

	leaf := p.leaf()
	leaf.idx = leafIndex(leaf.items, key)
	return p, nil
}

// seekFirst descends to the leftmost leaf
func (t *Tree) seekFirst(ctx context.Context) (path, error) {
	elem, err := loadElem(ctx, t.store, t.root)
	if err != nil {
		return nil, err
	}

	p := path{elem}
	for !p[len(p)-1].node.IsLeaf {
		cur := &p[len(p)-1]
		cur.idx = 0
		childCid, err := cidutil.Parse(cur.items[0].Link)
		if err != nil {
			return nil, &TreeError{Code: CodeCorruptNode, Message: "bad child link", Cause: err}
		}
		child, err := loadElem(ctx, t.store, childCid)
		if err != nil {
			return nil, err
		}
		p = append(p, child)
	}
	return p, nil
}

// advance moves the path to the next node at the given level, updating every
// ancestor. Elements below the target level are left untouched; callers that
// advance at level k no longer use them. Returns false at the end of the
// tree.
func (t *Tree) advance(ctx context.Context, p path, level int) (bool, error) {
	rootLevel := int(p[0].node.Level)
	target := rootLevel - level

	for j := target - 1; j >= 0; j-- {
		elem := &p[j]
		if elem.idx+1 >= len(elem.items) {
			continue
		}
		elem.idx++

		for li := j + 1; li <= target; li++ {
			parent := &p[li-1]
			childCid, err := cidutil.Parse(parent.items[parent.idx].Link)
			if err != nil {
				return false, &TreeError{Code: CodeCorruptNode, Message: "bad child link", Cause: err}
			}
			child, err := loadElem(ctx, t.store, childCid)
			if err != nil {
				return false, err
			}
			p[li] = child
		}
		return true, nil
	}
	return false, nil
}

// retreat moves the path to the previous node at the given level. Reloaded
// ancestors between the changed level and the target point at their last
// child; the new target element's idx is 0. Elements below the target level
// are left untouched. Returns false at the start of the tree.
func (t *Tree) retreat(ctx context.Context, p path, level int) (bool, error) {
	rootLevel := int(p[0].node.Level)
	target := rootLevel - level

	for j := target - 1; j >= 0; j-- {
		elem := &p[j]
		if elem.idx == 0 {
			continue
		}
		elem.idx--

		for li := j + 1; li <= target; li++ {
			parent := &p[li-1]
			childCid, err := cidutil.Parse(parent.items[parent.idx].Link)
			if err != nil {
				return false, &TreeError{Code: CodeCorruptNode, Message: "bad child link", Cause: err}
			}
			child, err := loadElem(ctx, t.store, childCid)
			if err != nil {
				return false, err
			}
			if li < target {
				child.idx = len(child.items) - 1
			}
			p[li] = child
		}
		return true, nil
	}
	return false, nil
}
