package prolly

import (
	"context"
)

// RangeIter lazily yields entries with start <= key < end in ascending key
// order. Blocks are fetched one path at a time, so the in-flight window is
// bounded by the tree height.
type RangeIter struct {
	t    *Tree
	p    path
	end  []byte
	done bool
}

// Range creates an iterator over [start, end). A nil start begins at the
// first key; a nil end runs to the last.
func (t *Tree) Range(ctx context.Context, start, end []byte) (*RangeIter, error) {
	var p path
	var err error
	if start == nil {
		p, err = t.seekFirst(ctx)
	} else {
		p, err = t.seekPath(ctx, start)
	}
	if err != nil {
		return nil, err
	}

	it := &RangeIter{t: t, p: p, end: end}
	if err := it.settle(ctx); err != nil {
		return nil, err
	}
	return it, nil
}

// settle advances past exhausted leaves until the cursor rests on an entry
// or the tree ends
func (it *RangeIter) settle(ctx context.Context) error {
	for !it.done {
		leaf := it.p.leaf()
		if leaf.idx < len(leaf.items) {
			return nil
		}
		ok, err := it.t.advance(ctx, it.p, 0)
		if err != nil {
			return err
		}
		if !ok {
			it.done = true
		}
	}
	return nil
}

// Next returns the next entry, or nil when the range is exhausted
func (it *RangeIter) Next(ctx context.Context) (*Entry, error) {
	if it.done {
		return nil, nil
	}

	leaf := it.p.leaf()
	item := leaf.items[leaf.idx]
	if it.end != nil && compareKeys(item.Key, it.end) >= 0 {
		it.done = true
		return nil, nil
	}

	out := &Entry{Key: copyBytes(item.Key), Value: copyBytes(item.Value)}

	leaf.idx++
	if err := it.settle(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// Collect drains the iterator into a slice
func (it *RangeIter) Collect(ctx context.Context) ([]Entry, error) {
	var out []Entry
	for {
		e, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return out, nil
		}
		out = append(out, *e)
	}
}
