package prolly

import (
	"context"

	"github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"

	"github.com/functionland/fula-store/pkg/blockstore"
)

// Resolver decides a true conflict: the same key changed differently in both
// descendants. base is the ancestor value (nil when the key was absent), left
// and right the two divergent values (nil meaning removed). It returns the
// winning value, or remove=true to drop the key. Returning an error surfaces
// the conflict to the caller instead of silently dropping data; resolvers
// must be deterministic and symmetric in (left, right) for the merge to be
// commutative.
type Resolver func(key, base, left, right []byte) (value []byte, remove bool, err error)

// KeyConflict builds the unresolvable-conflict error for a key
func KeyConflict(key []byte) error {
	return &TreeError{Code: CodeKeyConflict, Message: "merge conflict", Key: copyBytes(key)}
}

// Merge three-way merges two descendants of a common ancestor into a new
// root. Keys changed on only one side adopt that side's value; keys changed
// on both sides go through the resolver. The result is a pure function of the
// three roots and the resolver, so merge(A,B,C) == merge(A,C,B).
func Merge(ctx context.Context, store blockstore.BlockStore, cfg Config, ancestor, left, right cid.Cid, resolve Resolver) (cid.Cid, error) {
	base, err := Load(store, cfg, ancestor)
	if err != nil {
		return cid.Undef, err
	}
	lt, err := Load(store, cfg, left)
	if err != nil {
		return cid.Undef, err
	}
	rt, err := Load(store, cfg, right)
	if err != nil {
		return cid.Undef, err
	}

	var leftChanges, rightChanges []Change
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		leftChanges, err = DiffTrees(gctx, base, lt)
		return err
	})
	g.Go(func() error {
		var err error
		rightChanges, err = DiffTrees(gctx, base, rt)
		return err
	})
	if err := g.Wait(); err != nil {
		return cid.Undef, err
	}

	// Start from the left tree (its changes are already applied) and fold in
	// the right side's changes, resolving keys both sides touched.
	merged := lt.Clone()

	li, ri := 0, 0
	for li < len(leftChanges) || ri < len(rightChanges) {
		switch {
		case ri >= len(rightChanges):
			// Left-only change, already present in the left tree
			li++

		case li >= len(leftChanges) || compareKeys(rightChanges[ri].Key, leftChanges[li].Key) < 0:
			if err := applyChange(ctx, merged, rightChanges[ri]); err != nil {
				return cid.Undef, err
			}
			ri++

		case compareKeys(leftChanges[li].Key, rightChanges[ri].Key) < 0:
			li++

		default:
			lc, rc := leftChanges[li], rightChanges[ri]
			if err := resolveConflict(ctx, merged, resolve, lc, rc); err != nil {
				return cid.Undef, err
			}
			li++
			ri++
		}
	}

	return merged.Root(), nil
}

func applyChange(ctx context.Context, t *Tree, ch Change) error {
	if ch.Type == Removed {
		return t.Delete(ctx, ch.Key)
	}
	return t.Insert(ctx, ch.Key, ch.After)
}

func resolveConflict(ctx context.Context, t *Tree, resolve Resolver, lc, rc Change) error {
	// Identical outcomes on both sides are not a conflict
	if lc.Type == Removed && rc.Type == Removed {
		return nil
	}
	if lc.Type != Removed && rc.Type != Removed && compareKeys(lc.After, rc.After) == 0 {
		return nil
	}

	if resolve == nil {
		return KeyConflict(lc.Key)
	}

	value, remove, err := resolve(lc.Key, lc.Before, lc.After, rc.After)
	if err != nil {
		return err
	}
	if remove {
		return t.Delete(ctx, lc.Key)
	}
	return t.Insert(ctx, lc.Key, value)
}
