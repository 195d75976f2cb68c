package prolly

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/bits"

	"github.com/ipfs/go-cid"
	"lukechampine.com/blake3"

	"github.com/functionland/fula-store/pkg/blockstore"
	"github.com/functionland/fula-store/pkg/cidutil"
	"github.com/functionland/fula-store/pkg/codec/dagcbor"
)

// Entry is one key/value pair. At leaf level Value holds the caller's bytes;
// at internal levels it is empty and Link points at the child node whose
// first key is Key.
type Entry struct {
	Key   []byte `cbor:"k"`
	Value []byte `cbor:"v,omitempty"`
	Link  string `cbor:"l,omitempty"`
}

func (e Entry) isLink() bool {
	return e.Link != ""
}

// boundaryPayload returns the bytes fed to the boundary hash for this entry
func (e Entry) boundaryPayload() []byte {
	if e.isLink() {
		return []byte(e.Link)
	}
	return e.Value
}

// Pointer is one slot of a node: either an inline run of values (leaf level)
// or a link to a child node.
type Pointer struct {
	Entries []Entry `cbor:"entries,omitempty"`
	Key     []byte  `cbor:"key,omitempty"`
	Link    string  `cbor:"link,omitempty"`
}

// Node is the persisted tree node. The bitmask records which pointer slots
// are occupied; popcount(bitmask) must equal len(pointers).
type Node struct {
	Bitmask  []byte    `cbor:"bitmask"`
	Pointers []Pointer `cbor:"pointers"`
	IsLeaf   bool      `cbor:"is_leaf"`
	Level    uint8     `cbor:"level"`
}

// items flattens a node into its logical entry sequence: leaf entries for a
// leaf, (key, link) refs for an internal node.
func (n *Node) items() []Entry {
	if n.IsLeaf {
		var out []Entry
		for _, p := range n.Pointers {
			out = append(out, p.Entries...)
		}
		return out
	}
	out := make([]Entry, 0, len(n.Pointers))
	for _, p := range n.Pointers {
		out = append(out, Entry{Key: p.Key, Link: p.Link})
	}
	return out
}

// numItems returns the logical entry count without flattening
func (n *Node) numItems() int {
	if !n.IsLeaf {
		return len(n.Pointers)
	}
	total := 0
	for _, p := range n.Pointers {
		total += len(p.Entries)
	}
	return total
}

// firstKey returns the smallest key in the node's subtree
func (n *Node) firstKey() []byte {
	if n.IsLeaf {
		for _, p := range n.Pointers {
			if len(p.Entries) > 0 {
				return p.Entries[0].Key
			}
		}
		return nil
	}
	if len(n.Pointers) == 0 {
		return nil
	}
	return n.Pointers[0].Key
}

func popcount(mask []byte) int {
	total := 0
	for _, b := range mask {
		total += bits.OnesCount8(b)
	}
	return total
}

func occupancyMask(slots int) []byte {
	mask := make([]byte, (slots+7)/8)
	if len(mask) == 0 {
		mask = []byte{0}
	}
	for i := 0; i < slots; i++ {
		mask[i/8] |= 1 << (i % 8)
	}
	return mask
}

// newNode assembles a persisted node from an item sequence
func newNode(items []Entry, level uint8, isLeaf bool) *Node {
	n := &Node{IsLeaf: isLeaf, Level: level}
	if isLeaf {
		if len(items) > 0 {
			n.Pointers = []Pointer{{Entries: items}}
		}
	} else {
		n.Pointers = make([]Pointer, len(items))
		for i, it := range items {
			n.Pointers[i] = Pointer{Key: it.Key, Link: it.Link}
		}
	}
	n.Bitmask = occupancyMask(len(n.Pointers))
	return n
}

func (n *Node) validate() error {
	if popcount(n.Bitmask) != len(n.Pointers) {
		return &TreeError{Code: CodeCorruptNode, Message: "bitmask occupancy does not match pointer count"}
	}
	for _, p := range n.Pointers {
		if n.IsLeaf && p.Link != "" {
			return &TreeError{Code: CodeCorruptNode, Message: "leaf node carries a link pointer"}
		}
		if !n.IsLeaf && p.Link == "" {
			return &TreeError{Code: CodeCorruptNode, Message: "internal node carries a values pointer"}
		}
	}
	return nil
}

// encode serialises the node to deterministic DAG-CBOR
func (n *Node) encode() ([]byte, error) {
	data, err := dagcbor.Marshal(n)
	if err != nil {
		return nil, &TreeError{Code: CodeCorruptNode, Message: "node encoding failed", Cause: err}
	}
	return data, nil
}

func decodeNode(data []byte) (*Node, error) {
	var n Node
	if err := dagcbor.Unmarshal(data, &n); err != nil {
		return nil, &TreeError{Code: CodeCorruptNode, Message: "node decoding failed", Cause: err}
	}
	if err := n.validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

// storeNode persists a node and returns its CID
func storeNode(ctx context.Context, store blockstore.BlockStore, n *Node) (cid.Cid, error) {
	data, err := n.encode()
	if err != nil {
		return cid.Undef, err
	}
	return store.PutNode(ctx, data)
}

// loadNode fetches and decodes a node, verifying bytes against the CID
func loadNode(ctx context.Context, store blockstore.BlockStore, c cid.Cid) (*Node, error) {
	data, err := store.GetBlock(ctx, c)
	if err != nil {
		return nil, err
	}
	if !cidutil.Verify(data, c) {
		return nil, &blockstore.StoreError{Code: blockstore.CodeIntegrity, CID: c}
	}
	return decodeNode(data)
}

// isBoundary applies the content-defined split predicate: an entry terminates
// a node when the low BoundaryBits bits of LE32(BLAKE3(key || payload)) are
// all zero.
func (c Config) isBoundary(e Entry) bool {
	h := blake3.New(32, nil)
	h.Write(e.Key)
	h.Write(e.boundaryPayload())
	sum := h.Sum(nil)
	low := binary.LittleEndian.Uint32(sum[:4])
	return low&c.boundaryMask() == 0
}

// estimatedSize approximates an entry's serialized footprint for the max node
// size check. The constant covers CBOR framing per entry.
func estimatedSize(e Entry) int {
	return len(e.Key) + len(e.Value) + len(e.Link) + 16
}

// chunkItems partitions an item sequence into node item-lists. A node ends
// right after a boundary entry; a boundary-delimited run whose estimated size
// exceeds MaxNodeSize is split at its midpoint, recursively, lower half taking
// the extra entry. The partition is a pure function of the sequence, which is
// what makes the whole tree shape order-independent.
func (c Config) chunkItems(items []Entry) [][]Entry {
	if len(items) == 0 {
		return nil
	}

	var out [][]Entry
	runStart := 0
	for i, e := range items {
		if c.isBoundary(e) {
			out = append(out, c.splitOversized(items[runStart:i+1])...)
			runStart = i + 1
		}
	}
	if runStart < len(items) {
		out = append(out, c.splitOversized(items[runStart:])...)
	}
	return out
}

func (c Config) splitOversized(run []Entry) [][]Entry {
	size := 0
	for _, e := range run {
		size += estimatedSize(e)
	}
	if size <= c.MaxNodeSize || len(run) <= 1 {
		return [][]Entry{run}
	}
	mid := (len(run) + 1) / 2
	return append(c.splitOversized(run[:mid]), c.splitOversized(run[mid:])...)
}

// tailOpen reports whether an item sequence ends without a terminating
// boundary, meaning the following node must be merged into the rebuild.
func (c Config) tailOpen(items []Entry) bool {
	if len(items) == 0 {
		return true
	}
	return !c.isBoundary(items[len(items)-1])
}

// compareKeys orders keys bytewise
func compareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}
