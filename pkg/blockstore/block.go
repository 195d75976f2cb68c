package blockstore

import (
	"github.com/ipfs/go-cid"

	"github.com/functionland/fula-store/pkg/cidutil"
)

// Block is a unit of immutable content-addressed data
type Block struct {
	CID  cid.Cid
	Data []byte
}

// NewBlock creates a block from raw bytes, computing its raw-codec CID
func NewBlock(data []byte) Block {
	return Block{
		CID:  cidutil.NewCid(data, cidutil.Raw),
		Data: data,
	}
}

// Size returns the block's size in bytes
func (b Block) Size() int {
	return len(b.Data)
}

// Verify recomputes the block's CID and compares it against the stored one
func (b Block) Verify() bool {
	return cidutil.Verify(b.Data, b.CID)
}

// DagNode enumerates the ordered part CIDs of a chunked object. It is stored
// as a dag-cbor block and referenced by the object metadata's content CID.
type DagNode struct {
	Version   uint32   `cbor:"version"`
	TotalSize uint64   `cbor:"total_size"`
	Parts     []string `cbor:"parts"`
}

// DagNodeVersion is the current DagNode format version
const DagNodeVersion = 1

// NewDagNode builds a DagNode from ordered part CIDs
func NewDagNode(parts []cid.Cid, totalSize uint64) DagNode {
	encoded := make([]string, len(parts))
	for i, c := range parts {
		encoded[i] = c.String()
	}
	return DagNode{Version: DagNodeVersion, TotalSize: totalSize, Parts: encoded}
}

// PartCids parses the node's part list back into CIDs
func (n DagNode) PartCids() ([]cid.Cid, error) {
	out := make([]cid.Cid, len(n.Parts))
	for i, s := range n.Parts {
		c, err := cidutil.Parse(s)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}
