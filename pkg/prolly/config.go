// Package prolly implements a content-defined, Merkleised ordered map over an
// immutable block store. Node boundaries are chosen by a hash predicate on the
// entries themselves, so the root CID is a pure function of the key/value set
// and the configuration: two writers that apply the same entries in any order
// converge on the same root. Mutations never delete old blocks; previous roots
// remain valid snapshots, which is what makes diff and three-way merge cheap.
package prolly

import "fmt"

// Default tree parameters
const (
	DefaultBranchingFactor = 32
	DefaultBoundaryBits    = 5
	DefaultMaxNodeSize     = 4096
)

// Config holds the tree shape parameters. Trees with different configs are
// different trees: the config participates in root determinism.
type Config struct {
	// BranchingFactor is the expected fan-out (2^BoundaryBits)
	BranchingFactor int
	// BoundaryBits is the number of low hash bits that must be zero for an
	// entry to terminate a node
	BoundaryBits uint8
	// MaxNodeSize caps the serialized size of any node in bytes
	MaxNodeSize int
}

// DefaultConfig returns the standard tree parameters
func DefaultConfig() Config {
	return Config{
		BranchingFactor: DefaultBranchingFactor,
		BoundaryBits:    DefaultBoundaryBits,
		MaxNodeSize:     DefaultMaxNodeSize,
	}
}

// Validate rejects impossible parameters
func (c Config) Validate() error {
	if c.BoundaryBits == 0 || c.BoundaryBits > 16 {
		return &TreeError{Code: CodeConfiguration, Message: fmt.Sprintf("boundary bits must be in [1, 16], got %d", c.BoundaryBits)}
	}
	if c.MaxNodeSize < 512 {
		return &TreeError{Code: CodeConfiguration, Message: fmt.Sprintf("max node size must be at least 512, got %d", c.MaxNodeSize)}
	}
	if c.BranchingFactor < 2 {
		return &TreeError{Code: CodeConfiguration, Message: fmt.Sprintf("branching factor must be at least 2, got %d", c.BranchingFactor)}
	}
	return nil
}

func (c Config) boundaryMask() uint32 {
	return (1 << c.BoundaryBits) - 1
}
