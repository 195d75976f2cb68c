// Package chunker splits byte streams into fixed-size content-addressed blocks
// and reassembles them. Encryption happens before chunking, so every block is
// individually addressable after encryption; the chunker itself is oblivious
// to it.
package chunker

import (
	"fmt"
	"io"

	"lukechampine.com/blake3"

	"github.com/functionland/fula-store/pkg/blockstore"
	"github.com/functionland/fula-store/pkg/cidutil"
)

const (
	// DefaultChunkSize is 256 KiB
	DefaultChunkSize = 256 * 1024

	// MaxChunkSize is 1 MiB, matching the block store's maximum block size
	MaxChunkSize = blockstore.MaxBlockSize
)

// ConfigError reports an impossible chunker configuration
type ConfigError struct {
	ChunkSize int
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("chunker: chunk size must be in [1, %d], got %d", MaxChunkSize, e.ChunkSize)
}

// Config holds chunker configuration
type Config struct {
	// ChunkSize is the size of every block except possibly the last
	ChunkSize int
}

// DefaultConfig returns the default chunker configuration
func DefaultConfig() Config {
	return Config{ChunkSize: DefaultChunkSize}
}

// Validate checks the configuration against the allowed range
func (c Config) Validate() error {
	if c.ChunkSize < 1 || c.ChunkSize > MaxChunkSize {
		return &ConfigError{ChunkSize: c.ChunkSize}
	}
	return nil
}

// Result holds the outcome of chunking one stream
type Result struct {
	// Blocks are the produced blocks in stream order
	Blocks []blockstore.Block
	// TotalSize is the size of the original data
	TotalSize uint64
	// FileHash is the BLAKE3-256 of the complete input stream
	FileHash [cidutil.HashSize]byte
	// ChunkCount is the number of blocks produced
	ChunkCount int
}

// Cids returns the block CIDs in order
func (r Result) Cids() []string {
	out := make([]string, len(r.Blocks))
	for i, b := range r.Blocks {
		out[i] = b.CID.String()
	}
	return out
}

// ProgressFunc receives (processed, total) byte counts during chunking. When no
// total hint is available, total tracks processed.
type ProgressFunc func(processed, total uint64)

// Chunker splits data into fixed-size blocks
type Chunker struct {
	cfg Config
}

// New creates a chunker with the default configuration
func New() *Chunker {
	return &Chunker{cfg: DefaultConfig()}
}

// WithConfig creates a chunker with a custom configuration
func WithConfig(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

// ChunkSize returns the configured chunk size
func (c *Chunker) ChunkSize() int {
	return c.cfg.ChunkSize
}

// ChunkBytes splits a byte slice into blocks
func (c *Chunker) ChunkBytes(data []byte) Result {
	hasher := blake3.New(cidutil.HashSize, nil)
	blocks := make([]blockstore.Block, 0, (len(data)+c.cfg.ChunkSize-1)/c.cfg.ChunkSize)

	for start := 0; start < len(data); start += c.cfg.ChunkSize {
		end := start + c.cfg.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, end-start)
		copy(chunk, data[start:end])
		hasher.Write(chunk)
		blocks = append(blocks, blockstore.NewBlock(chunk))
	}

	var fileHash [cidutil.HashSize]byte
	copy(fileHash[:], hasher.Sum(nil))

	return Result{
		Blocks:     blocks,
		TotalSize:  uint64(len(data)),
		FileHash:   fileHash,
		ChunkCount: len(blocks),
	}
}

// ChunkReader splits data from a reader into blocks
func (c *Chunker) ChunkReader(r io.Reader) (Result, error) {
	return c.chunkStream(r, 0, nil)
}

// ChunkWithProgress splits data from a reader, reporting progress after each
// block. totalHint is forwarded to the callback when nonzero.
func (c *Chunker) ChunkWithProgress(r io.Reader, totalHint uint64, progress ProgressFunc) (Result, error) {
	return c.chunkStream(r, totalHint, progress)
}

func (c *Chunker) chunkStream(r io.Reader, totalHint uint64, progress ProgressFunc) (Result, error) {
	hasher := blake3.New(cidutil.HashSize, nil)
	var blocks []blockstore.Block
	var processed uint64
	buf := make([]byte, c.cfg.ChunkSize)

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			hasher.Write(chunk)
			blocks = append(blocks, blockstore.NewBlock(chunk))
			processed += uint64(n)

			if progress != nil {
				total := totalHint
				if total == 0 {
					total = processed
				}
				progress(processed, total)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("chunker: read at offset %d: %w", processed, err)
		}
	}

	var fileHash [cidutil.HashSize]byte
	copy(fileHash[:], hasher.Sum(nil))

	return Result{
		Blocks:     blocks,
		TotalSize:  processed,
		FileHash:   fileHash,
		ChunkCount: len(blocks),
	}, nil
}

// Reassemble concatenates blocks back into the original byte stream, verifying
// each block against its CID.
func Reassemble(blocks []blockstore.Block) ([]byte, error) {
	var total int
	for _, b := range blocks {
		total += b.Size()
	}

	out := make([]byte, 0, total)
	for i, b := range blocks {
		if !b.Verify() {
			return nil, fmt.Errorf("chunker: block %d failed integrity check (cid: %s)", i, b.CID)
		}
		out = append(out, b.Data...)
	}
	return out, nil
}

// ChunkCount computes how many blocks a payload of the given size produces
func ChunkCount(size uint64, chunkSize int) int {
	if size == 0 {
		return 0
	}
	return int((size + uint64(chunkSize) - 1) / uint64(chunkSize))
}

// LastChunkSize computes the size of the final block
func LastChunkSize(totalSize uint64, chunkSize int) int {
	if totalSize == 0 {
		return 0
	}
	rem := int(totalSize % uint64(chunkSize))
	if rem == 0 {
		return chunkSize
	}
	return rem
}
