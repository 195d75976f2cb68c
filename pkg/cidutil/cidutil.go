// Package cidutil implements the content addressing layer: BLAKE3-256 hashing
// and CIDv1 construction, parsing, and verification by IPLD codec.
package cidutil

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"
)

const (
	// HashSize is the size of a BLAKE3-256 digest in bytes
	HashSize = 32
)

// Codec identifies the IPLD codec a CID was created under.
type Codec uint64

// Supported IPLD codecs
const (
	Raw     Codec = cid.Raw
	DagCBOR Codec = cid.DagCBOR
	DagPB   Codec = cid.DagProtobuf
	DagJSON Codec = cid.DagJSON
)

// Name returns the human-readable codec name
func (c Codec) Name() string {
	switch c {
	case Raw:
		return "raw"
	case DagCBOR:
		return "dag-cbor"
	case DagPB:
		return "dag-pb"
	case DagJSON:
		return "dag-json"
	default:
		return "unknown"
	}
}

// CodecFromCode parses a multicodec code into a Codec
func CodecFromCode(code uint64) (Codec, bool) {
	switch Codec(code) {
	case Raw, DagCBOR, DagPB, DagJSON:
		return Codec(code), true
	default:
		return 0, false
	}
}

// InvalidCidError reports a malformed CID text form or an unsupported codec.
type InvalidCidError struct {
	Input string
	Cause error
}

func (e *InvalidCidError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid CID %q: %v", e.Input, e.Cause)
	}
	return fmt.Sprintf("invalid CID %q", e.Input)
}

func (e *InvalidCidError) Unwrap() error {
	return e.Cause
}

// Hash computes the BLAKE3-256 digest of data
func Hash(data []byte) [HashSize]byte {
	return blake3.Sum256(data)
}

// KeyedHash computes a keyed BLAKE3-256 digest of data. The key must be 32 bytes.
func KeyedHash(key []byte, data []byte) [HashSize]byte {
	h := blake3.New(HashSize, key)
	h.Write(data)
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NewCid creates a CIDv1 for data under the given codec. The digest is BLAKE3-256
// wrapped in a multihash tagged with the real BLAKE3 multicodec (0x1e).
func NewCid(data []byte, codec Codec) cid.Cid {
	digest := blake3.Sum256(data)
	return NewCidFromHash(digest, codec)
}

// NewCidFromHash creates a CIDv1 from a pre-computed BLAKE3-256 digest
func NewCidFromHash(digest [HashSize]byte, codec Codec) cid.Cid {
	encoded, err := mh.Encode(digest[:], mh.BLAKE3)
	if err != nil {
		// 32-byte digests are always encodable; a failure here means memory corruption
		panic(fmt.Sprintf("multihash encode failed: %v", err))
	}
	return cid.NewCidV1(uint64(codec), encoded)
}

// Parse parses the canonical base32 text form of a CIDv1
func Parse(s string) (cid.Cid, error) {
	if s == "" {
		return cid.Undef, &InvalidCidError{Input: s}
	}
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, &InvalidCidError{Input: s, Cause: err}
	}
	if _, ok := CodecFromCode(c.Prefix().Codec); !ok {
		return cid.Undef, &InvalidCidError{Input: s, Cause: fmt.Errorf("unsupported codec %#x", c.Prefix().Codec)}
	}
	return c, nil
}

// Verify recomputes the CID of data under the codec carried by c and compares.
// A false result is a hard corruption signal.
func Verify(data []byte, c cid.Cid) bool {
	codec, ok := CodecFromCode(c.Prefix().Codec)
	if !ok {
		return false
	}
	return NewCid(data, codec).Equals(c)
}

// CodecOf returns the codec a CID was created under
func CodecOf(c cid.Cid) (Codec, bool) {
	return CodecFromCode(c.Prefix().Codec)
}

// DigestOf extracts the raw BLAKE3-256 digest from a CID's multihash envelope
func DigestOf(c cid.Cid) ([]byte, error) {
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return nil, &InvalidCidError{Input: c.String(), Cause: err}
	}
	return decoded.Digest, nil
}
