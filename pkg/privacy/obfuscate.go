package privacy

import (
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/functionland/fula-store/pkg/cidutil"
	"github.com/functionland/fula-store/pkg/crypto"
)

// ObfuscationMode selects how plaintext paths map to server-visible storage
// keys. The mode is a bucket-level choice, fixed for the bucket's lifetime.
type ObfuscationMode string

// Supported obfuscation modes
const (
	// DeterministicHash maps the whole path to prefix/hex(keyed hash)
	DeterministicHash ObfuscationMode = "deterministic-hash"
	// RandomUuid maps the path to a UUID-shaped token
	RandomUuid ObfuscationMode = "random-uuid"
	// PreserveStructure keeps parent directories and hashes only the leaf
	PreserveStructure ObfuscationMode = "preserve-structure"
	// FlatNamespace maps the path to a single-level CID-shaped token with no
	// path hints at all
	FlatNamespace ObfuscationMode = "flat-namespace"
)

// hashPrefix is the fixed one-character prefix for DeterministicHash keys
const hashPrefix = "f"

// Valid reports whether the mode is one of the supported modes
func (m ObfuscationMode) Valid() bool {
	switch m {
	case DeterministicHash, RandomUuid, PreserveStructure, FlatNamespace:
		return true
	}
	return false
}

// obfuscationDomain separates obfuscation hashes from every other keyed use
// of the DEK
const obfuscationDomain = "fula-key-obfuscation-v1"

func keyedPathHash(p string, dek *crypto.DEK) [cidutil.HashSize]byte {
	input := append([]byte(obfuscationDomain+"\x00"), []byte(p)...)
	return cidutil.KeyedHash(dek.Bytes(), input)
}

// ObfuscateKey derives the opaque S3-visible storage key for a plaintext
// path. The result is a pure function of (path, dek, mode).
func ObfuscateKey(p string, dek *crypto.DEK, mode ObfuscationMode) (string, error) {
	if p == "" {
		return "", &crypto.Error{Code: crypto.CodeInvalidFormat, Message: "path is required"}
	}

	switch mode {
	case DeterministicHash:
		h := keyedPathHash(p, dek)
		return hashPrefix + "/" + hex.EncodeToString(h[:]), nil

	case RandomUuid:
		h := keyedPathHash(p, dek)
		id, err := uuid.FromBytes(h[:16])
		if err != nil {
			return "", &crypto.Error{Code: crypto.CodeInvalidFormat, Cause: err}
		}
		return id.String(), nil

	case PreserveStructure:
		h := keyedPathHash(p, dek)
		dir := path.Dir(strings.TrimSuffix(p, "/"))
		leaf := hex.EncodeToString(h[:])
		if dir == "." || dir == "/" {
			return leaf, nil
		}
		return strings.TrimPrefix(dir, "/") + "/" + leaf, nil

	case FlatNamespace:
		// A CID-shaped token: base32 text of a raw-codec CID built from the
		// keyed hash. Single level, no separators, no substring of the path.
		h := keyedPathHash(p, dek)
		return cidutil.NewCidFromHash(h, cidutil.Raw).String(), nil

	default:
		return "", &crypto.Error{Code: crypto.CodeInvalidFormat, Message: fmt.Sprintf("unknown obfuscation mode %q", mode)}
	}
}
