// Package dagcbor provides the deterministic CBOR encoding used for every IPLD
// node the engine persists. Two encoders that disagree on byte layout would
// produce different CIDs for the same logical value, so all map keys are sorted
// and all integers use their shortest form.
package dagcbor

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EncMode is the deterministic CBOR encoding mode shared by the whole engine
var EncMode cbor.EncMode

// DecMode rejects duplicate map keys, which canonical data can never contain
var DecMode cbor.DecMode

func init() {
	var err error
	EncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create canonical CBOR mode: %v", err))
	}

	DecMode, err = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decode mode: %v", err))
	}
}

// Marshal encodes v into deterministic CBOR
func Marshal(v interface{}) ([]byte, error) {
	return EncMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v
func Unmarshal(data []byte, v interface{}) error {
	return DecMode.Unmarshal(data, v)
}

// CanonicalBytes re-encodes arbitrary CBOR bytes into canonical form
func CanonicalBytes(data []byte) ([]byte, error) {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid CBOR: %w", err)
	}
	return Marshal(v)
}

// IsCanonical reports whether data is already in canonical form
func IsCanonical(data []byte) bool {
	canonical, err := CanonicalBytes(data)
	if err != nil {
		return false
	}
	return bytes.Equal(data, canonical)
}
