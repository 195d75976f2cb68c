package crypto

// RotationResult reports the outcome of a re-wrap pass
type RotationResult struct {
	// NewVersion is the key version after rotation
	NewVersion uint32
	// Rewrapped lists the identifiers whose DEKs were re-wrapped
	Rewrapped []string
	// Failed maps identifiers to the error that prevented re-wrapping
	Failed map[string]error
}

// RotateAndRewrap rotates the manager's root KEK and re-wraps every tracked
// wrapped DEK under the new public key. Content blocks are untouched: only the
// wrapped key blobs change, so object CIDs and the index root stay stable.
// The returned map holds the replacement wraps; entries that failed keep their
// old wrap and appear in Result.Failed.
func RotateAndRewrap(km *KeyManager, wrapped map[string]*KeyInfo) (map[string]*KeyInfo, *RotationResult, error) {
	old, err := km.Rotate()
	if err != nil {
		return nil, nil, err
	}
	defer old.Secret().Zero()

	newPub := km.PublicKey()
	newVersion := km.Version()

	out := make(map[string]*KeyInfo, len(wrapped))
	result := &RotationResult{NewVersion: newVersion, Failed: make(map[string]error)}

	for id, info := range wrapped {
		dek, err := UnwrapDEKInfo(old.Secret(), info)
		if err != nil {
			out[id] = info
			result.Failed[id] = err
			continue
		}

		rewrapped, err := WrapDEKInfo(newPub, dek, newVersion)
		dek.Zero()
		if err != nil {
			out[id] = info
			result.Failed[id] = err
			continue
		}

		out[id] = rewrapped
		result.Rewrapped = append(result.Rewrapped, id)
	}

	return out, result, nil
}
