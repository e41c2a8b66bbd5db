package syncengine

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// fingerprint returns canonical JSON of the payload and its blake2b-256 digest.
// encoding/json sorts map keys, so equal payloads hash equally.
func fingerprint(payload map[string]any) ([]byte, string, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode payload: %w", err)
	}

	sum := blake2b.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// derivedChangeID names the i-th child change of parentID. A name that would
// not fit maxLen replaces the parent id with a 128-bit digest of it, so the
// same parent always yields the same child ids.
func derivedChangeID(parentID, childKind string, i, maxLen int) string {
	id := fmt.Sprintf("%s:%s:%d", parentID, childKind, i)
	if len(id) <= maxLen {
		return id
	}

	sum := blake2b.Sum256([]byte(parentID))
	return fmt.Sprintf("%s:%s:%d", hex.EncodeToString(sum[:16]), childKind, i)
}
