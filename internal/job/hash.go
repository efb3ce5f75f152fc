package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// HashParams derives the content-addressed job id: the sha256 hex digest of
// the canonical JSON serialization of params.
//
// encoding/json emits map keys in sorted order with no insignificant
// whitespace, which is exactly the canonical form required — {"a":1,"b":2}
// and {"b":2,"a":1} hash identically, recursively through nested objects.
// The canonical bytes are used only for identity derivation and never leave
// the process.
func HashParams(params map[string]any) string {
	// Params originate from JSON decoding, so marshalling cannot fail;
	// the empty-object fallback keeps the id deterministic if it ever does.
	data, err := json.Marshal(params)
	if err != nil {
		data = []byte("{}")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
