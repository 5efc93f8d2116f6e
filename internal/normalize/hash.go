package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// SHA256Hex returns the lowercase hex SHA-256 of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SHA256HexBytes returns the lowercase hex SHA-256 of b.
func SHA256HexBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON serializes a flat field map deterministically: keys sorted,
// compact separators. Used for content hashes, so the byte output must never
// vary for equal input.
func CanonicalJSON(fields map[string]string) []byte {
	// encoding/json sorts map keys and emits compact output.
	b, err := json.Marshal(fields)
	if err != nil {
		// A map[string]string cannot fail to marshal.
		panic(err)
	}
	return b
}

// ResolutionHash derives the deterministic fingerprint recorded on canonical
// entity links: entity type, canonical id, the match keys that produced the
// link, and the sorted member ids.
func ResolutionHash(entityType, canonicalID string, matchKeys []string, memberIDs []string) string {
	keys := append([]string(nil), matchKeys...)
	sort.Strings(keys)
	members := append([]string(nil), memberIDs...)
	sort.Strings(members)

	payload := entityType + "|" + canonicalID + "|" + strings.Join(keys, ",") + "|" + strings.Join(members, ",")
	return SHA256Hex(payload)
}
