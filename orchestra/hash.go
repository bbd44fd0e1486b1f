package orchestra

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Hash map keys used in GraphState.Hashes.
const (
	HashQuery       = "query_hash"
	HashLastSummary = "last_summary_hash"

	// hashSideEffects is set to "1" for a turn that executed at least one
	// side-effecting node, which disables the anti-repetition short-circuit
	// for the following turn.
	hashSideEffects = "side_effects"
)

// NormalizeQuery canonicalizes a user message for anti-repetition hashing.
// The rule is pinned: Unicode lower-casing, runs of whitespace collapsed to
// a single space, leading and trailing whitespace removed, and trailing
// punctuation from the set .!?,;: stripped.
func NormalizeQuery(s string) string {
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	out := strings.TrimRight(b.String(), ".!?,;:")
	return strings.TrimRight(out, " ")
}

// QueryHash returns the anti-repetition hash of a user message:
// sha256 over the normalized form, rendered as "sha256:<hex>".
func QueryHash(userMessage string) string {
	sum := sha256.Sum256([]byte(NormalizeQuery(userMessage)))
	return "sha256:" + hex.EncodeToString(sum[:])
}
