// Package docid derives the canonical document key for a logical user
// from whichever identifier a caller has: a key that is already
// canonical, a legacy directory-prefixed id, or a bare email/username.
// All writers must agree on one physical location per user, so every
// identifier funnels through Normalize before touching a store.
package docid

import (
	"errors"
	"strings"
)

const (
	// Prefix partitions user documents in the document stores.
	Prefix = "user:"

	// LegacyPrefix is the historical directory-record prefix still
	// found on replicated documents from older deployments.
	LegacyPrefix = "org.couchdb.user:"
)

var ErrEmptyIdentifier = errors.New("empty identifier")

// Normalize returns the canonical key for the given identifier.
// It is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(input string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return "", ErrEmptyIdentifier
	}

	s = strings.TrimPrefix(s, LegacyPrefix)
	s = strings.TrimPrefix(s, Prefix)

	local := sanitize(s)
	if local == "" {
		return "", ErrEmptyIdentifier
	}
	return Prefix + local, nil
}

// LegacyAlias returns the historical alias for a canonical key, used
// when subscribing to change feeds that may still carry old ids.
func LegacyAlias(key string) string {
	return LegacyPrefix + strings.TrimPrefix(key, Prefix)
}

// LocalPart returns the key without its partition prefix.
func LocalPart(key string) string {
	return strings.TrimPrefix(key, Prefix)
}

// sanitize maps every character outside [a-z0-9._-] to '-'.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
