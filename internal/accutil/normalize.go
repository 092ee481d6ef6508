// Package accutil canonicalizes Accumulate URLs and transaction hashes so
// that values from the ledger, the store, and configuration compare by byte
// equality.
package accutil

import (
	"regexp"
	"strings"
)

const urlPrefix = "acc://"

var (
	keyBookRe = regexp.MustCompile(`/books?$`)
	keyPageRe = regexp.MustCompile(`(/books?/\d+|/page/\d+)$`)
)

// NormalizeURL lowercases the URL, ensures the acc:// prefix, and strips any
// trailing slashes. It is idempotent.
func NormalizeURL(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(s, urlPrefix):
		// already prefixed
	case strings.HasPrefix(s, "acc:"):
		s = urlPrefix + strings.TrimLeft(strings.TrimPrefix(s, "acc:"), "/")
	default:
		s = urlPrefix + s
	}
	rest := strings.TrimRight(strings.TrimPrefix(s, urlPrefix), "/")
	return urlPrefix + rest
}

// NormalizeHash reduces any of the ledger's transaction-id spellings to bare
// lowercase hex: "0xHEX", "acc://HEX@principal/path", and plain hex all map
// to "hex". Empty input yields empty output.
func NormalizeHash(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, urlPrefix)
	if i := strings.IndexAny(s, "@/"); i >= 0 {
		s = s[:i]
	}
	return s
}

// ExtractADI returns the identity root of a ledger URL:
// acc://name/anything -> acc://name. An identity URL maps to itself.
func ExtractADI(raw string) string {
	u := NormalizeURL(raw)
	rest := strings.TrimPrefix(u, urlPrefix)
	if i := strings.Index(rest, "/"); i >= 0 {
		return urlPrefix + rest[:i]
	}
	return u
}

// IsKeyBookURL reports whether the URL looks like a key book. Advisory only;
// the account type from the ledger is authoritative.
func IsKeyBookURL(raw string) bool {
	return keyBookRe.MatchString(NormalizeURL(raw))
}

// IsKeyPageURL reports whether the URL looks like a key page (book/N or
// page/N). Advisory only.
func IsKeyPageURL(raw string) bool {
	return keyPageRe.MatchString(NormalizeURL(raw))
}
