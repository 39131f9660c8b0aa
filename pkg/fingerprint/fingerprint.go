package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Of computes the content-identity hash for a fetched source. URL and content
// are normalized together so the same manual served from a mirror with a
// trailing slash or query noise still collapses to one fingerprint.
func Of(url, content string) string {
	h := sha256.New()
	h.Write([]byte(normalizeURL(url)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeURL(url string) string {
	url = strings.TrimSpace(strings.ToLower(url))
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	return strings.TrimSuffix(url, "/")
}
