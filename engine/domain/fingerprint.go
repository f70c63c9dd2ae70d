package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// FingerprintBucket is the time-bucket width folded into event fingerprints.
// Two events with the same ticker and term set hash identically inside one
// bucket and differently across buckets, so a still-developing story can
// re-alert after the bucket rolls over even within the dedup window.
const FingerprintBucket = 6 * time.Hour

// Fingerprint computes the stable dedup identity of an event: a hash over
// the ticker, the normalized sorted set of matched risk terms, and the time
// bucket of detection.
func Fingerprint(ticker string, terms []string, detectedAt time.Time) string {
	norm := make([]string, 0, len(terms))
	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		norm = append(norm, t)
	}
	sort.Strings(norm)

	h := sha256.New()
	h.Write([]byte(strings.ToUpper(ticker)))
	h.Write([]byte{0})
	for _, t := range norm {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	bucket := detectedAt.UTC().Truncate(FingerprintBucket)
	h.Write([]byte(bucket.Format(time.RFC3339)))
	return hex.EncodeToString(h.Sum(nil))
}
