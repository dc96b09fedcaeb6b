package router

import "crypto/rand"

// randText generates the request identifier described in spec.md §4.2:
// "Random 128-bit value rendered as a URL-safe string; collision probability
// treated as zero... unguessable only incidentally — no security claim."
// Carried forward unchanged from the teacher SDK's own util.go helper.
func randText() string {
	return rand.Text()
}
