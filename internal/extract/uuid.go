// Package extract holds the small pure functions used to pull identifiers,
// URLs and progress values out of loosely shaped request and stream payloads.
package extract

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var uuidPattern = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// IsUUID reports whether s, ignoring surrounding space, is a canonical
// hyphenated UUID.
func IsUUID(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// UUID returns the first well-formed UUID embedded in s, lowercased, or "".
func UUID(s string) string {
	for _, m := range uuidPattern.FindAllString(s, -1) {
		if IsUUID(m) {
			return strings.ToLower(m)
		}
	}
	return ""
}

// UUIDs returns every well-formed UUID embedded in s, lowercased, in order
// of appearance and without duplicates.
func UUIDs(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range uuidPattern.FindAllString(s, -1) {
		if !IsUUID(m) {
			continue
		}
		m = strings.ToLower(m)
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// LastUUID returns the last well-formed UUID embedded in s, or "".
func LastUUID(s string) string {
	all := UUIDs(s)
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}
