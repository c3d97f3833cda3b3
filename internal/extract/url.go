package extract

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	absoluteURLPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)
	assetPathPattern   = regexp.MustCompile(`(?:^|[\s"'(/])(users/[^\s"'<>]+)`)
)

// URL returns the first absolute http(s) URL in s, or "".
func URL(s string) string {
	m := absoluteURLPattern.FindString(s)
	return strings.TrimRight(m, ".,;)")
}

// AssetURL returns the first asset reference in s: an absolute URL whose
// path contains a users/ segment, or a bare relative users/... path.
func AssetURL(s string) string {
	for _, m := range absoluteURLPattern.FindAllString(s, -1) {
		m = strings.TrimRight(m, ".,;)")
		if strings.Contains(m, "/users/") {
			return m
		}
	}
	if m := assetPathPattern.FindStringSubmatch(s); m != nil {
		return strings.TrimRight(m[1], ".,;)")
	}
	return ""
}

// AccountFromAssetURL returns the UUID following the users/ path segment.
func AccountFromAssetURL(raw string) string {
	idx := strings.Index(raw, "users/")
	if idx < 0 {
		return ""
	}
	rest := raw[idx+len("users/"):]
	seg, _, _ := strings.Cut(rest, "/")
	if IsUUID(seg) {
		return strings.ToLower(seg)
	}
	return ""
}

// ImageFromAssetURL returns the last UUID in the asset path that is not the
// owning account id.
func ImageFromAssetURL(raw string) string {
	account := AccountFromAssetURL(raw)
	path := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		path = u.Path
	}
	ids := UUIDs(path)
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] != account {
			return ids[i]
		}
	}
	return ""
}

// NormalizeAssetURL rewrites relative users/... references to absolute
// https://<assetHost>/users/... form. Absolute URLs are returned unchanged.
func NormalizeAssetURL(raw, assetHost string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return raw
	}
	if strings.HasPrefix(raw, "//") {
		return "https:" + raw
	}
	trimmed := strings.TrimPrefix(raw, "/")
	if strings.HasPrefix(trimmed, "users/") && assetHost != "" {
		return "https://" + strings.TrimSuffix(assetHost, "/") + "/" + trimmed
	}
	return raw
}
