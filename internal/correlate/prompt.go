package correlate

import (
	"regexp"
	"strings"
)

var (
	modeTagPattern  = regexp.MustCompile(`(?i)--mode=([a-z0-9_-]+)`)
	urlTokenPattern = regexp.MustCompile(`(?:https?://|\busers/)[^\s"'<>]+`)
	spacePattern    = regexp.MustCompile(`\s+`)
)

// Mode values seen in the new-generation message tag.
const (
	ModeNormal = "normal"
	ModeCustom = "custom"
	ModeSpicy  = "extremely-spicy-or-crazy"
	ModeFun    = "extremely-crazy"
)

// ParseMessage splits a new-generation message into the user prompt and
// its mode tag. Mode tags and embedded asset URLs are removed from the
// prompt.
func ParseMessage(message string) (prompt, mode string) {
	if m := modeTagPattern.FindAllStringSubmatch(message, -1); len(m) > 0 {
		mode = strings.ToLower(m[len(m)-1][1])
	}
	prompt = modeTagPattern.ReplaceAllString(message, " ")
	prompt = urlTokenPattern.ReplaceAllString(prompt, " ")
	prompt = spacePattern.ReplaceAllString(prompt, " ")
	return strings.TrimSpace(prompt), mode
}

// BuildMessage is the inverse of ParseMessage.
func BuildMessage(assetURL, prompt, mode string) string {
	var parts []string
	if assetURL != "" {
		parts = append(parts, assetURL)
	}
	if p := strings.TrimSpace(prompt); p != "" {
		parts = append(parts, p)
	}
	if mode != "" {
		parts = append(parts, "--mode="+mode)
	}
	return strings.Join(parts, " ")
}

// IsSpicy reports whether mode is the elevated mode that falls back to
// normal once retries are exhausted.
func IsSpicy(mode string) bool {
	return strings.EqualFold(mode, ModeSpicy) || strings.EqualFold(mode, "spicy")
}
