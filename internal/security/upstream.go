package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

var (
	ErrInvalidScheme = errors.New("only HTTPS upstream URLs are allowed")
	ErrMissingHost   = errors.New("upstream URL has no host")
	ErrPrivateIP     = errors.New("upstream URL points at a private address")
)

// ValidateUpstreamURL checks the URL the proxy forwards to. With
// allowInsecure, plain http and loopback or private hosts are accepted,
// which is what local test upstreams need.
func ValidateUpstreamURL(rawURL string, allowInsecure bool) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if parsed.Host == "" {
		return nil, ErrMissingHost
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !allowInsecure {
			return nil, ErrInvalidScheme
		}
	default:
		return nil, ErrInvalidScheme
	}

	if allowInsecure {
		return parsed, nil
	}
	if ip := net.ParseIP(parsed.Hostname()); ip != nil && isPrivateIP(ip) {
		return nil, ErrPrivateIP
	}
	if strings.EqualFold(parsed.Hostname(), "localhost") {
		return nil, ErrPrivateIP
	}
	return parsed, nil
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 0:
			return true
		case ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127: // CGNAT
			return true
		case ip4[0] >= 224:
			return true
		}
	}
	return false
}

var sensitiveHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-Csrf-Token"}

// RedactHeaders returns a copy of h safe for logging.
func RedactHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	for _, name := range sensitiveHeaders {
		values := out.Values(name)
		if len(values) == 0 {
			continue
		}
		redacted := make([]string, len(values))
		for i := range values {
			redacted[i] = "[REDACTED]"
		}
		out[http.CanonicalHeaderKey(name)] = redacted
	}
	return out
}
