package fingerprint

import (
	"net"
	"net/url"
	"sort"
	"strings"
)

// CanonicalizeURL standardizes a URL for identity comparison.
// It lowercases the scheme and host, removes default ports (80 for http, 443 for https),
// ensures an empty path becomes "/", sorts query parameters and removes the fragment.
// Does not modify the input *url.URL
func CanonicalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	// Work on a copy
	c := *u

	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)

	// Remove default ports
	host, port, err := net.SplitHostPort(c.Host)
	if err == nil {
		if (c.Scheme == "http" && port == "80") ||
			(c.Scheme == "https" && port == "443") {
			c.Host = host
		}
	}

	if c.Path == "" && c.Opaque == "" {
		c.Path = "/"
	}

	c.RawQuery = sortQuery(c.RawQuery)
	c.Fragment = ""
	c.RawFragment = ""

	return c.String()
}

// sortQuery orders query pairs by key then value, keeping blank values
func sortQuery(raw string) string {
	if raw == "" {
		return ""
	}
	pairs := strings.Split(raw, "&")
	kept := pairs[:0]
	for _, p := range pairs {
		if p != "" {
			kept = append(kept, p)
		}
	}
	sort.Strings(kept)
	return strings.Join(kept, "&")
}

// ParseAndCanonicalize parses urlStr and canonicalizes it.
// Returns the canonical string and any parse error
func ParseAndCanonicalize(urlStr string) (string, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}
	return CanonicalizeURL(parsed), nil
}
