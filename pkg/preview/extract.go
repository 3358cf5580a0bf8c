package preview

import (
	"net/url"
	"regexp"
	"strings"
)

// urlPattern matches a URL-shaped token: http(s) scheme, no whitespace or
// quoting characters, and no trailing sentence punctuation.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"'` + "`" + `]+[^\s<>"'` + "`" + `.,;:?!]*[^\s<>"'` + "`" + `.,;:?!]`)

// FirstURL returns the first URL-shaped substring in text, or "".
func FirstURL(text string) string {
	return urlPattern.FindString(text)
}

// DomainAllowed reports whether rawURL's hostname equals, or is a subdomain
// of, one of the allow-list entries. A "*" entry permits any hostname. An
// empty allow-list permits nothing, and an unparseable URL is never
// eligible.
func DomainAllowed(rawURL string, allowed []string) bool {
	if rawURL == "" || len(allowed) == 0 {
		return false
	}
	for _, d := range allowed {
		if strings.TrimSpace(d) == "*" {
			return true
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
