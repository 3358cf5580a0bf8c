package preview

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFirstURL(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"no url", "just some words", ""},
		{"bare url", "https://example.com/x", "https://example.com/x"},
		{"url in sentence", "look at https://example.com/docs now", "https://example.com/docs"},
		{"trailing period stripped", "see https://example.com/page.", "https://example.com/page"},
		{"trailing question mark stripped", "did you read https://example.com/faq?", "https://example.com/faq"},
		{"first of several", "https://one.example.com/a and https://two.example.com/b", "https://one.example.com/a"},
		{"http scheme", "http://plain.example.org/x", "http://plain.example.org/x"},
		{"scheme-less ignored", "visit example.com today", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, FirstURL(tc.text))
		})
	}
}

func TestDomainAllowed(t *testing.T) {
	cases := []struct {
		name    string
		url     string
		allowed []string
		want    bool
	}{
		{"exact match", "https://example.com/x", []string{"example.com"}, true},
		{"subdomain match", "https://docs.example.com/x", []string{"example.com"}, true},
		{"different domain", "https://evil.com/x", []string{"example.com"}, false},
		{"suffix is not subdomain", "https://notexample.com/x", []string{"example.com"}, false},
		{"wildcard", "https://anything.example.net/x", []string{"*"}, true},
		{"empty allow-list", "https://example.com/x", nil, false},
		{"case-insensitive host", "https://EXAMPLE.com/x", []string{"example.com"}, true},
		{"empty url", "", []string{"example.com"}, false},
		{"unparseable url", "https://exa mple.com", []string{"example.com"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, DomainAllowed(tc.url, tc.allowed))
		})
	}
}
