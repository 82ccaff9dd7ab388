package search

import "testing"

func TestCanonicalURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "https://Example.COM/Path", "https://example.com/Path"},
		{"default port dropped", "https://example.com:443/a", "https://example.com/a"},
		{"http default port dropped", "http://example.com:80/a", "http://example.com/a"},
		{"custom port kept", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"fragment stripped", "https://example.com/a#section", "https://example.com/a"},
		{"tracking params stripped", "https://example.com/a?utm_source=x&fbclid=y&id=1", "https://example.com/a?id=1"},
		{"query sorted", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"path cleaned", "https://example.com/a/../b/./c", "https://example.com/b/c"},
		{"trailing slash kept", "https://example.com/a/", "https://example.com/a/"},
		{"schemeless gets https", "example.com/a", "https://example.com/a"},
		{"protocol relative", "//example.com/a", "https://example.com/a"},
		{"empty path becomes root", "https://example.com", "https://example.com/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CanonicalURL(tc.in)
			if err != nil {
				t.Fatalf("CanonicalURL(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("CanonicalURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCanonicalURLErrors(t *testing.T) {
	for _, in := range []string{"", "   ", "https://"} {
		if _, err := CanonicalURL(in); err == nil {
			t.Fatalf("CanonicalURL(%q): expected error", in)
		}
	}
}
