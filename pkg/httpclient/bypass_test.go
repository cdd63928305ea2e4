package httpclient

import "testing"

func TestMatchesBypass(t *testing.T) {
	patterns := []string{"*.corp.example", "build-?.local", "LOCALHOST"}

	cases := []struct {
		url  string
		want bool
	}{
		{"https://ci.corp.example/job/1", true},
		{"http://ci.corp.example:8443/", true},
		{"https://corp.example/", false},
		{"http://build-1.local/api", true},
		{"http://build-12.local/api", false},
		{"http://localhost:8080", true},
		{"dashboard.example.com/api/build", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := MatchesBypass(tc.url, patterns); got != tc.want {
			t.Errorf("MatchesBypass(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestMatchesBypassIgnoresBlankPatterns(t *testing.T) {
	if MatchesBypass("http://example.com", []string{"", "  "}) {
		t.Fatalf("blank patterns must not match")
	}
	if MatchesBypass("http://example.com", nil) {
		t.Fatalf("nil patterns must not match")
	}
}
