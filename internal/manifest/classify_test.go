package manifest

import "testing"

func TestIsCandidate(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		rawURL      string
		want        bool
	}{
		{"apple content type", "application/vnd.apple.mpegurl", "https://cdn.example.com/file", true},
		{"x-mpegurl content type", "application/x-mpegURL", "https://cdn.example.com/file", true},
		{"content type with charset", "application/vnd.apple.mpegurl; charset=utf-8", "https://cdn.example.com/file", true},
		{"m3u8 suffix", "application/octet-stream", "https://cdn.example.com/show/playlist.m3u8", true},
		{"m3u8 with query", "", "https://cdn.example.com/playlist.m3u8?token=abc", true},
		{"plain segment", "video/mp2t", "https://cdn.example.com/seg1.ts", false},
		{"no hints at all", "", "https://cdn.example.com/resource", false},
		{"html page", "text/html", "https://cdn.example.com/index.html", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsCandidate(tc.contentType, tc.rawURL); got != tc.want {
				t.Errorf("IsCandidate(%q, %q) = %v, want %v", tc.contentType, tc.rawURL, got, tc.want)
			}
		})
	}
}

func TestHasSignature(t *testing.T) {
	cases := []struct {
		name string
		body string
		want bool
	}{
		{"extm3u header", "#EXTM3U\n#EXT-X-VERSION:3\nseg.ts", true},
		{"ext-x prefix", "#EXT-X-VERSION:3\nseg.ts", true},
		{"leading whitespace", "\n\t  #EXTM3U\nseg.ts", true},
		{"binary-ish", "\x00\x01\x02segment data", false},
		{"html disguised as m3u8", "<!DOCTYPE html><html></html>", false},
		{"comment but not hls", "# just a comment", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HasSignature(tc.body); got != tc.want {
				t.Errorf("HasSignature(%q) = %v, want %v", tc.body, got, tc.want)
			}
		})
	}
}
