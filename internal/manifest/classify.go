package manifest

import "strings"

// HLS content types seen in the wild. Upstream servers frequently mislabel
// playlists (application/octet-stream, text/html, or no header at all), so
// the header check only nominates a candidate; HasSignature decides.
const (
	ContentTypeApple = "application/vnd.apple.mpegurl"
	contentTypeX     = "application/x-mpegurl"
)

// IsCandidate reports whether a response might be an HLS playlist, judged by
// the Content-Type header and the request URL. Candidates must be buffered
// and sniffed with HasSignature before any rewriting is attempted.
func IsCandidate(contentType, rawURL string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, ContentTypeApple) || strings.Contains(ct, contentTypeX) {
		return true
	}
	return strings.Contains(rawURL, ".m3u8")
}

// HasSignature reports whether body is actual M3U8 text. This is the
// authoritative check: a .m3u8 URL serving anything else must be passed
// through unmodified rather than corrupted by rewriting.
func HasSignature(body string) bool {
	trimmed := strings.TrimSpace(body)
	return strings.HasPrefix(trimmed, "#EXTM3U") || strings.HasPrefix(trimmed, "#EXT-X-")
}
