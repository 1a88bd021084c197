package manifest

import (
	"net/url"
	"regexp"
	"strings"
)

// ProxyPath is the route every rewritten URI points back at. Its presence in
// a URI is also the idempotence guard: already-proxied references are left
// untouched so repeated rewrites never nest.
const ProxyPath = "/api/proxy"

var uriAttrPattern = regexp.MustCompile(`URI="([^"]+)"`)

// tags whose URI="..." attribute references an external resource
// (encryption key, init segment, alternate track).
var uriTags = []string{"#EXT-X-KEY:", "#EXT-X-MAP:", "#EXT-X-MEDIA:"}

// ProxyURL builds the same-origin proxy link for an absolute upstream URL.
func ProxyURL(origin, absolute string) string {
	return origin + ProxyPath + "?url=" + url.QueryEscape(absolute)
}

// Rewrite transforms an M3U8 playlist so that every segment, key, map and
// alternate-track URI routes through origin's proxy endpoint. Relative
// references are resolved against baseURL. The function is pure and
// idempotent, preserves line order and count, and fails open: lines whose
// URI cannot be parsed come through unchanged.
func Rewrite(text, baseURL, origin string) string {
	base, baseErr := url.Parse(baseURL)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if hasURITag(trimmed) {
			lines[i] = rewriteTagURI(line, base, baseErr, origin)
			continue
		}

		// #EXT-X-STREAM-INF carries no URI itself; the variant URL follows
		// on its own line and is handled by the generic rule below.
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if strings.Contains(trimmed, ProxyPath) {
			continue
		}

		absolute, err := resolve(base, baseErr, trimmed)
		if err != nil {
			continue
		}
		lines[i] = ProxyURL(origin, absolute)
	}
	return strings.Join(lines, "\n")
}

// References returns the resolved absolute URLs a playlist points at, in
// line order. Already-proxied references are skipped.
func References(text, baseURL string) []string {
	base, baseErr := url.Parse(baseURL)

	var refs []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if hasURITag(trimmed) {
			match := uriAttrPattern.FindStringSubmatch(trimmed)
			if match == nil || strings.Contains(match[1], ProxyPath) {
				continue
			}
			if absolute, err := resolve(base, baseErr, match[1]); err == nil {
				refs = append(refs, absolute)
			}
			continue
		}

		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.Contains(trimmed, ProxyPath) {
			continue
		}
		if absolute, err := resolve(base, baseErr, trimmed); err == nil {
			refs = append(refs, absolute)
		}
	}
	return refs
}

func hasURITag(trimmed string) bool {
	for _, tag := range uriTags {
		if strings.HasPrefix(trimmed, tag) {
			return true
		}
	}
	return false
}

// rewriteTagURI replaces only the URI="..." attribute of a directive line,
// leaving every other attribute intact. Directives without a URI attribute
// are common and pass through unchanged.
func rewriteTagURI(line string, base *url.URL, baseErr error, origin string) string {
	match := uriAttrPattern.FindStringSubmatch(line)
	if match == nil {
		return line
	}
	uri := match[1]
	if strings.Contains(uri, ProxyPath) {
		return line
	}
	absolute, err := resolve(base, baseErr, uri)
	if err != nil {
		return line
	}
	return uriAttrPattern.ReplaceAllLiteralString(line, `URI="`+ProxyURL(origin, absolute)+`"`)
}

func resolve(base *url.URL, baseErr error, ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if parsed.IsAbs() {
		return parsed.String(), nil
	}
	if baseErr != nil {
		return "", baseErr
	}
	return base.ResolveReference(parsed).String(), nil
}
