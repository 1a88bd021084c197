package apihttp

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"streamproxy/internal/manifest"
	"streamproxy/internal/metrics"
	"streamproxy/internal/upstream"
)

// Response headers stripped on passthrough: the body is re-transmitted
// decompressed and unframed, so these no longer describe it.
var strippedHeaders = map[string]struct{}{
	"content-encoding":  {},
	"content-length":    {},
	"transfer-encoding": {},
}

const noStoreDirective = "no-store, no-cache, must-revalidate, proxy-revalidate"

// handleProxy fetches the upstream URL given in the `url` query parameter,
// rewrites HLS playlists so every reference routes back through this origin,
// and streams everything else through unchanged.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		setPreflightHeaders(w.Header())
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "Missing URL parameter")
		return
	}

	origin := requestOrigin(r)

	// Ranged requests bypass the cache: entries hold full bodies, and the
	// upstream's 206 semantics must reach the client intact.
	if s.cache != nil && r.Header.Get("Range") == "" {
		if body, ok := s.cache.Get(rawURL); ok {
			metrics.CacheHitsTotal.Inc()
			s.serveCached(w, rawURL, origin, body)
			return
		}
		metrics.CacheMissesTotal.Inc()
	}

	forwarded := http.Header{}
	for _, name := range []string{"Cookie", "Range"} {
		if value := r.Header.Get(name); value != "" {
			forwarded.Set(name, value)
		}
	}

	resp, err := s.upstream.Fetch(r.Context(), upstream.Request{
		URL:              rawURL,
		ForwardedHeaders: forwarded,
		Referer:          r.URL.Query().Get("referer"),
		ForwardIP:        r.URL.Query().Get("ip"),
	})
	if err != nil {
		if errors.Is(err, upstream.ErrInvalidURL) {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, "Invalid URL parameter")
			return
		}
		s.logger.Warn("upstream fetch failed",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		writeProxyError(w, rawURL)
		return
	}
	defer resp.Body.Close()

	// Upstream errors are propagated transparently, not translated.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "text/plain"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		return
	}

	contentType := resp.Header.Get("Content-Type")

	if manifest.IsCandidate(contentType, rawURL) {
		s.serveCandidate(w, resp, rawURL, origin, contentType)
		return
	}

	s.servePassthrough(w, resp, rawURL)
}

// serveCandidate buffers a potential playlist, sniffs it, and either rewrites
// it or returns it untouched. Buffering forfeits streaming but is required:
// rewriting must never run on a body that merely looked like a manifest.
func (s *Server) serveCandidate(w http.ResponseWriter, resp *http.Response, rawURL, origin, contentType string) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.logger.Warn("upstream body read failed",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		writeProxyError(w, rawURL)
		return
	}

	text := string(body)
	if !manifest.HasSignature(text) {
		// Sniff failed: never emit partially-rewritten text.
		if contentType == "" {
			contentType = "text/plain"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		return
	}

	rewritten := manifest.Rewrite(text, rawURL, origin)
	metrics.ManifestRewritesTotal.Inc()

	refs := manifest.References(text, rawURL)
	if s.cache != nil {
		s.cache.RegisterManifest(rawURL, refs)
		s.cache.Put(rawURL, s.cache.ParentOf(rawURL), body)
	}
	if s.prefetcher != nil {
		go s.prefetcher.Warm(rawURL, refs)
	}

	h := w.Header()
	h.Set("Content-Type", manifest.ContentTypeApple)
	setPreflightHeaders(h)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, rewritten)
}

// servePassthrough streams a non-manifest body directly, capturing it for
// the cache when it fits the per-entry budget.
func (s *Server) servePassthrough(w http.ResponseWriter, resp *http.Response, rawURL string) {
	h := w.Header()
	for name, values := range resp.Header {
		if _, drop := strippedHeaders[strings.ToLower(name)]; drop {
			continue
		}
		for _, value := range values {
			h.Add(name, value)
		}
	}
	setPreflightHeaders(h)
	h.Set("Cache-Control", noStoreDirective)
	w.WriteHeader(resp.StatusCode)

	var capture *bodyCapture
	var src io.Reader = resp.Body
	if s.cache != nil && resp.StatusCode == http.StatusOK {
		capture = &bodyCapture{limit: s.cache.MaxEntryBytes()}
		src = io.TeeReader(resp.Body, capture)
	}

	if _, err := io.Copy(w, src); err != nil {
		// Client gone or upstream broke mid-stream; nothing to salvage.
		return
	}

	if capture != nil && !capture.overflowed {
		s.cache.Put(rawURL, s.cache.ParentOf(rawURL), capture.buf)
	}
}

func (s *Server) serveCached(w http.ResponseWriter, rawURL, origin string, body []byte) {
	text := string(body)
	if manifest.IsCandidate("", rawURL) && manifest.HasSignature(text) {
		// Manifests are cached pre-rewrite; rewrite against this request's
		// origin so links stay correct behind any host name.
		rewritten := manifest.Rewrite(text, rawURL, origin)
		if s.cache != nil {
			s.cache.RegisterManifest(rawURL, manifest.References(text, rawURL))
		}
		h := w.Header()
		h.Set("Content-Type", manifest.ContentTypeApple)
		setPreflightHeaders(h)
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, rewritten)
		return
	}

	h := w.Header()
	h.Set("Content-Type", cachedContentType(rawURL, body))
	setPreflightHeaders(h)
	h.Set("Cache-Control", noStoreDirective)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func cachedContentType(rawURL string, body []byte) string {
	if parsed, err := url.Parse(rawURL); err == nil {
		if ext := strings.ToLower(path.Ext(parsed.Path)); ext != "" {
			return fallbackContentType(ext)
		}
	}
	return http.DetectContentType(body)
}

func setPreflightHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// writeProxyError emits the transport-failure envelope. The real error is
// logged server-side only.
func writeProxyError(w http.ResponseWriter, rawURL string) {
	w.WriteHeader(http.StatusInternalServerError)
	payload := struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		URL     string `json:"url"`
	}{
		Error:   "Proxy request failed",
		Message: "no response from upstream",
		URL:     rawURL,
	}
	_ = writeJSONBody(w, payload)
}

// requestOrigin reconstructs the inbound request's own origin, honoring the
// proxy-supplied forwarded headers when the service sits behind one.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = proto
	}
	host := r.Host
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host
}

// bodyCapture buffers streamed bytes up to a limit for cache admission.
type bodyCapture struct {
	buf        []byte
	limit      int64
	overflowed bool
}

func (c *bodyCapture) Write(p []byte) (int, error) {
	if !c.overflowed {
		if int64(len(c.buf))+int64(len(p)) > c.limit {
			c.overflowed = true
			c.buf = nil
		} else {
			c.buf = append(c.buf, p...)
		}
	}
	return len(p), nil
}
