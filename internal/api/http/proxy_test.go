package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"streamproxy/internal/cache"
	"streamproxy/internal/upstream"
)

type fakeFetcher struct {
	fetch func(ctx context.Context, req upstream.Request) (*http.Response, error)
	calls int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, req upstream.Request) (*http.Response, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fetch(ctx, req)
}

func upstreamResponse(status int, contentType, body string) *http.Response {
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, fetcher UpstreamFetcher, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{WithLogger(discardLogger())}, opts...)
	s := NewServer(fetcher, opts...)
	t.Cleanup(s.Close)
	return s
}

func newTestCache(t *testing.T) *cache.Manager {
	t.Helper()
	bodies, err := cache.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	return cache.NewManager(cache.ManagerConfig{Bodies: bodies, Logger: discardLogger()})
}

func TestProxyMissingURLParameter(t *testing.T) {
	s := newTestServer(t, &fakeFetcher{})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if got := rec.Body.String(); got != "Missing URL parameter" {
		t.Errorf("body = %q, want %q", got, "Missing URL parameter")
	}
}

func TestProxyPreflight(t *testing.T) {
	s := newTestServer(t, &fakeFetcher{})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/proxy?url=https://cdn.example.com/x", nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "GET") {
		t.Errorf("Access-Control-Allow-Methods = %q", got)
	}
}

func TestProxyMethodNotAllowed(t *testing.T) {
	fetcher := &fakeFetcher{}
	s := newTestServer(t, fetcher)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/proxy?url=https://cdn.example.com/x", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if atomic.LoadInt32(&fetcher.calls) != 0 {
		t.Error("rejected method must not reach upstream")
	}
}

func TestProxyManifestRewritten(t *testing.T) {
	playlist := "#EXTM3U\n" +
		"#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n" +
		"seg1.ts"
	fetcher := &fakeFetcher{fetch: func(ctx context.Context, req upstream.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, "application/vnd.apple.mpegurl", playlist), nil
	}}
	s := newTestServer(t, fetcher)

	req := httptest.NewRequest(http.MethodGet, "/api/proxy?url=https%3A%2F%2Fcdn.example.com%2Fshow%2Fplaylist.m3u8", nil)
	req.Host = "proxy.example.com"
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	lines := strings.Split(rec.Body.String(), "\n")
	wantKey := `#EXT-X-KEY:METHOD=AES-128,URI="http://proxy.example.com/api/proxy?url=https%3A%2F%2Fcdn.example.com%2Fshow%2Fkey.bin"`
	if lines[1] != wantKey {
		t.Errorf("key line:\n got %q\nwant %q", lines[1], wantKey)
	}
	wantSeg := "http://proxy.example.com/api/proxy?url=https%3A%2F%2Fcdn.example.com%2Fshow%2Fseg1.ts"
	if lines[2] != wantSeg {
		t.Errorf("segment line:\n got %q\nwant %q", lines[2], wantSeg)
	}
}

func TestProxyMislabeledManifestRelabeled(t *testing.T) {
	fetcher := &fakeFetcher{fetch: func(ctx context.Context, req upstream.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, "application/octet-stream", "#EXTM3U\nseg1.ts"), nil
	}}
	s := newTestServer(t, fetcher)

	req := httptest.NewRequest(http.MethodGet, "/api/proxy?url=https%3A%2F%2Fcdn.example.com%2Fplaylist.m3u8", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); got != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q, want relabeled apple type", got)
	}
	if !strings.Contains(rec.Body.String(), "/api/proxy?url=") {
		t.Errorf("body not rewritten: %q", rec.Body.String())
	}
}

func TestProxySniffFailurePassthrough(t *testing.T) {
	binary := "\x47\x40\x11\x10segment bytes"
	fetcher := &fakeFetcher{fetch: func(ctx context.Context, req upstream.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, "application/octet-stream", binary), nil
	}}
	s := newTestServer(t, fetcher)

	// URL claims m3u8 but the body is not a playlist: no rewriting.
	req := httptest.NewRequest(http.MethodGet, "/api/proxy?url=https%3A%2F%2Fcdn.example.com%2Fdisguised.m3u8", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != binary {
		t.Errorf("body altered: %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("Content-Type = %q, want original", got)
	}
}

func TestProxySegmentPassthrough(t *testing.T) {
	fetcher := &fakeFetcher{fetch: func(ctx context.Context, req upstream.Request) (*http.Response, error) {
		resp := upstreamResponse(http.StatusOK, "video/mp2t", "segment data")
		resp.Header.Set("Content-Encoding", "gzip")
		resp.Header.Set("Content-Length", "999")
		resp.Header.Set("Transfer-Encoding", "chunked")
		resp.Header.Set("X-Upstream-Extra", "kept")
		return resp, nil
	}}
	s := newTestServer(t, fetcher)

	req := httptest.NewRequest(http.MethodGet, "/api/proxy?url=https%3A%2F%2Fcdn.example.com%2Fseg1.ts", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "segment data" {
		t.Errorf("body = %q", got)
	}
	for _, name := range []string{"Content-Encoding", "Transfer-Encoding"} {
		if got := rec.Header().Get(name); got != "" {
			t.Errorf("%s = %q, want stripped", name, got)
		}
	}
	if got := rec.Header().Get("X-Upstream-Extra"); got != "kept" {
		t.Errorf("X-Upstream-Extra = %q, want kept", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp2t" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestProxyUpstreamErrorPassedThrough(t *testing.T) {
	fetcher := &fakeFetcher{fetch: func(ctx context.Context, req upstream.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusNotFound, "text/html", "<html>not here</html>"), nil
	}}
	s := newTestServer(t, fetcher)

	req := httptest.NewRequest(http.MethodGet, "/api/proxy?url=https%3A%2F%2Fcdn.example.com%2Fgone.m3u8", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if got := rec.Body.String(); got != "<html>not here</html>" {
		t.Errorf("body = %q, want verbatim upstream body", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/html" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestProxyTransportFailure(t *testing.T) {
	fetcher := &fakeFetcher{fetch: func(ctx context.Context, req upstream.Request) (*http.Response, error) {
		return nil, errors.New("fetch failed after 5 attempts: connection refused")
	}}
	s := newTestServer(t, fetcher)

	target := "https://cdn.example.com/playlist.m3u8"
	req := httptest.NewRequest(http.MethodGet, "/api/proxy?url="+target, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		URL     string `json:"url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload.Error != "Proxy request failed" {
		t.Errorf("error = %q", payload.Error)
	}
	if payload.Message == "" {
		t.Error("message must not be empty")
	}
	if payload.URL != target {
		t.Errorf("url = %q, want %q", payload.URL, target)
	}
}

func TestProxyInvalidURLRejected(t *testing.T) {
	fetcher := &fakeFetcher{fetch: func(ctx context.Context, req upstream.Request) (*http.Response, error) {
		return nil, fmt.Errorf("%w: %q", upstream.ErrInvalidURL, req.URL)
	}}
	s := newTestServer(t, fetcher)

	req := httptest.NewRequest(http.MethodGet, "/api/proxy?url=not-a-url", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if got := rec.Body.String(); got != "Invalid URL parameter" {
		t.Errorf("body = %q", got)
	}
}

func TestProxyForwardsCookieAndRange(t *testing.T) {
	var seen upstream.Request
	fetcher := &fakeFetcher{fetch: func(ctx context.Context, req upstream.Request) (*http.Response, error) {
		seen = req
		return upstreamResponse(http.StatusOK, "video/mp2t", "x"), nil
	}}
	s := newTestServer(t, fetcher)

	req := httptest.NewRequest(http.MethodGet, "/api/proxy?url=https%3A%2F%2Fcdn.example.com%2Fseg.ts&referer=https%3A%2F%2Fplayer.example.org&ip=10.0.0.1", nil)
	req.Header.Set("Cookie", "session=abc")
	req.Header.Set("Range", "bytes=0-99")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if seen.URL != "https://cdn.example.com/seg.ts" {
		t.Errorf("upstream url = %q", seen.URL)
	}
	if got := seen.ForwardedHeaders.Get("Cookie"); got != "session=abc" {
		t.Errorf("Cookie = %q", got)
	}
	if got := seen.ForwardedHeaders.Get("Range"); got != "bytes=0-99" {
		t.Errorf("Range = %q", got)
	}
	if seen.Referer != "https://player.example.org" {
		t.Errorf("Referer = %q", seen.Referer)
	}
	if seen.ForwardIP != "10.0.0.1" {
		t.Errorf("ForwardIP = %q", seen.ForwardIP)
	}
}

func TestProxySegmentCacheHitSkipsUpstream(t *testing.T) {
	fetcher := &fakeFetcher{fetch: func(ctx context.Context, req upstream.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, "video/mp2t", "segment data"), nil
	}}
	s := newTestServer(t, fetcher, WithCache(newTestCache(t)))

	target := "/api/proxy?url=https%3A%2F%2Fcdn.example.com%2Fseg1.ts"
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("second request status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "segment data" {
		t.Errorf("cached body = %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp2t" {
		t.Errorf("cached Content-Type = %q", got)
	}
	if calls := atomic.LoadInt32(&fetcher.calls); calls != 1 {
		t.Errorf("upstream calls = %d, want 1", calls)
	}
}

func TestProxyRangeRequestBypassesCache(t *testing.T) {
	fetcher := &fakeFetcher{fetch: func(ctx context.Context, req upstream.Request) (*http.Response, error) {
		if req.ForwardedHeaders.Get("Range") != "" {
			resp := upstreamResponse(http.StatusPartialContent, "video/mp2t", "seg")
			resp.Header.Set("Content-Range", "bytes 0-2/12")
			return resp, nil
		}
		return upstreamResponse(http.StatusOK, "video/mp2t", "segment data"), nil
	}}
	s := newTestServer(t, fetcher, WithCache(newTestCache(t)))

	target := "/api/proxy?url=https%3A%2F%2Fcdn.example.com%2Fseg1.ts"

	// Prime the cache with a full body.
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Range", "bytes=0-2")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if calls := atomic.LoadInt32(&fetcher.calls); calls != 2 {
		t.Errorf("upstream calls = %d, want 2 (ranged request must go upstream)", calls)
	}
	if rec.Code != http.StatusPartialContent {
		t.Errorf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 0-2/12" {
		t.Errorf("Content-Range = %q", got)
	}
	if got := rec.Body.String(); got != "seg" {
		t.Errorf("body = %q, want partial content", got)
	}
}

func TestProxyManifestCacheHitRewritesForOrigin(t *testing.T) {
	fetcher := &fakeFetcher{fetch: func(ctx context.Context, req upstream.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, "application/vnd.apple.mpegurl", "#EXTM3U\nseg1.ts"), nil
	}}
	s := newTestServer(t, fetcher, WithCache(newTestCache(t)))

	target := "/api/proxy?url=https%3A%2F%2Fcdn.example.com%2Fshow%2Fplaylist.m3u8"

	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Host = "first.example.com"
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "http://first.example.com/api/proxy?url=") {
		t.Fatalf("first response not rewritten for first origin: %q", rec.Body.String())
	}

	// Cache hit, served for a different host: links must follow the new origin.
	req = httptest.NewRequest(http.MethodGet, target, nil)
	req.Host = "second.example.com"
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if calls := atomic.LoadInt32(&fetcher.calls); calls != 1 {
		t.Errorf("upstream calls = %d, want 1", calls)
	}
	if !strings.Contains(rec.Body.String(), "http://second.example.com/api/proxy?url=") {
		t.Errorf("cached manifest not rewritten for new origin: %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestRequestOrigin(t *testing.T) {
	cases := []struct {
		name    string
		host    string
		headers map[string]string
		want    string
	}{
		{"plain", "proxy.example.com", nil, "http://proxy.example.com"},
		{"forwarded proto", "proxy.example.com", map[string]string{"X-Forwarded-Proto": "https"}, "https://proxy.example.com"},
		{"forwarded host", "internal:8080", map[string]string{"X-Forwarded-Host": "public.example.com", "X-Forwarded-Proto": "https"}, "https://public.example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/proxy", nil)
			r.Host = tc.host
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			if got := requestOrigin(r); got != tc.want {
				t.Errorf("requestOrigin = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBodyCaptureOverflow(t *testing.T) {
	c := &bodyCapture{limit: 10}
	if _, err := c.Write([]byte("12345")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if c.overflowed {
		t.Fatal("should not overflow yet")
	}
	if _, err := c.Write([]byte("1234567890")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !c.overflowed {
		t.Error("expected overflow past the limit")
	}
	if c.buf != nil {
		t.Error("overflowed capture must release its buffer")
	}
}
