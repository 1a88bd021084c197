package apihttp

import (
	"net/http"
	"strings"
)

// Cache admin endpoints back the front-end's cache settings screen:
// statistics, per-title invalidation, full clear and an on-demand sweep.

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache_disabled", "cache is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.cache.GetStats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use DELETE")
		return
	}
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache_disabled", "cache is not configured")
		return
	}

	var cleared int
	if video := strings.TrimSpace(r.URL.Query().Get("video")); video != "" {
		cleared = s.cache.InvalidateVideo(video)
	} else {
		cleared = s.cache.ClearAll()
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache_disabled", "cache is not configured")
		return
	}

	before := s.cache.EntryCount()
	s.cache.CheckAndCleanup()
	removed := before - s.cache.EntryCount()
	if removed < 0 {
		removed = 0
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
