package apihttp

import (
	"encoding/json"
	"io"
	"net/http"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONBody(w io.Writer, payload interface{}) error {
	return json.NewEncoder(w).Encode(payload)
}

// fallbackContentType maps a media file extension to a content type for
// cache hits, where no upstream header is available.
func fallbackContentType(ext string) string {
	switch ext {
	case ".ts":
		return "video/mp2t"
	case ".m4s", ".mp4":
		return "video/mp4"
	case ".aac":
		return "audio/aac"
	case ".mp3":
		return "audio/mpeg"
	case ".vtt":
		return "text/vtt"
	case ".key", ".bin":
		return "application/octet-stream"
	default:
		return "application/octet-stream"
	}
}
