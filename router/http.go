package router

import (
	"io"
	"net/http"

	json "github.com/segmentio/encoding/json"
)

// writeJSON and readJSON go through segmentio/encoding/json rather than
// encoding/json: the teacher's go.mod already declares this dependency for
// exactly this purpose (a drop-in faster codec on hot paths), even though
// its call site was not present in the retrieved file set. Pattern A's
// result bodies are the hottest path in this codebase (whole datasets up to
// max_buffered_bytes marshaled into a single JSON response), which is where
// this pays for itself.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r io.Reader, v any, limit int64) error {
	return json.NewDecoder(io.LimitReader(r, limit)).Decode(v)
}

// errorResponse is the error body shape from spec.md §4.3/§7.
type errorResponse struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err *Error) {
	writeJSON(w, err.Status(), errorResponse{
		Status:  "error",
		Error:   string(err.Kind),
		Message: err.Message,
	})
}

func kindToError(kind Kind, message string) *Error {
	if message == "" {
		message = string(kind)
	}
	return &Error{Kind: kind, Message: message}
}
