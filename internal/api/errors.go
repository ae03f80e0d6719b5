package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/alecgard/taskforge/internal/apperr"
	"github.com/alecgard/taskforge/internal/auth"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// writeError renders err as the standard error envelope. Status and code come
// from the error's kind; internal causes are logged and replaced.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	auth.WriteError(w, r, err)
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit. Any
// decode failure is reported as a bad request.
func readJSON(r *http.Request, v any) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	if err := json.NewDecoder(lr).Decode(v); err != nil {
		return apperr.BadRequest("failed to parse request body")
	}
	return nil
}
