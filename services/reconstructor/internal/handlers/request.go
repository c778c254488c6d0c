package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/example/threadrecon/internal/platform/api"
)

const maxRequestBodyBytes = 64 << 10

// decodeJSON decodes exactly one JSON object from a bounded body into dst,
// rejecting unknown fields. On failure it writes a 400 and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, rid string, dst *T) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil && !errors.Is(dec.Decode(&struct{}{}), io.EOF) {
		err = errors.New("trailing data")
	}
	if err != nil {
		api.BadRequest(w, "INVALID_JSON", "body must be a single JSON object", rid, map[string]any{"error": err.Error()})
		return false
	}
	return true
}
