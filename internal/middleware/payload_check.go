package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// PayloadValidator checks a raw request body against a named payload schema.
type PayloadValidator interface {
	Validate(payload string, body json.RawMessage) error
}

// ValidatePayload rejects malformed request bodies before the handler runs.
// Reads the body for validation, then replaces r.Body so downstream handlers
// can re-read it.
func ValidatePayload(v PayloadValidator, payload string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			if len(bodyBytes) == 0 {
				bodyBytes = []byte("{}")
			}
			if err := v.Validate(payload, bodyBytes); err != nil {
				msg, _ := json.Marshal(err.Error())
				http.Error(w, fmt.Sprintf(`{"error":%s}`, msg), http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
