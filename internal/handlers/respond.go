package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/skillswap/backend/internal/apperrors"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps error kinds to HTTP statuses. Unclassified errors are
// internal and must not leak details to the client.
func statusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.NotFound:
		return http.StatusNotFound
	case apperrors.Unauthorized:
		return http.StatusForbidden
	case apperrors.Validation:
		return http.StatusBadRequest
	case apperrors.InvalidState, apperrors.AlreadyProcessed:
		return http.StatusConflict
	case apperrors.ConflictRace:
		return http.StatusConflict
	case apperrors.InsufficientBalance:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// pathUUID parses the named path segment as a UUID.
func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	return id, err == nil
}
