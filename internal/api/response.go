package api

import (
	"encoding/json"
	"log"
	"net/http"
)

type errorEnvelope struct {
	Error *ServiceError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, e *ServiceError) {
	writeJSON(w, e.status, errorEnvelope{Error: e})
}

// decodeBody parses a JSON request body into dst. Oversized bodies surface as
// a validation error thanks to the MaxBytesReader wrapping.
func decodeBody(r *http.Request, dst any) *ServiceError {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return validationError("invalid request body: " + err.Error())
	}
	return nil
}
