package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// envelope wraps every gate API response as { "data": ... } on success or
// { "error": ... } on failure. Handlers never write raw payloads.
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("encoding api response", "status", status, "error", err)
	}
}

// writeJSON sends a success envelope carrying data.
func writeJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Data: data})
}

// writeError sends an error envelope with no data payload.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeEnvelope(w, status, envelope{Error: msg})
}
