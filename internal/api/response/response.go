// Package response writes the agent and public API wire formats. The
// agent protocol is raw JSON objects (an assignment or {}), everything
// else is a plain {"message": ...} body.
package response

import (
	"encoding/json"
	"net/http"
)

type messageBody struct {
	Message string `json:"message"`
}

// JSON writes data as-is with a 200 status.
func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, data)
}

// Empty writes the empty object, the assign endpoint's "no work" reply.
func Empty(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, struct{}{})
}

// Message writes a {"message": ...} body with a 200 status.
func Message(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, messageBody{Message: message})
}

// Error writes a {"message": ...} body with the given error status.
func Error(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, messageBody{Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
