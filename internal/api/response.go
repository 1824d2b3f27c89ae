// Package api exposes the REST surface: the chat entry point, async chat
// requests, session replay, model preferences, user-task lifecycle, and the
// tool protocol mount.
package api

import (
	"encoding/json"
	"net/http"

	"aibox-memory/pkg/types"
)

// Envelope is the structured response every endpoint returns.
type Envelope struct {
	Status    types.ResponseStatus `json:"status"`
	Result    interface{}          `json:"result,omitempty"`
	ErrorCode string               `json:"error_code,omitempty"`
	Message   string               `json:"message,omitempty"`
	Warnings  []string             `json:"warnings,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, result interface{}) {
	writeJSON(w, http.StatusOK, Envelope{Status: types.StatusSuccess, Result: result})
}

func writeError(w http.ResponseWriter, httpCode int, errorCode, message string) {
	writeJSON(w, httpCode, Envelope{Status: types.StatusError, ErrorCode: errorCode, Message: message})
}
