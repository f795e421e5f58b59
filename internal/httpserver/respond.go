package httpserver

import (
	"encoding/json"
	"net/http"
)

// Respond writes v as a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the envelope every error path returns:
// {success: false, error: string, code?: string}.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// RespondError writes the standard error envelope. code is an optional
// machine-readable identifier (e.g. "workspace_run_limit"); pass "" to omit it.
func RespondError(w http.ResponseWriter, status int, code string, message string) {
	Respond(w, status, errorResponse{
		Success: false,
		Error:   message,
		Code:    code,
	})
}
