package httputils

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is the body written for a failed request.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// HandleAPIResponse writes resp as JSON with status 200, or err with
// errStatus when err is set.
func HandleAPIResponse(w http.ResponseWriter, r *http.Request, resp interface{}, err error, errStatus int) {
	if err != nil {
		WriteError(w, r, errStatus, err)
		return
	}
	WriteJSON(w, r, http.StatusOK, resp)
}

// WriteJSON marshals v and writes it with the given status.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// WriteError logs err and writes it as an ErrorResponse.
func WriteError(w http.ResponseWriter, r *http.Request, status int, err error) {
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(r.Context(), level, "Request failed",
		"remoteAddr", r.RemoteAddr,
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err,
	)

	body, _ := json.Marshal(ErrorResponse{Detail: err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
