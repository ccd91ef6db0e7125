package server

import (
	"encoding/json"
	"errors"
	"net/http"

	apperr "github.com/sirdoy/pannello-stufa-sub009/internal/errors"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Reconnect bool   `json:"reconnect"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorStatus(w http.ResponseWriter, status int, code, msg string, reconnect bool) {
	writeJSON(w, status, errorBody{Error: code, Message: msg, Reconnect: reconnect})
}

// writeError maps a connectivity error onto an HTTP status. Untyped errors
// are internal failures.
func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	if code == "" {
		writeErrorStatus(w, http.StatusInternalServerError, "INTERNAL", err.Error(), false)
		return
	}

	writeErrorStatus(w, statusFor(err), string(code), err.Error(), apperr.NeedsReconnect(err))
}

func statusFor(err error) int {
	if apperr.NeedsReconnect(err) {
		return http.StatusUnauthorized
	}

	switch apperr.CodeOf(err) {
	case apperr.CodeNoUsername, apperr.CodeLocalNotConfigured, apperr.CodeLinkButtonNotPressed:
		return http.StatusConflict
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeBridgeError:
		// Pass client errors from the bridge through (404 unknown id, 400
		// bad body); anything else is a gateway failure.
		var e *apperr.Error
		if errors.As(err, &e) && e.Status >= 400 && e.Status < 500 && e.Status != http.StatusUnauthorized {
			return e.Status
		}
		return http.StatusBadGateway
	}

	return http.StatusBadGateway
}
