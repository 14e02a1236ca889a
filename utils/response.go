package utils

import (
	"encoding/json"
	"io"
	"net/http"
)

type M map[string]any

// RespondWithJSON writes data as the JSON body with statusCode.
func RespondWithJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// SendResponse writes the standard envelope {success, data, message}.
func SendResponse(w http.ResponseWriter, status int, data any, message string) {
	resp := M{
		"success": status < http.StatusBadRequest,
		"data":    data,
	}
	if message != "" {
		resp["message"] = message
	}
	RespondWithJSON(w, status, resp)
}

// RespondWithError writes a failed envelope carrying msg.
func RespondWithError(w http.ResponseWriter, code int, msg string) {
	RespondWithJSON(w, code, M{"success": false, "message": msg})
}

// DecodeJSON reads the request body into v, capped at 1MB.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(v)
}
