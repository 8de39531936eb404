package api

import (
	"encoding/json"
	"log"
	"net/http"
)

// errorBody is the user-visible error shape: {code, message, details?}.
// Internal causes are logged, never echoed.
type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

// writeInternalError logs cause (never echoed to the client) and writes a
// generic 500 body.
func writeInternalError(w http.ResponseWriter, cause error) {
	log.Printf("api: internal error: %v", cause)
	writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, "validation_error", message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, "not_found", message)
}

func writeConflict(w http.ResponseWriter, message string) {
	writeError(w, http.StatusConflict, "conflict", message)
}
