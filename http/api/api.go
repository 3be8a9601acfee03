// Package api contains helpers shared by the HTTP API handlers.
package api

import (
	"encoding/json"
	"net/http"
)

// JSONError encodes err as a JSON error document to w.
// A statusCode of less than 1 responds with a 500.
func JSONError(w http.ResponseWriter, err error, statusCode int) {
	jsonErr := &struct {
		Err string `json:"error"`
	}{Err: err.Error()}
	w.Header().Set("Content-type", "application/json")
	if statusCode < 1 {
		statusCode = http.StatusInternalServerError
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(jsonErr)
}
