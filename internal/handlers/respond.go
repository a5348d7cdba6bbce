// Package handlers holds the coordinator's HTTP handlers. Each handler
// is a closure over its concrete dependencies; routing and middleware
// live in internal/coordinator.
package handlers

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
