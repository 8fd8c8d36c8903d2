package httpx

import "net/http"

// Busy sends a 503 problem with a Retry-After hint. Used when a mutation
// gave up waiting for a row lock; clients are expected to retry.
func Busy(w http.ResponseWriter, detail string) {
	w.Header().Set("Retry-After", "1")
	Problem(w, http.StatusServiceUnavailable, "Busy", detail)
}
