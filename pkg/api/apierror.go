// Package api holds the HTTP plumbing shared by the coworker surfaces: RFC 7807
// problem responses, idempotent replay of mutating requests and the pre-auth
// flood guard.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// problemTypeBase prefixes the problem type URI with the status code.
const problemTypeBase = "https://coworker.dev/problems/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID is the request id of the failing request.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func write(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	write(w, &ProblemDetail{
		Type:    fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:   title,
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	})
}

// WriteErrorR writes an RFC 7807 response enriched with the request path.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	write(w, &ProblemDetail{
		Type:     fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteServiceUnavailable writes a 503 error response.
func WriteServiceUnavailable(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", detail)
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err, "request_id", w.Header().Get("X-Request-ID"))
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
