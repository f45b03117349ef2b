package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/api"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var problem api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	assert.Equal(t, w.Code, problem.Status)
	return problem
}

func TestProblemResponses(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		title  string
		detail string
	}{
		{
			name:   "unknown persona",
			write:  func(w http.ResponseWriter) { api.WriteNotFound(w, `unknown persona "night_porter"`) },
			status: http.StatusNotFound,
			title:  "Not Found",
			detail: `unknown persona "night_porter"`,
		},
		{
			name:   "missing tenant header",
			write:  func(w http.ResponseWriter) { api.WriteUnauthorized(w, "X-Tenant-ID header is required") },
			status: http.StatusUnauthorized,
			title:  "Unauthorized",
			detail: "X-Tenant-ID header is required",
		},
		{
			name:   "anonymous caller",
			write:  func(w http.ResponseWriter) { api.WriteUnauthorized(w, "") },
			status: http.StatusUnauthorized,
			title:  "Unauthorized",
			detail: "Authentication required",
		},
		{
			name:   "approver without permission",
			write:  func(w http.ResponseWriter) { api.WriteForbidden(w, "missing permission actions:approve") },
			status: http.StatusForbidden,
			title:  "Forbidden",
			detail: "missing permission actions:approve",
		},
		{
			name:   "export without a database",
			write:  func(w http.ResponseWriter) { api.WriteServiceUnavailable(w, "audit export is not configured") },
			status: http.StatusServiceUnavailable,
			title:  "Service Unavailable",
			detail: "audit export is not configured",
		},
		{
			name:   "empty chat text",
			write:  func(w http.ResponseWriter) { api.WriteBadRequest(w, "text is required") },
			status: http.StatusBadRequest,
			title:  "Bad Request",
			detail: "text is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			require.Equal(t, tt.status, w.Code)
			problem := decodeProblem(t, w)
			assert.Equal(t, tt.title, problem.Title)
			assert.Equal(t, tt.detail, problem.Detail)
			assert.True(t, strings.HasSuffix(problem.Type, "/"+strconv.Itoa(tt.status)), problem.Type)
		})
	}
}

func TestWriteErrorR_RejectedTransition(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/actions/a-1/approve", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-7")

	api.WriteErrorR(w, req, http.StatusConflict, "Invalid State Transition",
		"action a-1: cannot transition EXECUTED -> APPROVED")

	require.Equal(t, http.StatusConflict, w.Code)
	problem := decodeProblem(t, w)
	assert.Equal(t, "/v1/actions/a-1/approve", problem.Instance)
	assert.Equal(t, "req-7", problem.TraceID)
	assert.Contains(t, problem.Detail, "EXECUTED -> APPROVED")
}

func TestWriteTooManyRequests_TenantBudget(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 12)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "12", w.Header().Get("Retry-After"))
	decodeProblem(t, w)
}

func TestWriteInternal_HidesStoreErrors(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-9")
	api.WriteInternal(w, errors.New(`pq: relation "action_proposals" does not exist`))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	problem := decodeProblem(t, w)
	assert.NotContains(t, problem.Detail, "action_proposals")
	assert.Equal(t, "req-9", problem.TraceID)
	assert.Empty(t, problem.Instance)
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteJSON(w, http.StatusOK, map[string]any{"count": 2})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"count":2}`, w.Body.String())
}
