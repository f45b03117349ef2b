package dispatch_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/actions"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/dispatch"
)

func TestPlaybookExecutor_Success(t *testing.T) {
	var got dispatch.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, "a-1", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"external_reference":"sms-42"}`))
	}))
	defer server.Close()

	exec := dispatch.NewPlaybookExecutor(server.URL+"/", dispatch.WithHTTPClient(server.Client()), dispatch.WithBearerToken("s3cret"))
	resp, err := exec.Execute(context.Background(), dispatch.Request{
		ActionID: "a-1",
		Type:     actions.TypeSendSMS,
		Params:   actions.Params{"to": "+15550100", "body": "See you at 3"},
		Context:  actions.ExecutionContext{TenantID: "org-1", BatchID: "batch-1"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "sms-42", resp.ExternalReference)
	assert.Equal(t, actions.TypeSendSMS, got.Type)
	assert.Equal(t, "org-1", got.Context.TenantID)
	assert.Equal(t, "See you at 3", got.Params["body"])
}

func TestPlaybookExecutor_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
		wantMsg string
	}{
		{"explicit failure", http.StatusOK, `{"success":false,"error":"number blocked"}`, "", "number blocked"},
		{"upstream 500", http.StatusInternalServerError, `boom`, "playbook error: 500", ""},
		{"bad json", http.StatusOK, `{`, "decode response", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			resp, err := dispatch.NewPlaybookExecutor(server.URL, dispatch.WithHTTPClient(server.Client())).
				Execute(context.Background(), dispatch.Request{ActionID: "a-1", Type: actions.TypeSendSMS})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.wantMsg, resp.Error)
		})
	}
}

func TestPlaybookExecutor_ThroughDispatcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req dispatch.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ActionID == "a-2" {
			_, _ = w.Write([]byte(`{"success":false,"error":"no such lead"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"external_reference":"ref-` + req.ActionID + `"}`))
	}))
	defer server.Close()

	d := dispatch.New(dispatch.NewPlaybookExecutor(server.URL, dispatch.WithHTTPClient(server.Client())), nil, dispatch.Config{})
	results := d.Dispatch(context.Background(), "org-1", []*actions.Proposal{task("a-1", "x"), task("a-2", "y")}, actions.ExecutionContext{})

	require.Len(t, results, 2)
	assert.Equal(t, "ref-a-1", results[0].ExternalReference)
	assert.Equal(t, "execution failed: no such lead", results[1].ErrorMessage)
}

func TestLogExecutor(t *testing.T) {
	var buf bytes.Buffer
	exec := dispatch.NewLogExecutor(slog.New(slog.NewJSONHandler(&buf, nil)))

	resp, err := exec.Execute(context.Background(), dispatch.Request{ActionID: "a-1", Type: actions.TypeCreateTask})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, strings.HasPrefix(resp.ExternalReference, "log:"))
	assert.Contains(t, buf.String(), `"action_id":"a-1"`)
}
