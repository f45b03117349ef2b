package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/actions"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/api"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/audit"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/auth"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/conversation"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/coworker"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/lifecycle"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/observability"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/versioning"
)

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Text             string            `json:"text"`
	CurrentPersonaID string            `json:"current_persona_id,omitempty"`
	SessionID        string            `json:"session_id,omitempty"`
	History          []HistoryTurn     `json:"history,omitempty"`
	TransactionID    string            `json:"transaction_id,omitempty"`
	EntityIDs        map[string]string `json:"entity_ids,omitempty"`
}

// HistoryTurn is a caller-supplied prior turn.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DecisionRequest is the optional body of approve and reject.
type DecisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := make(map[string]string, len(s.checks))
	ready := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			ready = false
			continue
		}
		status[name] = "ok"
	}
	if !ready {
		api.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": status})
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": status})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, versioning.Current())
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, auth.PermChat)
	if !ok {
		return
	}

	var req ChatRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		api.WriteBadRequest(w, "text is required")
		return
	}
	if req.CurrentPersonaID != "" && !s.registry.Contains(req.CurrentPersonaID) {
		api.WriteNotFound(w, fmt.Sprintf("unknown persona %q", req.CurrentPersonaID))
		return
	}

	var history []conversation.Turn
	if req.History != nil {
		history = make([]conversation.Turn, 0, len(req.History))
		for i, t := range req.History {
			role := conversation.Role(t.Role)
			if !role.Valid() {
				api.WriteBadRequest(w, fmt.Sprintf("history[%d]: role must be user or assistant", i))
				return
			}
			history = append(history, conversation.Turn{Role: role, Content: t.Content})
		}
	}

	res, err := s.svc.Chat(r.Context(), coworker.ChatRequest{
		TenantID:      principal.GetTenantID(),
		SessionID:     req.SessionID,
		PersonaID:     req.CurrentPersonaID,
		Message:       req.Text,
		History:       history,
		TransactionID: req.TransactionID,
		EntityIDs:     req.EntityIDs,
		RequestID:     auth.GetRequestID(r.Context()),
		Operator:      principal.GetID(),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handlePersonas(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, auth.PermViewActions); !ok {
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"default":  s.registry.Default().ID,
		"personas": s.registry.All(),
	})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, auth.PermViewActions)
	if !ok {
		return
	}

	var statuses []actions.Status
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			st, err := actions.ParseStatus(part)
			if err != nil {
				api.WriteBadRequest(w, err.Error())
				return
			}
			statuses = append(statuses, st)
		}
	}

	list := s.svc.List(r.Context(), principal.GetTenantID(), statuses...)
	api.WriteJSON(w, http.StatusOK, map[string]any{"actions": list, "count": len(list)})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, auth.PermViewActions)
	if !ok {
		return
	}
	p, err := s.svc.Get(r.Context(), principal.GetTenantID(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, auth.PermDecide)
	if !ok {
		return
	}
	var req DecisionRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	decision, err := s.svc.Approve(r.Context(), principal.GetTenantID(), r.PathValue("id"), principal.GetID())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, decision)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, auth.PermDecide)
	if !ok {
		return
	}
	var req DecisionRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	decision, err := s.svc.Reject(r.Context(), principal.GetTenantID(), r.PathValue("id"), principal.GetID(), req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, decision)
}

// handleAuditExport returns the tenant's evidence pack as a zip.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, auth.PermExportAudit)
	if !ok {
		return
	}
	if s.exporter == nil {
		api.WriteServiceUnavailable(w, "audit export is not configured")
		return
	}

	now := time.Now().UTC()
	req := audit.ExportRequest{
		TenantID:  principal.GetTenantID(),
		StartTime: now.Add(-24 * time.Hour),
		EndTime:   now,
	}
	q := r.URL.Query()
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			api.WriteBadRequest(w, "since must be RFC 3339")
			return
		}
		req.StartTime = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			api.WriteBadRequest(w, "until must be RFC 3339")
			return
		}
		req.EndTime = t
	}

	zipBytes, checksum, err := s.exporter.GeneratePack(r.Context(), req)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidTimeRange) {
			api.WriteBadRequest(w, err.Error())
			return
		}
		api.WriteInternal(w, err)
		return
	}

	if s.auditor != nil {
		_ = s.auditor.Record(r.Context(), audit.EventAccess, "audit.exported", "evidence_pack", map[string]interface{}{
			"checksum": checksum,
			"size":     len(zipBytes),
		})
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"audit-%s-%s.zip\"", req.TenantID, now.Format("20060102")))
	w.Header().Set("X-Content-SHA256", checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(zipBytes)
}

func (s *Server) handleSLOStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, auth.PermViewActions); !ok {
		return
	}
	statuses := []*observability.SLOStatus{}
	if tracker := s.obs.SLO(); tracker != nil {
		statuses = tracker.Statuses()
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"slos": statuses})
}

// authorize returns the caller or writes 401/403.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, perm string) (auth.Principal, bool) {
	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "authentication required")
		return nil, false
	}
	if !principal.HasPermission(perm) {
		api.WriteForbidden(w, fmt.Sprintf("missing permission %s", perm))
		return nil, false
	}
	return principal, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrActionNotFound):
		api.WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, lifecycle.ErrInvalidStateTransition):
		api.WriteErrorR(w, r, http.StatusConflict, "Invalid State Transition", err.Error())
	case errors.Is(err, coworker.ErrInvalidRequest):
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		api.WriteInternal(w, err)
	}
}

// decodeBody decodes a JSON body into v. An empty body is accepted when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		api.WriteBadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}
