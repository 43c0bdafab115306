package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agentworkforce/crmsync/internal/crmsync"
)

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req crmsync.TriggerRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	req.WorkspaceID = chi.URLParam(r, "workspaceID")
	if req.Direction == "" {
		req.Direction = crmsync.DirectionBidirectional
	}
	result, err := s.svc.TriggerSync(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := crmsync.ConflictFilter{
		WorkspaceID: chi.URLParam(r, "workspaceID"),
		Status:      crmsync.ConflictStatus(strings.TrimSpace(query.Get("status"))),
		Limit:       parseBoundedInt(query.Get("limit"), 100, 1, 1000),
	}
	if raw := strings.TrimSpace(query.Get("entityType")); raw != "" {
		entityType, err := crmsync.ParseEntityType(raw)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		filter.EntityType = entityType
	}
	conflicts, err := s.svc.ListConflicts(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []crmsync.SyncConflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": conflicts})
}

func (s *Server) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	conflict, err := s.svc.GetConflict(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "conflictID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

type resolveBody struct {
	Strategy   crmsync.Strategy `json:"strategy"`
	Manual     crmsync.Fields   `json:"manual,omitempty"`
	ResolvedBy string           `json:"resolvedBy,omitempty"`
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body resolveBody
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	resolution, err := s.svc.ResolveConflict(r.Context(), crmsync.ResolveRequest{
		WorkspaceID: chi.URLParam(r, "workspaceID"),
		ConflictID:  chi.URLParam(r, "conflictID"),
		Strategy:    body.Strategy,
		Manual:      body.Manual,
		ResolvedBy:  resolvedBy(r, body.ResolvedBy),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

func (s *Server) handleBulkResolve(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req crmsync.BulkResolveRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	req.WorkspaceID = chi.URLParam(r, "workspaceID")
	req.ResolvedBy = resolvedBy(r, req.ResolvedBy)
	result, err := s.svc.BulkResolve(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// resolvedBy defaults the resolver identity to the token subject.
func resolvedBy(r *http.Request, explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	if claims, ok := claimsFrom(r.Context()); ok {
		return claims.Subject
	}
	return ""
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	depth, err := s.svc.QueueDepth(r.Context(), workspaceID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := map[string]any{"workspaceId": workspaceID, "depth": depth}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		filter := crmsync.QueueFilter{
			WorkspaceID: workspaceID,
			Limit:       parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000),
		}
		for _, status := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, crmsync.QueueStatus(strings.TrimSpace(status)))
		}
		items, err := s.svc.ListQueue(r.Context(), filter)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if items == nil {
			items = []crmsync.SyncQueueItem{}
		}
		resp["items"] = items
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 500)
	items, err := s.svc.RecentFailures(r.Context(), chi.URLParam(r, "workspaceID"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []crmsync.SyncQueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	from, err := parseDay(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid from date", correlationID)
		return
	}
	to, err := parseDay(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid to date", correlationID)
		return
	}
	metrics, err := s.svc.DailyMetrics(r.Context(), chi.URLParam(r, "workspaceID"), from, to)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if metrics == nil {
		metrics = []crmsync.SyncMetric{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": metrics})
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	object, err := s.svc.GetObjectSettings(r.Context(), chi.URLParam(r, "workspaceID"), crmsync.EntityType(chi.URLParam(r, "entityType")))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, object)
}

func (s *Server) handleConfigureObject(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var object crmsync.ObjectSettings
	if !s.decodeJSONBody(w, r, correlationID, &object) {
		return
	}
	entityType, err := crmsync.ParseEntityType(chi.URLParam(r, "entityType"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	object.WorkspaceID = chi.URLParam(r, "workspaceID")
	object.EntityType = entityType
	saved, err := s.svc.ConfigureObject(r.Context(), object)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

type workspaceBody struct {
	AccountID     string               `json:"accountId"`
	WebhookSecret string               `json:"webhookSecret"`
	DeletePolicy  crmsync.DeletePolicy `json:"deletePolicy"`
	AutoResolve   crmsync.Strategy     `json:"autoResolve"`
}

func (s *Server) handleConfigureWorkspace(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body workspaceBody
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	saved, err := s.svc.ConfigureWorkspace(r.Context(), crmsync.WorkspaceSettings{
		WorkspaceID:   chi.URLParam(r, "workspaceID"),
		AccountID:     body.AccountID,
		WebhookSecret: body.WebhookSecret,
		DeletePolicy:  body.DeletePolicy,
		AutoResolve:   body.AutoResolve,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeadLetterReplay(w http.ResponseWriter, r *http.Request) {
	item, err := s.svc.ReplayDeadLetter(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "itemID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) handleDeadLetterAck(w http.ResponseWriter, r *http.Request) {
	item, err := s.svc.AcknowledgeDeadLetter(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "itemID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
