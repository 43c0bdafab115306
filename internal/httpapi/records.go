package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agentworkforce/crmsync/internal/crmsync"
)

func recordKey(r *http.Request) (crmsync.EntityKey, error) {
	entityType, err := crmsync.ParseEntityType(chi.URLParam(r, "entityType"))
	if err != nil {
		return crmsync.EntityKey{}, err
	}
	return crmsync.EntityKey{
		WorkspaceID: chi.URLParam(r, "workspaceID"),
		EntityType:  entityType,
		EntityID:    chi.URLParam(r, "entityID"),
	}, nil
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	entityType, err := crmsync.ParseEntityType(chi.URLParam(r, "entityType"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	filter := crmsync.RecordFilter{
		WorkspaceID: chi.URLParam(r, "workspaceID"),
		EntityType:  entityType,
		Limit:       parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("ids")); raw != "" {
		filter.IDs = strings.Split(raw, ",")
	}
	records, err := s.svc.ListRecords(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if records == nil {
		records = []crmsync.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	key, err := recordKey(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	record, err := s.svc.GetRecord(r.Context(), key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body struct {
		ID     string         `json:"id"`
		Fields crmsync.Fields `json:"fields"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	change, err := s.svc.CreateRecord(r.Context(), chi.URLParam(r, "workspaceID"), crmsync.EntityType(chi.URLParam(r, "entityType")), body.ID, body.Fields)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, change)
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	key, err := recordKey(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var body struct {
		Fields crmsync.Fields `json:"fields"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	change, err := s.svc.UpdateRecord(r.Context(), key, body.Fields)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	key, err := recordKey(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	change, err := s.svc.DeleteRecord(r.Context(), key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, change)
}
