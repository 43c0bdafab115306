package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body,
// optionally prefixed with "sha256=".
const SignatureHeader = "X-CRM-Signature"

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	accountID := chi.URLParam(r, "accountID")
	result, err := s.svc.Ingest(r.Context(), accountID, body, r.Header.Get(SignatureHeader))
	if err != nil {
		s.logger.Warn("webhook rejected", "account_id", accountID, "correlation_id", correlationID, "error", err)
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Debug("webhook accepted",
		"account_id", accountID,
		"workspace_id", result.WorkspaceID,
		"accepted", result.Accepted,
		"duplicates", result.Duplicates,
	)
	writeJSON(w, http.StatusAccepted, result)
}
