package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/gateway"
)

// ServiceKeyHeader authenticates internal callers.
const ServiceKeyHeader = "X-Service-Key"

// handleToolList handles GET /api/tools.
func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tools": s.app.Dispatcher.Tools()})
}

// handleToolInvoke handles POST /api/tools/invoke.
func (s *Server) handleToolInvoke(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var inv gateway.Invocation
	if !DecodeJSON(w, r, &inv) {
		return
	}
	inv.Token = bearerToken(r)

	call, err := s.app.Dispatcher.Dispatch(r.Context(), inv)
	setRateLimitHeaders(w, call.RateLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, call.Result.Payload)
}

// routeActions dispatches /api/actions/{id} and /api/actions/{id}/undo.
func (s *Server) routeActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/actions/"), "/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		WriteError(w, http.StatusNotFound, "action id is required in path")
		return
	}
	switch sub {
	case "":
		s.handleActionGet(w, r, id)
	case "undo":
		s.handleActionUndo(w, r, id)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

// actionStatus is the GET /api/actions/{id} body.
type actionStatus struct {
	*gateway.ActionResponse
	Tool             string    `json:"tool"`
	Preview          string    `json:"preview"`
	CreatedAt        time.Time `json:"created_at"`
	ConsentExpiresAt time.Time `json:"consent_expires_at,omitzero"`
}

func (s *Server) handleActionGet(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	user, err := s.app.Dispatcher.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.app.Dispatcher.Action(r.Context(), user, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := actionStatus{
		ActionResponse: gateway.NewActionResponse(a),
		Tool:           a.Tool,
		Preview:        a.Preview,
		CreatedAt:      a.CreatedAt,
	}
	if resp.Status == gateway.StatusPendingConsent {
		resp.ConsentExpiresAt = a.ConsentExpiresAt
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleActionUndo(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	call, err := s.app.Dispatcher.Undo(r.Context(), bearerToken(r), id)
	if call != nil {
		setRateLimitHeaders(w, call.RateLimit)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, call.Result.Payload)
}

// handleRateLimit handles GET /api/rate-limit?tool=name without consuming quota.
func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	user, err := s.app.Dispatcher.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tool := r.URL.Query().Get("tool")
	if tool == "" {
		WriteError(w, http.StatusBadRequest, "tool query parameter is required")
		return
	}
	status, err := s.app.Dispatcher.RateLimitStatus(r.Context(), user, tool)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	setRateLimitHeaders(w, &status)
	WriteJSON(w, http.StatusOK, map[string]any{
		"tool":         tool,
		"limit":        status.Limit,
		"remaining":    status.Remaining,
		"window_start": status.WindowStart,
		"reset_at":     status.ResetAt,
	})
}

// routeInternalUsers dispatches /api/internal/users/{id}/downgrade.
func (s *Server) routeInternalUsers(w http.ResponseWriter, r *http.Request) {
	userID := PathParam(r, "/api/internal/users/", "/downgrade")
	if userID == "" || !strings.HasSuffix(r.URL.Path, "/downgrade") {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	s.handleDowngrade(w, r, userID)
}

// handleDowngrade narrows a user's grants and revokes their tokens, for
// example after a subscription downgrade.
func (s *Server) handleDowngrade(w http.ResponseWriter, r *http.Request, userID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	key := s.app.Config.Server.ServiceKey
	given := r.Header.Get(ServiceKeyHeader)
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(given)) != 1 {
		WriteGatewayError(w, common.NewError(common.CodeUnauthorized, "invalid service key"))
		return
	}

	var req struct {
		Scopes []string `json:"scopes"`
	}
	if !DecodeJSON(w, r, &req) {
		return
	}
	revoked, err := s.app.Tokens.Downgrade(r.Context(), userID, req.Scopes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"scopes":  req.Scopes,
		"revoked": revoked,
	})
}
