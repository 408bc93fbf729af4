package server

import (
	"net/http"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/server"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/mcpserver"
)

// registerRoutes sets up all routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)

	// OAuth 2.1
	mux.HandleFunc("/.well-known/oauth-protected-resource", s.handleOAuthProtectedResource)
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.handleOAuthAuthorizationServer)
	mux.HandleFunc("/oauth/register", s.handleOAuthRegister)
	mux.HandleFunc("/oauth/authorize", s.handleOAuthAuthorize)
	mux.HandleFunc("/oauth/token", s.handleOAuthToken)
	mux.HandleFunc("/oauth/revoke", s.handleOAuthRevoke)

	// Tools
	mux.HandleFunc("/api/tools/invoke", s.handleToolInvoke)
	mux.HandleFunc("/api/tools", s.handleToolList)
	mux.HandleFunc("/api/actions/", s.routeActions)
	mux.HandleFunc("/api/rate-limit", s.handleRateLimit)

	// Internal
	mux.HandleFunc("/api/internal/users/", s.routeInternalUsers)

	// MCP over Streamable HTTP
	httpMCP := mcpgo.NewStreamableHTTPServer(s.app.MCPServer,
		mcpgo.WithStateLess(true),
		mcpgo.WithHTTPContextFunc(mcpserver.HTTPContext),
	)
	mux.Handle("/mcp", s.requireBearer(httpMCP))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.app.StartupTime).Round(time.Second).String(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, common.CurrentVersion())
}

// writeError writes a gateway error, logging server faults and attaching a
// bearer challenge to authentication failures.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ge := common.AsGatewayError(err)
	switch ge.Code {
	case common.CodeServerError:
		s.logger.Error().Err(err).
			Str("path", r.URL.Path).
			Str("correlation_id", common.CorrelationIDFromContext(r.Context())).
			Msg("Request failed")
	case common.CodeUnauthorized, common.CodeInsufficientScope:
		w.Header().Set("WWW-Authenticate", bearerChallenge(s.app.Config.Server.BaseURL(), ge.Code, ge.Message))
	}
	WriteGatewayError(w, ge)
}
