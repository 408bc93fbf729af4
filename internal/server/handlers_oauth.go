package server

import (
	"net/http"
	"net/url"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/models"
	"github.com/bobmcallan/cadence/internal/services/authz"
)

// UserHeader carries the signed-in user's id from the upstream session layer
// to the consent decision endpoint.
const UserHeader = "X-Cadence-User-ID"

// --- Well-Known Metadata Endpoints ---

// handleOAuthProtectedResource handles GET /.well-known/oauth-protected-resource (RFC 9728).
func (s *Server) handleOAuthProtectedResource(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	issuer := s.app.Config.Server.BaseURL()
	WriteJSON(w, http.StatusOK, map[string]any{
		"resource":                 issuer,
		"authorization_servers":    []string{issuer},
		"bearer_methods_supported": []string{"header"},
		"scopes_supported":         s.app.Authz.SupportedScopes(),
	})
}

// handleOAuthAuthorizationServer handles GET /.well-known/oauth-authorization-server (RFC 8414).
func (s *Server) handleOAuthAuthorizationServer(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	issuer := s.app.Config.Server.BaseURL()
	WriteJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"registration_endpoint":                 issuer + "/oauth/register",
		"revocation_endpoint":                   issuer + "/oauth/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post", "client_secret_basic", "none"},
		"scopes_supported":                      s.app.Authz.SupportedScopes(),
	})
}

// --- Dynamic Client Registration (RFC 7591) ---

// handleOAuthRegister handles POST /oauth/register.
func (s *Server) handleOAuthRegister(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req authz.Registration
	if !DecodeJSON(w, r, &req) {
		return
	}

	client, secret, err := s.app.Authz.RegisterClient(r.Context(), req)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	resp := map[string]any{
		"client_id":                  client.ClientID,
		"client_name":                client.ClientName,
		"redirect_uris":              client.RedirectURIs,
		"scope":                      common.FormatScope(client.Scopes),
		"client_id_issued_at":        client.CreatedAt.Unix(),
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "client_secret_post",
	}
	if client.Public {
		resp["token_endpoint_auth_method"] = "none"
	} else {
		resp["client_secret"] = secret
		resp["client_secret_expires_at"] = 0
	}
	WriteJSON(w, http.StatusCreated, resp)
}

// --- Authorization Endpoint ---

// handleOAuthAuthorize handles GET and POST /oauth/authorize.
func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleOAuthAuthorizeGET(w, r)
	case http.MethodPost:
		s.handleOAuthAuthorizePOST(w, r)
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleOAuthAuthorizeGET validates the request and renders the consent page.
func (s *Server) handleOAuthAuthorizeGET(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := authz.AuthorizeParams{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	// Phase 1: an unknown client or unregistered redirect_uri must not be
	// redirected to. The error is shown directly.
	client, err := s.app.Authz.VerifyClient(r.Context(), params.ClientID, params.RedirectURI)
	if err != nil {
		WriteGatewayError(w, err)
		return
	}

	// Phase 2: the redirect target is trusted, so errors go back to the client.
	req, err := s.app.Authz.Authorize(r.Context(), params)
	if err != nil {
		ge := common.AsGatewayError(err)
		s.redirectWithError(w, r, params.RedirectURI, string(ge.Code), ge.Message, params.State)
		return
	}

	renderConsentPage(w, oauthConsentData{
		ClientName: client.ClientName,
		RequestID:  req.ID,
		Scopes:     req.Scopes,
		ExpiresAt:  req.ExpiresAt,
	})
}

// handleOAuthAuthorizePOST records the user's decision on a pending request.
func (s *Server) handleOAuthAuthorizePOST(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	requestID := r.FormValue("request_id")
	if requestID == "" {
		WriteError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	var (
		req *models.AuthorizationRequest
		err error
	)
	switch r.FormValue("decision") {
	case "approve":
		req, err = s.app.Authz.Approve(r.Context(), requestID, r.Header.Get(UserHeader))
	case "deny":
		req, err = s.app.Authz.Deny(r.Context(), requestID)
		if err == nil {
			s.redirectWithError(w, r, req.RedirectURI, string(common.CodeAccessDenied), "The user denied the request", req.State)
			return
		}
	default:
		WriteError(w, http.StatusBadRequest, "decision must be 'approve' or 'deny'")
		return
	}
	if err != nil {
		WriteGatewayError(w, err)
		return
	}

	u, err := url.Parse(req.RedirectURI)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid redirect_uri")
		return
	}
	q := u.Query()
	q.Set("code", req.Code)
	q.Set("state", req.State)
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// redirectWithError redirects to the redirect_uri with error parameters per OAuth 2.1.
func (s *Server) redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, errCode, errDescription, state string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		WriteError(w, http.StatusBadRequest, errDescription)
		return
	}
	q := u.Query()
	q.Set("error", errCode)
	q.Set("error_description", errDescription)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// --- Token Endpoint ---

// handleOAuthToken handles POST /oauth/token for the authorization_code and
// refresh_token grants.
func (s *Server) handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, common.NewError(common.CodeInvalidRequest, "invalid form data"))
		return
	}

	clientID, secret := clientCredentials(r)
	if clientID == "" {
		writeOAuthError(w, common.NewError(common.CodeInvalidRequest, "client_id is required"))
		return
	}

	var (
		pair *models.TokenPair
		err  error
	)
	switch grant := r.PostFormValue("grant_type"); grant {
	case "authorization_code":
		if _, err = s.app.Authz.AuthenticateClient(r.Context(), clientID, secret); err == nil {
			pair, err = s.app.Authz.Exchange(r.Context(), authz.ExchangeParams{
				Code:         r.PostFormValue("code"),
				ClientID:     clientID,
				RedirectURI:  r.PostFormValue("redirect_uri"),
				CodeVerifier: r.PostFormValue("code_verifier"),
			})
		}
	case "refresh_token":
		if _, err = s.app.Authz.AuthenticateClient(r.Context(), clientID, secret); err == nil {
			pair, err = s.app.Tokens.Refresh(r.Context(), clientID,
				r.PostFormValue("refresh_token"), common.ParseScope(r.PostFormValue("scope")))
		}
	case "":
		err = common.NewError(common.CodeInvalidRequest, "grant_type is required")
	default:
		err = common.Errorf(common.CodeUnsupportedGrantType, "grant_type %q is not supported", grant)
	}
	if err != nil {
		if common.CodeOf(err) == common.CodeServerError {
			s.logger.Error().Err(err).Str("client_id", clientID).Msg("Token request failed")
		}
		writeOAuthError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	WriteJSON(w, http.StatusOK, pair)
}

// handleOAuthRevoke handles POST /oauth/revoke (RFC 7009). The response is
// 200 whether or not the token was known.
func (s *Server) handleOAuthRevoke(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, common.NewError(common.CodeInvalidRequest, "invalid form data"))
		return
	}
	clientID, secret := clientCredentials(r)
	if _, err := s.app.Authz.AuthenticateClient(r.Context(), clientID, secret); err != nil {
		writeOAuthError(w, err)
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		writeOAuthError(w, common.NewError(common.CodeInvalidRequest, "token is required"))
		return
	}
	if err := s.app.Tokens.Revoke(r.Context(), token); err != nil {
		s.logger.Error().Err(err).Msg("Token revocation failed")
		writeOAuthError(w, common.WrapError(common.CodeServerError, "revocation failed", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// clientCredentials reads client_secret_basic first, then client_secret_post.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		if uid, err := url.QueryUnescape(id); err == nil {
			id = uid
		}
		if usecret, err := url.QueryUnescape(secret); err == nil {
			secret = usecret
		}
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}
