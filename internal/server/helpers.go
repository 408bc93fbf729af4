package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/models"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response for failures that happen before
// a request reaches a service, such as a wrong method or malformed body.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	code := common.CodeInvalidRequest
	if statusCode >= http.StatusInternalServerError {
		code = common.CodeServerError
	}
	WriteJSON(w, statusCode, common.ErrorBody{Error: message, Code: code, Hint: code.Hint()})
}

// WriteGatewayError writes err in the gateway error shape with the status
// its code maps to. Retry-After is set when the error carries a delay.
func WriteGatewayError(w http.ResponseWriter, err error) {
	ge := common.AsGatewayError(err)
	body := ge.Body()
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	WriteJSON(w, ge.Code.HTTPStatus(), body)
}

// oauthError is the RFC 6749 section 5.2 error body.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeOAuthError writes err in the OAuth token endpoint shape.
func writeOAuthError(w http.ResponseWriter, err error) {
	ge := common.AsGatewayError(err)
	code := ge.Code
	switch code {
	case common.CodeInvalidRequest, common.CodeInvalidGrant, common.CodeInvalidClient,
		common.CodeUnsupportedGrantType, common.CodeAccessDenied, common.CodeServerError:
	case common.CodeInsufficientScope:
		code = "invalid_scope"
	default:
		code = common.CodeInvalidRequest
	}
	status := http.StatusBadRequest
	switch code {
	case common.CodeInvalidClient:
		status = http.StatusUnauthorized
	case common.CodeServerError:
		status = http.StatusInternalServerError
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, status, oauthError{Error: string(code), ErrorDescription: ge.Message})
}

// setRateLimitHeaders reports quota state on a tool response.
func setRateLimitHeaders(w http.ResponseWriter, rl *models.RateLimitResult) {
	if rl == nil {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	if !rl.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
	}
}

// RequireMethod validates the HTTP method and returns true if it matches.
// If it doesn't match, it writes a 405 response and returns false.
func RequireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}

// DecodeJSON reads and decodes JSON from the request body into v.
// Returns false and writes a 400 error if decoding fails.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		WriteError(w, http.StatusBadRequest, "Request body is required")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return false
	}
	return true
}

// PathParam extracts a path parameter from the URL path.
// For a pattern like /api/actions/{id}/undo, calling PathParam(r, "/api/actions/", "/undo")
// extracts the {id} part.
func PathParam(r *http.Request, prefix, suffix string) string {
	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := path[len(prefix):]
	if suffix != "" {
		idx := strings.Index(rest, suffix)
		if idx < 0 {
			return rest
		}
		return rest[:idx]
	}
	if idx := strings.Index(rest, "/"); idx >= 0 {
		return rest[:idx]
	}
	return rest
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

// bearerChallenge renders the RFC 6750 / RFC 9728 WWW-Authenticate value.
func bearerChallenge(issuer string, code common.ErrorCode, description string) string {
	errCode := "invalid_token"
	if code == common.CodeInsufficientScope {
		errCode = "insufficient_scope"
	}
	return fmt.Sprintf(`Bearer error="%s", error_description="%s", resource_metadata="%s/.well-known/oauth-protected-resource"`,
		errCode, strings.ReplaceAll(description, `"`, `'`), issuer)
}
