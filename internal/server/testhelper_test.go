package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/cadence/internal/app"
	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/models"
	"github.com/bobmcallan/cadence/internal/pkce"
	"github.com/bobmcallan/cadence/internal/storage/memory"
)

const (
	testRedirectURI = "https://client.example/callback"
	testServiceKey  = "svc-key"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubPublisher struct {
	mu        sync.Mutex
	published []string
	retracted []string
}

func (p *stubPublisher) Publish(_ context.Context, content, platform, _ string) (*models.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, content)
	ref := fmt.Sprintf("%s-%d", platform, len(p.published))
	return &models.PublishResult{Reference: ref, URL: "https://social.test/" + ref, PublishedAt: t0}, nil
}

func (p *stubPublisher) UndoPublish(_ context.Context, reference string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retracted = append(p.retracted, reference)
	return nil
}

type testEnv struct {
	srv       *httptest.Server
	app       *app.App
	publisher *stubPublisher

	mu    sync.Mutex
	now   time.Time
	codes int
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

// nextCode issues AC-1, AC-2, ...
func (e *testEnv) nextCode() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes++
	return fmt.Sprintf("AC-%d", e.codes)
}

func newTestEnv(t *testing.T, configure ...func(*common.Config)) *testEnv {
	t.Helper()
	e := &testEnv{publisher: &stubPublisher{}, now: t0}

	cfg := common.NewDefaultConfig()
	cfg.Server.PublicURL = "https://cadence.test"
	cfg.Server.ServiceKey = testServiceKey
	cfg.Features.DefaultTier = "pro"
	for _, f := range configure {
		f(cfg)
	}

	e.app = app.New(cfg, common.NewSilentLogger(), memory.NewManager(), app.Collaborators{Publisher: e.publisher},
		app.WithClock(e.clock),
		app.WithCodeGenerator(e.nextCode),
	)
	e.srv = httptest.NewServer(NewServer(e.app).Handler())
	t.Cleanup(func() {
		e.srv.Close()
		e.app.Close()
	})
	return e
}

// noRedirect returns a client that surfaces 302s to the test.
func (e *testEnv) noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = strings.NewReader(string(b))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.noRedirect().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.noRedirect().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// registerClient registers a public client and returns its id.
func (e *testEnv) registerClient(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/oauth/register", "", map[string]any{
		"client_name":                "Test Assistant",
		"redirect_uris":              []string{testRedirectURI},
		"token_endpoint_auth_method": "none",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	id, _ := body["client_id"].(string)
	require.NotEmpty(t, id)
	return id
}

var requestIDPattern = regexp.MustCompile(`name="request_id" value="([^"]+)"`)

// authorize runs the consent page and approval and returns the code.
func (e *testEnv) authorize(t *testing.T, clientID, challenge, scope string) string {
	t.Helper()
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {scope},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	resp := e.do(t, http.MethodGet, "/oauth/authorize?"+q.Encode(), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	m := requestIDPattern.FindSubmatch(page)
	require.NotNil(t, m, "consent page has no request_id")

	resp = e.postForm(t, "/oauth/authorize",
		url.Values{"request_id": {string(m[1])}, "decision": {"approve"}},
		http.Header{UserHeader: {"user-1"}})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "xyz", loc.Query().Get("state"))
	return loc.Query().Get("code")
}

// login runs the full authorization code flow and returns the token pair.
func (e *testEnv) login(t *testing.T, scope string) map[string]any {
	t.Helper()
	clientID := e.registerClient(t)
	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	challenge, err := pkce.DeriveChallenge(verifier)
	require.NoError(t, err)

	code := e.authorize(t, clientID, challenge, scope)
	resp := e.postForm(t, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pair := decodeBody(t, resp)
	pair["client_id"] = clientID
	return pair
}

func jsonReader(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return strings.NewReader(string(b))
}
