package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name  ProviderName
	token string
	err   error
	panic bool
	codes []string
}

func (f *fakeProvider) Name() ProviderName { return f.name }

func (f *fakeProvider) AuthCodeURL(state string, scopes []string) string {
	q := url.Values{}
	q.Set("client_id", "fake-client")
	q.Set("state", state)
	q.Set("scope", strings.Join(scopes, " "))
	return "https://provider.example.com/authorize?" + q.Encode()
}

func (f *fakeProvider) Exchange(ctx context.Context, code string) (string, error) {
	f.codes = append(f.codes, code)
	if f.panic {
		panic("boom")
	}
	return f.token, f.err
}

func relayTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.Secret = testSecret
	cfg.Server.BuildTime = "2024-05-01T00:00:00Z"
	cfg.Providers.GitHub = UpstreamProvider{ClientID: "gh-client", ClientSecret: "gh-secret"}
	cfg.AllowList.SiteIDs = []string{"editor.example.com"}
	return cfg
}

func setupRelay(t *testing.T, provider *fakeProvider) (*App, http.Handler) {
	t.Helper()
	app, err := NewAppWithProviders(relayTestConfig(), discardLogger(), map[ProviderName]Provider{
		provider.name: provider,
	})
	require.NoError(t, err)
	return app, app.Routes()
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// startAuth performs /auth and returns the state from the redirect plus the state cookie.
func startAuth(t *testing.T, h http.Handler, query string) (string, *http.Cookie) {
	t.Helper()
	return startAuthFrom(t, h, query, "")
}

// startAuthFrom begins the flow as a popup opened by an editor page at referer.
func startAuthFrom(t *testing.T, h http.Handler, query, referer string) (string, *http.Cookie) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/auth?"+query, nil)
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	rec := serve(h, req)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "__Secure-decap-state" {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "state cookie must be set")
	return state, cookie
}

func callback(h http.Handler, query string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/callback?"+query, nil)
	if cookie != nil {
		req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	}
	return serve(h, req)
}

func plainBody(rec *httptest.ResponseRecorder) string {
	return strings.TrimSpace(rec.Body.String())
}

func TestAuthRedirectsWithConfiguredClient(t *testing.T) {
	app, err := NewApp(context.Background(), relayTestConfig(), discardLogger())
	require.NoError(t, err)
	h := app.Routes()

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/auth?site_id=localhost&provider=github&scope=repo", nil))
	require.Equal(t, http.StatusFound, rec.Code)

	location := rec.Header().Get("Location")
	assert.Contains(t, location, "client_id=gh-client")
	loc, err := url.Parse(location)
	require.NoError(t, err)
	assert.Equal(t, "github.com", loc.Host)
	assert.Equal(t, "repo", loc.Query().Get("scope"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	stored, ok := OpenToken([]byte(testSecret), cookies[0].Value)
	require.True(t, ok)
	assert.Equal(t, loc.Query().Get("state"), string(stored))
}

func TestDevEditorOnPortReceivesToken(t *testing.T) {
	for _, host := range []string{"localhost", "127.0.0.1"} {
		t.Run(host, func(t *testing.T) {
			provider := &fakeProvider{name: ProviderGitHub, token: "tok_1"}
			_, h := setupRelay(t, provider)
			editor := "http://" + host + ":1313"

			state, cookie := startAuthFrom(t, h, "site_id="+host+"&provider=github", editor+"/")

			rec := callback(h, "state="+url.QueryEscape(state)+"&code=abc123", cookie)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			body := rec.Body.String()
			assert.Contains(t, body, `var targetOrigin = "`+editor+`";`)

			posted := runHandshakeScript(t, body,
				openerEvent{source: "opener", data: "authorizing:github", origin: editor},
			)
			assert.Equal(t, []postedMessage{
				{Data: "authorizing:github", Target: editor},
				{Data: `authorization:github:success:{"token":"tok_1"}`, Target: editor},
			}, posted)
		})
	}
}

func TestProductionModeKeepsDevHostPortless(t *testing.T) {
	cfg := relayTestConfig()
	cfg.Server.DevMode = false
	cfg.AllowList.RelaxLocalhost = false
	app, err := NewAppWithProviders(cfg, discardLogger(), map[ProviderName]Provider{
		ProviderGitHub: &fakeProvider{name: ProviderGitHub, token: "tok_1"},
	})
	require.NoError(t, err)
	h := app.Routes()

	state, cookie := startAuthFrom(t, h, "site_id=localhost&provider=github", "http://localhost:1313/")
	rec := callback(h, "state="+url.QueryEscape(state)+"&code=abc123", cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `var targetOrigin = "http://localhost";`)
}

func TestEndToEndTokenDelivery(t *testing.T) {
	provider := &fakeProvider{name: ProviderGitHub, token: "tok_1"}
	_, h := setupRelay(t, provider)

	state, cookie := startAuth(t, h, "site_id=localhost&provider=github&scope=repo")

	rec := callback(h, "state="+url.QueryEscape(state)+"&code=abc123", cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := rec.Body.String()
	assert.Contains(t, body, `"tok_1"`)
	assert.NotContains(t, body, testSecret)
	assert.Contains(t, body, `var targetOrigin = "http://localhost";`)
	assert.Equal(t, []string{"abc123"}, provider.codes)

	posted := runHandshakeScript(t, body,
		openerEvent{source: "opener", data: "authorizing:github", origin: "http://localhost"},
	)
	require.Len(t, posted, 2)
	assert.Equal(t, postedMessage{Data: `authorization:github:success:{"token":"tok_1"}`, Target: "http://localhost"}, posted[1])
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == cookie.Name && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "state cookie must be deleted")
}

func TestCallbackReplayRejected(t *testing.T) {
	provider := &fakeProvider{name: ProviderGitHub, token: "tok_1"}
	_, h := setupRelay(t, provider)

	state, cookie := startAuth(t, h, "site_id=editor.example.com&provider=github")
	first := callback(h, "state="+url.QueryEscape(state)+"&code=abc123", cookie)
	require.Equal(t, http.StatusOK, first.Code)

	// the browser honoured the deletion, so the replay arrives without the cookie
	replay := callback(h, "state="+url.QueryEscape(state)+"&code=abc123", nil)
	assert.Equal(t, http.StatusBadRequest, replay.Code)
	assert.Equal(t, msgInvalidState, plainBody(replay))
	assert.Len(t, provider.codes, 1)
}

func TestCallbackMismatchedStateRejected(t *testing.T) {
	provider := &fakeProvider{name: ProviderGitHub, token: "tok_1"}
	_, h := setupRelay(t, provider)

	stateA, _ := startAuth(t, h, "site_id=editor.example.com&provider=github")
	_, cookieB := startAuth(t, h, "site_id=editor.example.com&provider=github")

	rec := callback(h, "state="+url.QueryEscape(stateA)+"&code=abc123", cookieB)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, msgInvalidState, plainBody(rec))
	assert.Empty(t, provider.codes, "exchange must not run without a valid state")
}

func TestCallbackMissingCode(t *testing.T) {
	provider := &fakeProvider{name: ProviderGitHub, token: "tok_1"}
	_, h := setupRelay(t, provider)

	state, cookie := startAuth(t, h, "site_id=editor.example.com&provider=github")
	rec := callback(h, "state="+url.QueryEscape(state), cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, msgInvalidCode, plainBody(rec))
	assert.Empty(t, provider.codes)
}

func TestCallbackProviderDenied(t *testing.T) {
	provider := &fakeProvider{name: ProviderGitHub, token: "tok_1"}
	_, h := setupRelay(t, provider)

	state, cookie := startAuth(t, h, "site_id=editor.example.com&provider=github")
	rec := callback(h, "state="+url.QueryEscape(state)+"&error=access_denied&error_description=The+user+has+denied+your+application+access.", cookie)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `{"message":"The user has denied your application access."}`)
	assert.Contains(t, body, `var targetOrigin = "https://editor.example.com";`)
	assert.Empty(t, provider.codes)
}

func TestCallbackExchangeFailures(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
		handshake  bool
	}{
		{
			name:       "protocol",
			err:        &UpstreamProtocolError{Provider: ProviderGitHub, Code: "bad_verification_code", Description: "The code passed is incorrect or expired."},
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"message":"The code passed is incorrect or expired."}`,
			handshake:  true,
		},
		{
			name:       "network",
			err:        &UpstreamNetworkError{Provider: ProviderGitHub, Err: errors.New("dial tcp: connection refused")},
			wantStatus: http.StatusInternalServerError,
			wantBody:   msgNetworkError,
		},
		{
			name:       "unknown",
			err:        errors.New("something odd with " + testSecret),
			wantStatus: http.StatusInternalServerError,
			wantBody:   msgInternalError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := &fakeProvider{name: ProviderGitHub, err: tc.err}
			_, h := setupRelay(t, provider)

			state, cookie := startAuth(t, h, "site_id=editor.example.com&provider=github")
			rec := callback(h, "state="+url.QueryEscape(state)+"&code=abc123", cookie)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.NotContains(t, rec.Body.String(), testSecret)
			if tc.handshake {
				assert.Contains(t, rec.Body.String(), tc.wantBody)
				assert.Contains(t, rec.Body.String(), `"error"`)
			} else {
				assert.Equal(t, tc.wantBody, plainBody(rec))
			}
		})
	}
}

func TestAuthRejectsBadInput(t *testing.T) {
	provider := &fakeProvider{name: ProviderGitHub, token: "tok_1"}
	_, h := setupRelay(t, provider)

	cases := []struct {
		name    string
		query   string
		referer string
		want    string
	}{
		{"unknown site", "site_id=evil.example.com&provider=github", "", msgInvalidSiteID},
		{"missing site", "provider=github", "", msgInvalidSiteID},
		{"unknown provider", "site_id=editor.example.com&provider=bitbucket", "", msgInvalidProvider},
		{"unconfigured provider", "site_id=editor.example.com&provider=gitlab", "", msgInvalidProvider},
		{"foreign referer", "site_id=editor.example.com&provider=github", "https://evil.example.com/admin/", msgInvalidReferer},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/auth?"+tc.query, nil)
			if tc.referer != "" {
				req.Header.Set("Referer", tc.referer)
			}
			rec := serve(h, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.want, plainBody(rec))
			assert.Empty(t, rec.Result().Cookies(), "no state cookie on rejection")
		})
	}
}

func TestFallbackSentinel(t *testing.T) {
	_, h := setupRelay(t, &fakeProvider{name: ProviderGitHub})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/", nil),
		httptest.NewRequest(http.MethodGet, "/admin", nil),
		httptest.NewRequest(http.MethodPost, "/auth", nil),
		httptest.NewRequest(http.MethodDelete, "/callback", nil),
	} {
		rec := serve(h, req)
		assert.Equal(t, http.StatusTeapot, rec.Code, "%s %s", req.Method, req.URL.Path)
		assert.Equal(t, SentinelBody, rec.Body.String())
	}
}

func TestResponseHeaders(t *testing.T) {
	provider := &fakeProvider{name: ProviderGitHub, token: "tok_1"}
	_, h := setupRelay(t, provider)

	state, cookie := startAuth(t, h, "site_id=localhost&provider=github")
	rec := callback(h, "state="+url.QueryEscape(state)+"&code=abc123", cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "2024-05-01T00:00:00Z", rec.Header().Get("Build-Time"))
	assert.Equal(t, "origin", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	csp := rec.Header().Get("Content-Security-Policy")
	m := regexp.MustCompile(`script-src-elem 'nonce-([A-Za-z0-9_-]+)'`).FindStringSubmatch(csp)
	require.Len(t, m, 2, "csp %q", csp)
	assert.Contains(t, csp, "default-src 'none'")
	assert.Contains(t, csp, "frame-ancestors 'none'")
	assert.Contains(t, rec.Body.String(), `<script nonce="`+m[1]+`">`)

	other := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "2024-05-01T00:00:00Z", other.Header().Get("Build-Time"))
	assert.NotEqual(t, csp, other.Header().Get("Content-Security-Policy"), "nonce must differ per response")
}

func TestCallbackPanicRecovered(t *testing.T) {
	provider := &fakeProvider{name: ProviderGitHub, panic: true}
	_, h := setupRelay(t, provider)

	state, cookie := startAuth(t, h, "site_id=editor.example.com&provider=github")
	rec := callback(h, "state="+url.QueryEscape(state)+"&code=abc123", cookie)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestNewAppRequiresSecret(t *testing.T) {
	cfg := relayTestConfig()
	cfg.Server.Secret = ""
	_, err := NewApp(context.Background(), cfg, discardLogger())
	var cfgErr *ConfigError
	assert.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
}
