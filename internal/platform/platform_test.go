package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spacesedan/hookflow/config"
	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/db/dbtest"
	"github.com/spacesedan/hookflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestMetricsScore(t *testing.T) {
	assert.Equal(t, 0.0, Metrics{}.Score())
	assert.InDelta(t, 2.8, Metrics{Likes: 10, Comments: 3, Shares: 1, Impressions: 900}.Score(), 1e-9)
	assert.Equal(t, 100.0, Metrics{Likes: 5000}.Score())
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status   int
		body     string
		kind     apperr.Kind
		terminal bool
	}{
		{401, "expired", apperr.KindUnauthorized, true},
		{403, "scope", apperr.KindUnauthorized, true},
		{429, "slow", apperr.KindRateLimit, false},
		{503, "down", apperr.KindExternalService, false},
		{422, "violates content policy", apperr.KindExternalService, true},
		{400, "missing field", apperr.KindValidation, true},
		{404, "gone", apperr.KindNotFound, true},
	}
	for _, tc := range cases {
		err := ClassifyStatus("op", tc.status, tc.body)
		assert.Equal(t, tc.kind, apperr.KindOf(err), "status %d", tc.status)
		assert.Equal(t, tc.terminal, apperr.IsTerminal(err), "status %d", tc.status)
	}
}

func TestHTTPPlatformPublishAndAnalytics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/posts":
			var req PublishRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "hello", req.Content)
			_ = json.NewEncoder(w).Encode(PublishResult{RemoteID: "r-1", RemoteURL: "https://x/r-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/v2/posts/r-1/metrics":
			_ = json.NewEncoder(w).Encode(Metrics{Likes: 4, Impressions: 100})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewHTTPPlatform(config.PlatformAPIConfig{Name: "linkedin", BaseURL: srv.URL + "/v2/"})
	tok := &oauth2.Token{AccessToken: "tok", TokenType: "Bearer"}

	res, err := p.Publish(context.Background(), tok, PublishRequest{PostID: 1, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "r-1", res.RemoteID)

	m, err := p.FetchAnalytics(context.Background(), tok, "r-1")
	require.NoError(t, err)
	assert.Equal(t, 4, m.Likes)
	assert.Equal(t, 100, m.Impressions)
}

func TestHTTPPlatformClassifiesFailures(t *testing.T) {
	status := http.StatusUnauthorized
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer srv.Close()
	p := NewHTTPPlatform(config.PlatformAPIConfig{Name: "linkedin", BaseURL: srv.URL})
	tok := &oauth2.Token{AccessToken: "tok"}

	_, err := p.Publish(context.Background(), tok, PublishRequest{Content: "x"})
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))

	status = http.StatusBadGateway
	_, err = p.Publish(context.Background(), tok, PublishRequest{Content: "x"})
	assert.True(t, apperr.Is(err, apperr.KindExternalService))
	assert.False(t, apperr.IsTerminal(err))

	srv.Close()
	_, err = p.Publish(context.Background(), tok, PublishRequest{Content: "x"})
	assert.True(t, apperr.Is(err, apperr.KindExternalService))
	assert.False(t, apperr.IsTerminal(err))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewHTTPPlatform(config.PlatformAPIConfig{Name: "linkedin"}))
	p, err := r.Get("linkedin")
	require.NoError(t, err)
	assert.Equal(t, "linkedin", p.Name())

	_, err = r.Get("myspace")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func tokenServer(t *testing.T, status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","refresh_token":"refresh-2","expires_in":3600}`))
			return
		}
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
}

func TestCredentialsValidToken(t *testing.T) {
	store := dbtest.NewMemStore()
	require.NoError(t, store.SavePlatformCredential(context.Background(), models.PlatformCredential{
		TenantID: 7, Platform: "linkedin", AccessToken: "live", Expiry: time.Now().Add(time.Hour),
	}))

	tok, err := NewCredentials(store, nil).Token(context.Background(), 7, "linkedin")
	require.NoError(t, err)
	assert.Equal(t, "live", tok.AccessToken)
}

func TestCredentialsMissingOrExpiredIsUnauthorized(t *testing.T) {
	store := dbtest.NewMemStore()
	creds := NewCredentials(store, nil)

	_, err := creds.Token(context.Background(), 7, "linkedin")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
	assert.True(t, apperr.IsTerminal(err))

	require.NoError(t, store.SavePlatformCredential(context.Background(), models.PlatformCredential{
		TenantID: 7, Platform: "linkedin", AccessToken: "old", RefreshToken: "refresh-1", Expiry: time.Now().Add(-time.Hour),
	}))
	_, err = creds.Token(context.Background(), 7, "linkedin")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestCredentialsRefreshesAndPersists(t *testing.T) {
	srv := tokenServer(t, http.StatusOK)
	defer srv.Close()

	store := dbtest.NewMemStore()
	require.NoError(t, store.SavePlatformCredential(context.Background(), models.PlatformCredential{
		TenantID: 7, Platform: "linkedin", AccessToken: "old", RefreshToken: "refresh-1", Expiry: time.Now().Add(-time.Hour),
	}))
	creds := NewCredentials(store, []config.PlatformAPIConfig{{Name: "linkedin", TokenURL: srv.URL, ClientID: "id", ClientSecret: "secret"}})

	tok, err := creds.Token(context.Background(), 7, "linkedin")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)

	saved, err := store.GetPlatformCredential(context.Background(), 7, "linkedin")
	require.NoError(t, err)
	assert.Equal(t, "fresh", saved.AccessToken)
	assert.Equal(t, "refresh-2", saved.RefreshToken)
	assert.True(t, saved.Expiry.After(time.Now()))
}

func TestCredentialsRejectedRefreshIsUnauthorized(t *testing.T) {
	srv := tokenServer(t, http.StatusBadRequest)
	defer srv.Close()

	store := dbtest.NewMemStore()
	require.NoError(t, store.SavePlatformCredential(context.Background(), models.PlatformCredential{
		TenantID: 7, Platform: "linkedin", AccessToken: "old", RefreshToken: "refresh-1", Expiry: time.Now().Add(-time.Hour),
	}))
	creds := NewCredentials(store, []config.PlatformAPIConfig{{Name: "linkedin", TokenURL: srv.URL}})

	_, err := creds.Token(context.Background(), 7, "linkedin")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}
