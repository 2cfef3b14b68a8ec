package platform

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/spacesedan/hookflow/config"
	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/models"
	"golang.org/x/oauth2"
)

type CredentialStore interface {
	GetPlatformCredential(ctx context.Context, tenantID int64, platform string) (models.PlatformCredential, error)
	SavePlatformCredential(ctx context.Context, c models.PlatformCredential) error
}

// Credentials hands out valid tokens, refreshing expired ones through the
// platform's OAuth2 token endpoint when a refresh token is stored.
type Credentials struct {
	store   CredentialStore
	configs map[string]*oauth2.Config
}

func NewCredentials(store CredentialStore, apis []config.PlatformAPIConfig) *Credentials {
	c := &Credentials{store: store, configs: make(map[string]*oauth2.Config, len(apis))}
	for _, api := range apis {
		if api.TokenURL == "" {
			continue
		}
		c.configs[api.Name] = &oauth2.Config{
			ClientID:     api.ClientID,
			ClientSecret: api.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: api.TokenURL, AuthStyle: oauth2.AuthStyleInHeader},
		}
	}
	return c
}

// Token returns a usable token or an Unauthorized error, which is terminal.
func (c *Credentials) Token(ctx context.Context, tenantID int64, platform string) (*oauth2.Token, error) {
	const op = "platform.Token"

	cred, err := c.store.GetPlatformCredential(ctx, tenantID, platform)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.Unauthorized(op, "no credential stored for "+platform, err)
	}
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Expiry:       cred.Expiry,
	}
	if tok.Valid() {
		return tok, nil
	}

	cfg, ok := c.configs[platform]
	if !ok || tok.RefreshToken == "" {
		return nil, apperr.Unauthorized(op, platform+" token expired and cannot be refreshed", nil)
	}

	fresh, err := cfg.TokenSource(ctx, tok).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
			return nil, apperr.Unauthorized(op, platform+" token refresh rejected", err)
		}
		return nil, apperr.External(op, platform+" token refresh failed", err, false)
	}

	if fresh.AccessToken != tok.AccessToken {
		slog.Info("[Credentials] Refreshed platform token",
			slog.Int64("tenant_id", tenantID),
			slog.String("platform", platform))
		saveErr := c.store.SavePlatformCredential(ctx, models.PlatformCredential{
			TenantID:     tenantID,
			Platform:     platform,
			AccessToken:  fresh.AccessToken,
			RefreshToken: fresh.RefreshToken,
			TokenType:    fresh.TokenType,
			Expiry:       fresh.Expiry,
		})
		if saveErr != nil {
			slog.Warn("[Credentials] Failed to persist refreshed token",
				slog.Int64("tenant_id", tenantID),
				slog.String("platform", platform),
				slog.String("error", saveErr.Error()))
		}
	}
	return fresh, nil
}
