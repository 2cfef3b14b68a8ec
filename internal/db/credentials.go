package db

import (
	"context"
	"time"

	"github.com/spacesedan/hookflow/internal/models"
)

func (s *Store) GetPlatformCredential(ctx context.Context, tenantID int64, platform string) (models.PlatformCredential, error) {
	c := models.PlatformCredential{TenantID: tenantID, Platform: platform}
	var expires *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token, token_type, expires_at
		FROM platform_credentials WHERE tenant_id = $1 AND platform = $2`, tenantID, platform,
	).Scan(&c.AccessToken, &c.RefreshToken, &c.TokenType, &expires)
	if err != nil {
		return c, notFound("db.GetPlatformCredential", "credential", platform, err)
	}
	if expires != nil {
		c.Expiry = *expires
	}
	return c, nil
}

// SavePlatformCredential stores a refreshed token pair.
func (s *Store) SavePlatformCredential(ctx context.Context, c models.PlatformCredential) error {
	var expires *time.Time
	if !c.Expiry.IsZero() {
		expires = &c.Expiry
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO platform_credentials (tenant_id, platform, access_token, refresh_token, token_type, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, platform) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN platform_credentials.refresh_token
			                     ELSE EXCLUDED.refresh_token END,
			token_type = EXCLUDED.token_type,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()`,
		c.TenantID, c.Platform, c.AccessToken, c.RefreshToken, c.TokenType, expires)
	return mapError("db.SavePlatformCredential", err)
}
