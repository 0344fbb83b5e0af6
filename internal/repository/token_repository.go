package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-plt-twofa/pkg/apperrors"
)

const revokedTokenPrefix = "twofa:revoked:"

// maxRevocationTTL bounds the redis expiry; longer-lived tokens are revoked without expiry.
const maxRevocationTTL = 10 * 365 * 24 * time.Hour

// TokenRepository keeps the list of revoked bearer token IDs in redis
type TokenRepository struct {
	rdb *redis.Client
}

func NewTokenRepository(rdb *redis.Client) *TokenRepository {
	return &TokenRepository{rdb: rdb}
}

// Revoke marks a token ID as revoked until ttl elapses. Non-positive ttl is a no-op
// since the token has already expired.
func (r *TokenRepository) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if tokenID == "" {
		return apperrors.Validation("token id is required")
	}
	if ttl <= 0 {
		return nil
	}
	if ttl > maxRevocationTTL {
		ttl = 0
	}

	if err := r.rdb.Set(ctx, revokedTokenPrefix+tokenID, 1, ttl).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.KindInternal, "failed to revoke token")
	}
	return nil
}

// IsRevoked reports whether a token ID has been revoked
func (r *TokenRepository) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, nil
	}

	err := r.rdb.Get(ctx, revokedTokenPrefix+tokenID).Err()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, apperrors.Wrap(err, apperrors.KindInternal, "failed to check token revocation")
	default:
		return true, nil
	}
}

// Ping checks redis connectivity
func (r *TokenRepository) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
