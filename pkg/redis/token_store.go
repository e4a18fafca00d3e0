package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/listening-rooms/pkg/apperr"
)

type TokenInfo struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenStore shares short-lived API tokens between server processes so each of them
// does not have to request its own.
type TokenStore struct {
	client *redis.Client
}

// NewTokenStore creates a new token store with the given Redis client
func NewTokenStore(client *redis.Client) *TokenStore {
	return &TokenStore{client: client}
}

// StoreToken keeps the token until it expires.
func (s *TokenStore) StoreToken(ctx context.Context, name string, token *TokenInfo) error {
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	tokenJSON, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := s.client.Set(ctx, tokenKey(name), tokenJSON, ttl).Err(); err != nil {
		return storeErr("store token", err)
	}

	return nil
}

// GetToken returns apperr.ErrNotFound when no unexpired token is stored.
func (s *TokenStore) GetToken(ctx context.Context, name string) (*TokenInfo, error) {
	tokenJSON, err := s.client.Get(ctx, tokenKey(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperr.NotFound("token %s", name)
		}
		return nil, storeErr("get token", err)
	}

	var token TokenInfo
	if err := json.Unmarshal(tokenJSON, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &token, nil
}

func (s *TokenStore) DeleteToken(ctx context.Context, name string) error {
	return storeErr("delete token", s.client.Del(ctx, tokenKey(name)).Err())
}

func tokenKey(name string) string {
	return fmt.Sprintf("token:%s", name)
}

// storeErr classifies a Redis failure.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, apperr.FromContext(err))
	}
	return fmt.Errorf("%s: %w: %v", op, apperr.ErrStoreUnavailable, err)
}
