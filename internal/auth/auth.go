// Package auth resolves the bearer token used by the REST client and the
// socket handshake.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/fleetchat/internal/apierr"
)

const (
	// DefaultExpirySkew refreshes an access token this long before it expires.
	DefaultExpirySkew = 30 * time.Second
	// DefaultCacheTTL bounds how long a credential pair read from the store is
	// trusted before the store is consulted again.
	DefaultCacheTTL = time.Minute

	cacheKey = "credentials"
)

// Credentials is a cached access/refresh token pair.
type Credentials struct {
	Access  string
	Refresh string
}

// TokenStore persists credentials between runs.
type TokenStore interface {
	Load(ctx context.Context) (Credentials, error)
	Save(ctx context.Context, creds Credentials) error
	Clear(ctx context.Context) error
}

// Refresher exchanges a refresh token for a new pair. It returns
// apierr.ErrUnauthorized when the refresh token itself was rejected.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock sets the clock used for expiry checks.
func WithClock(c clockwork.Clock) Option {
	return func(r *Resolver) { r.clock = c }
}

// WithLogger sets the resolver's logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// WithExpirySkew overrides DefaultExpirySkew.
func WithExpirySkew(d time.Duration) Option {
	return func(r *Resolver) { r.skew = d }
}

// Resolver hands out a usable access token, refreshing it when expired.
// Concurrent refreshes collapse into one exchange.
type Resolver struct {
	store     TokenStore
	refresher Refresher
	cache     geche.Geche[string, Credentials]
	group     singleflight.Group
	clock     clockwork.Clock
	skew      time.Duration
	log       *zap.Logger
}

// NewResolver creates a Resolver. The credential cache is swept until ctx is done.
func NewResolver(ctx context.Context, store TokenStore, refresher Refresher, opts ...Option) *Resolver {
	r := &Resolver{
		store:     store,
		refresher: refresher,
		cache:     geche.NewMapTTLCache[string, Credentials](ctx, DefaultCacheTTL, DefaultCacheTTL),
		clock:     clockwork.NewRealClock(),
		skew:      DefaultExpirySkew,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Token returns a non-expired access token. If the cached access token is
// missing or expired it attempts a refresh. It fails with
// apierr.ErrNoCredentials when neither token is available.
func (r *Resolver) Token(ctx context.Context) (string, error) {
	creds, err := r.load(ctx)
	if err != nil {
		return "", err
	}
	if creds.Access != "" && !r.expired(creds.Access) {
		return creds.Access, nil
	}
	if creds.Refresh == "" {
		return "", apierr.ErrNoCredentials
	}
	fresh, err := r.refresh(ctx, creds.Refresh)
	if err != nil {
		return "", err
	}
	return fresh.Access, nil
}

// ForceRefresh exchanges the refresh token even if the access token still
// looks valid. The REST client calls it after a 401.
func (r *Resolver) ForceRefresh(ctx context.Context) (string, error) {
	creds, err := r.load(ctx)
	if err != nil {
		return "", err
	}
	if creds.Refresh == "" {
		return "", apierr.ErrNoCredentials
	}
	fresh, err := r.refresh(ctx, creds.Refresh)
	if err != nil {
		return "", err
	}
	return fresh.Access, nil
}

// Login stores a new credential pair.
func (r *Resolver) Login(ctx context.Context, creds Credentials) error {
	if creds.Access == "" && creds.Refresh == "" {
		return apierr.Invalid("access or refresh token is required")
	}
	if err := r.store.Save(ctx, creds); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	r.cache.Set(cacheKey, creds)
	return nil
}

// Logout forgets the cached credentials.
func (r *Resolver) Logout(ctx context.Context) error {
	_ = r.cache.Del(cacheKey)
	if err := r.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

func (r *Resolver) load(ctx context.Context) (Credentials, error) {
	if creds, err := r.cache.Get(cacheKey); err == nil {
		return creds, nil
	}
	creds, err := r.store.Load(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	if creds.Access == "" && creds.Refresh == "" {
		return Credentials{}, apierr.ErrNoCredentials
	}
	r.cache.Set(cacheKey, creds)
	return creds, nil
}

func (r *Resolver) refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	v, err, shared := r.group.Do(refreshToken, func() (any, error) {
		fresh, err := r.refresher.Refresh(ctx, refreshToken)
		if err != nil {
			if errors.Is(err, apierr.ErrUnauthorized) {
				r.log.Warn("refresh token rejected, clearing credentials")
				_ = r.Logout(context.WithoutCancel(ctx))
			}
			return Credentials{}, err
		}
		if fresh.Refresh == "" {
			fresh.Refresh = refreshToken
		}
		if err := r.store.Save(ctx, fresh); err != nil {
			return Credentials{}, fmt.Errorf("save credentials: %w", err)
		}
		r.cache.Set(cacheKey, fresh)
		r.log.Debug("access token refreshed")
		return fresh, nil
	})
	if err != nil {
		return Credentials{}, err
	}
	if shared {
		r.log.Debug("joined in-flight token refresh")
	}
	return v.(Credentials), nil
}

// expired reports whether a JWT access token is past its exp claim, minus
// the skew. Tokens that are not JWTs, or carry no exp, never expire locally.
func (r *Resolver) expired(token string) bool {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !r.clock.Now().Add(r.skew).Before(claims.ExpiresAt.Time)
}
