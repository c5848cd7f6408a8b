package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// Token is a cached access token.
type Token struct {
	AccessToken string
	Expiry      time.Time
}

func (t Token) validAt(now time.Time, leeway time.Duration) bool {
	return t.AccessToken != "" && now.Add(leeway).Before(t.Expiry)
}

// TokenSource performs the client-credentials request.
type TokenSource interface {
	FetchToken(ctx context.Context) (*oauth2.Token, error)
}

// TokenStore is an optional second-level cache shared between processes.
type TokenStore interface {
	Load(ctx context.Context) (Token, bool, error)
	Save(ctx context.Context, token Token) error
	// Delete removes the stored token only if it is still accessToken.
	Delete(ctx context.Context, accessToken string) error
}

// ClientCredentials fetches tokens with the OAuth2 client-credentials grant.
type ClientCredentials struct {
	config clientcredentials.Config
	client *http.Client
}

// NewClientCredentials builds a TokenSource from service credentials.
func NewClientCredentials(creds Credentials, client *http.Client) *ClientCredentials {
	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.tokenURL(),
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	if creds.Tenant != "" {
		cfg.EndpointParams = url.Values{"tenant_id": {creds.Tenant}}
	}
	return &ClientCredentials{config: cfg, client: client}
}

// FetchToken implements TokenSource.
func (c *ClientCredentials) FetchToken(ctx context.Context) (*oauth2.Token, error) {
	if c.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	}
	return c.config.Token(ctx)
}

const (
	defaultLeeway   = 30 * time.Second
	defaultTokenTTL = 10 * time.Minute
)

// TokenCache holds the access token of one transport instance. At most one
// refresh is in flight at a time; concurrent callers wait for and share its
// result instead of issuing their own token requests.
type TokenCache struct {
	source  TokenSource
	store   TokenStore
	leeway  time.Duration
	ttl     time.Duration
	now     func() time.Time
	metrics *Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	current Token

	refresh singleflight.Group
}

// NewTokenCache creates an empty cache; the first Token call populates it.
func NewTokenCache(source TokenSource, store TokenStore) *TokenCache {
	return &TokenCache{
		source: source,
		store:  store,
		leeway: defaultLeeway,
		ttl:    defaultTokenTTL,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Token returns a valid access token, fetching one if the cache is empty or expired.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	return c.tokenExcept(ctx, "")
}

// Refresh drops rejected (if it is still the cached token) and fetches a new one.
func (c *TokenCache) Refresh(ctx context.Context, rejected string) (string, error) {
	c.Invalidate(ctx, rejected)
	return c.tokenExcept(ctx, rejected)
}

func (c *TokenCache) tokenExcept(ctx context.Context, rejected string) (string, error) {
	c.mu.RLock()
	current := c.current
	c.mu.RUnlock()
	if current.AccessToken != rejected && current.validAt(c.now(), c.leeway) {
		return current.AccessToken, nil
	}
	return c.fetch(ctx, rejected)
}

// Invalidate clears the cached token if it equals rejected. A token that has
// already been replaced by a concurrent refresh is left alone.
func (c *TokenCache) Invalidate(ctx context.Context, rejected string) {
	if rejected == "" {
		return
	}
	c.mu.Lock()
	if c.current.AccessToken == rejected {
		c.current = Token{}
	}
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.Delete(ctx, rejected); err != nil {
			c.logger.WarnContext(ctx, "audit log token store delete failed", "error", err)
		}
	}
}

// maxRejectedJoins bounds how often a refresh re-joins a flight that came
// back with the token it is replacing.
const maxRejectedJoins = 3

func (c *TokenCache) fetch(ctx context.Context, rejected string) (string, error) {
	for range maxRejectedJoins {
		tok, err := c.join(ctx, rejected)
		if err != nil {
			return "", err
		}
		// A flight started by a plain Token call may have loaded rejected
		// from the store before it was deleted.
		if rejected == "" || tok != rejected {
			return tok, nil
		}
		c.Invalidate(ctx, rejected)
	}
	return "", errors.New("token refresh kept returning the rejected token")
}

func (c *TokenCache) join(ctx context.Context, rejected string) (string, error) {
	ch := c.refresh.DoChan("token", func() (any, error) {
		// The refresh is shared, so it must not die with the first caller.
		fctx := context.WithoutCancel(ctx)

		c.mu.RLock()
		current := c.current
		c.mu.RUnlock()
		if current.AccessToken != rejected && current.validAt(c.now(), c.leeway) {
			return current, nil
		}

		if c.store != nil {
			if stored, ok, err := c.store.Load(fctx); err == nil && ok &&
				stored.AccessToken != rejected && stored.validAt(c.now(), c.leeway) {
				c.set(stored)
				return stored, nil
			}
		}

		c.metrics.incTokenFetch()
		tok, err := c.source.FetchToken(fctx)
		if err != nil {
			return Token{}, err
		}
		if tok.AccessToken == "" {
			return Token{}, errors.New("token endpoint returned an empty access token")
		}
		fresh := Token{AccessToken: tok.AccessToken, Expiry: c.expiryOf(tok)}
		c.set(fresh)
		if c.store != nil {
			if err := c.store.Save(fctx, fresh); err != nil {
				c.logger.WarnContext(fctx, "audit log token store save failed", "error", err)
			}
		}
		return fresh, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(Token).AccessToken, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *TokenCache) set(t Token) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// expiryOf prefers expires_in, then the JWT exp claim, then the default lifetime.
func (c *TokenCache) expiryOf(tok *oauth2.Token) time.Time {
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	if exp, err := jwtExpiry(tok.AccessToken); err == nil {
		return exp
	}
	return c.now().Add(c.ttl)
}

// jwtExpiry reads exp without verifying the signature; the token is only
// forwarded, never trusted here.
func jwtExpiry(raw string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("access token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}
