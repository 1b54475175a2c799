// Package auth verifies bearer tokens on the trigger API against a JWKS
// endpoint. Verification keys are cached and refreshed in the background so
// the request path never waits on a key fetch.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Caller is the authenticated principal behind an API request.
type Caller struct {
	ID    string
	Email string
}

// JWTVerifier validates request tokens with a cached JWKS key set.
type JWTVerifier struct {
	jwksURL     string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	refreshTTL  time.Duration
}

// NewJWTVerifier fetches the initial key set and starts a background refresh.
func NewJWTVerifier(jwksURL string) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh()

	return v, nil
}

func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()

		if err == nil {
			v.keySetMutex.Lock()
			v.keySet = keySet
			v.keySetMutex.Unlock()
		}
		// Errors are retried on the next tick.
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// CallerFromRequest extracts and validates the bearer token on a request.
func (v *JWTVerifier) CallerFromRequest(r *http.Request) (*Caller, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	callerID := token.Subject()
	if callerID == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	var email string
	if claim, ok := token.Get("email"); ok {
		email, _ = claim.(string)
	}

	return &Caller{ID: callerID, Email: email}, nil
}
