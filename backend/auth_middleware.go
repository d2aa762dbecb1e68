// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const (
	defaultAuthCookie = "wicketkeeper_auth"
	jwksRefreshDelay  = time.Minute
)

// jwksKeys holds the verification keys fetched from a JWKS endpoint.
type jwksKeys struct {
	url string

	mu          sync.RWMutex
	set         jwk.Set
	lastRefresh time.Time
}

func (k *jwksKeys) refresh() error {
	if k.url == "" {
		return fmt.Errorf("no JWKS URL provided")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	set, err := jwk.Fetch(ctx, k.url)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	k.mu.Lock()
	k.set = set
	k.lastRefresh = time.Now()
	k.mu.Unlock()
	return nil
}

func (k *jwksKeys) find(kid string) (any, error) {
	k.mu.RLock()
	set := k.set
	k.mu.RUnlock()
	if set == nil {
		return nil, fmt.Errorf("JWKS not initialized")
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("key %s not found in JWKS", kid)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to materialize key: %w", err)
	}
	return raw, nil
}

// keyFunc resolves the verification key of a token. An unknown kid triggers
// at most one JWKS refresh per minute.
func (k *jwksKeys) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA, *jwt.SigningMethodEd25519:
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token missing 'kid' header")
	}
	key, err := k.find(kid)
	if err == nil {
		return key, nil
	}

	k.mu.RLock()
	stale := time.Since(k.lastRefresh) > jwksRefreshDelay
	k.mu.RUnlock()
	if !stale {
		return nil, err
	}
	if err := k.refresh(); err != nil {
		log.Printf("Error refreshing JWKS: %v", err)
		return nil, err
	}
	return k.find(kid)
}

// jwtAuthMiddleware handles JWT authentication using JWKS.
func jwtAuthMiddleware(opts Options, next http.Handler) http.Handler {
	keys := &jwksKeys{url: opts.AuthJWKSURL}
	if opts.AuthJWKSURL != "" {
		if err := keys.refresh(); err != nil {
			log.Printf("Warning: Failed to fetch JWKS on startup: %v", err)
		}
	} else {
		log.Println("Warning: No AuthJWKSURL provided. JWT validation will fail unless MockAuth is used.")
	}
	return jwtAuthWithKeys(opts, keys, next)
}

// jwtAuthWithKeys sets the user id from a valid token cookie. Requests
// without a valid token proceed anonymously.
func jwtAuthWithKeys(opts Options, keys *jwksKeys, next http.Handler) http.Handler {
	cookieName := opts.AuthCookieName
	if cookieName == "" {
		cookieName = defaultAuthCookie
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(cookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, err := jwt.Parse(cookie.Value, keys.keyFunc)
		if err != nil || !token.Valid {
			if opts.Debug {
				log.Printf("JWT Validation failed: %v", err)
			}
			next.ServeHTTP(w, r)
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if email, ok := claims["email"].(string); ok && email != "" {
				ctx := context.WithValue(r.Context(), userIDKey, normalizeEmail(email))
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
