// Package jwks verifies Ed25519-signed bearer tokens against a remote JSON
// Web Key Set.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is wrapped by every token rejection.
var ErrUnauthorized = errors.New("unauthorized")

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // Public key, base64url
}

// PublicKey decodes an OKP Ed25519 key.
func (k JWK) PublicKey() (ed25519.PublicKey, error) {
	if k.Kty != "OKP" || k.Crv != "Ed25519" || (k.Alg != "" && k.Alg != "EdDSA") {
		return nil, fmt.Errorf("unsupported key type %s/%s", k.Kty, k.Crv)
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(x) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes", len(x))
	}
	return ed25519.PublicKey(x), nil
}

// Claims are the claims qrseald reads from a bearer token.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	issuer     string
	audience   string
	httpClient *http.Client
	ttl        time.Duration

	mu        sync.RWMutex
	jwks      *JWKS
	expiresAt time.Time
}

// NewClient creates a client that accepts tokens from issuer for audience,
// signed by a key published at jwksURL.
func NewClient(jwksURL, issuer, audience string) *Client {
	return &Client{
		jwksURL:  jwksURL,
		issuer:   issuer,
		audience: audience,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		ttl: 5 * time.Minute,
	}
}

// fetchJWKS fetches the key set from the issuer
func (c *Client) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var set JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &set, nil
}

// keySet returns the cached key set, fetching it when stale or when refresh
// is set.
func (c *Client) keySet(ctx context.Context, refresh bool) (*JWKS, error) {
	if !refresh {
		c.mu.RLock()
		if c.jwks != nil && time.Now().Before(c.expiresAt) {
			set := c.jwks
			c.mu.RUnlock()
			return set, nil
		}
		c.mu.RUnlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if !refresh && c.jwks != nil && time.Now().Before(c.expiresAt) {
		return c.jwks, nil
	}

	set, err := c.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	c.jwks = set
	c.expiresAt = time.Now().Add(c.ttl)
	return set, nil
}

// key finds kid in the key set, refetching once so rotated keys are picked up.
func (c *Client) key(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	for _, refresh := range []bool{false, true} {
		set, err := c.keySet(ctx, refresh)
		if err != nil {
			return nil, err
		}
		for _, k := range set.Keys {
			if k.Kid == kid {
				return k.PublicKey()
			}
		}
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// Validate verifies tokenString and returns its claims. The token must be
// EdDSA-signed, unexpired and carry the configured issuer and audience.
func (c *Client) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("missing or invalid kid in JWT header")
		}
		return c.key(ctx, kid)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return claims, nil
}
