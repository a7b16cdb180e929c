package authx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

// Principal is what a verified token says about the caller. AccountID is the SIBOL account
// the token was issued for; it is zero when the issuer does not carry one.
type Principal struct {
	Subject   string
	AccountID int64
	Name      string
	Role      string
	Roles     []string
}

type Verifier struct {
	parser *jwt.Parser
	key    jwt.Keyfunc
}

// NewHMACVerifier accepts HS256 tokens signed with the SIBOL session secret.
func NewHMACVerifier(secret string, clockSkewSeconds int) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: missing secret", ErrInvalidToken)
	}
	if clockSkewSeconds < 0 {
		clockSkewSeconds = 0
	}
	key := []byte(secret)
	return &Verifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(time.Duration(clockSkewSeconds)*time.Second),
		),
		key: func(*jwt.Token) (any, error) { return key, nil },
	}, nil
}

// NewJWKSVerifier accepts asymmetric tokens from an OIDC issuer, resolving keys by kid.
func NewJWKSVerifier(issuer string, audience string, jwksURL string, ttlSeconds int, clockSkewSeconds int) (*Verifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	if jwksURL == "" {
		jwksURL = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 300
	}
	if clockSkewSeconds < 0 {
		clockSkewSeconds = 0
	}

	cache := NewJWKSCache(jwksURL, time.Duration(ttlSeconds)*time.Second, &http.Client{Timeout: 5 * time.Second})
	return &Verifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(time.Duration(clockSkewSeconds)*time.Second),
		),
		key: func(token *jwt.Token) (any, error) {
			kid, _ := token.Header["kid"].(string)
			kid = strings.TrimSpace(kid)
			if kid == "" {
				return nil, ErrUnknownKID
			}
			return cache.GetKey(context.Background(), kid)
		},
	}, nil
}

func (v *Verifier) Verify(rawToken string) (Principal, error) {
	rawToken = strings.TrimSpace(rawToken)
	if v == nil || rawToken == "" {
		return Principal{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(rawToken, claims, v.key); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	p := Principal{
		Subject: claimString(claims, "sub"),
		Name:    claimString(claims, "name", "full_name", "preferred_username"),
		Roles:   parseRoles(claims),
	}
	p.Role = claimString(claims, "user_role", "role")
	if p.Role == "" && len(p.Roles) > 0 {
		p.Role = p.Roles[0]
	}
	p.AccountID = claimInt(claims, "account_id")
	if p.AccountID == 0 {
		if n, err := strconv.ParseInt(p.Subject, 10, 64); err == nil {
			p.AccountID = n
		}
	}
	if p.Subject == "" && p.AccountID == 0 {
		return Principal{}, ErrInvalidToken
	}
	return p, nil
}

// LooksLikeJWT separates signed tokens from opaque session ids.
func LooksLikeJWT(raw string) bool {
	return strings.Count(strings.TrimSpace(raw), ".") == 2
}

func claimString(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		v, ok := claims[name]
		if !ok || v == nil {
			continue
		}
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return ""
}

func claimInt(claims jwt.MapClaims, name string) int64 {
	switch t := claims[name].(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n
	}
	return 0
}

type JWKSCache struct {
	url       string
	ttl       time.Duration
	client    *http.Client
	mu        sync.RWMutex
	keysByKID map[string]any
	expiresAt time.Time
}

func NewJWKSCache(url string, ttl time.Duration, client *http.Client) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &JWKSCache{url: url, ttl: ttl, client: client, keysByKID: map[string]any{}}
}

// GetKey serves from cache while fresh. A failed refresh falls back to a still-valid cached key.
func (c *JWKSCache) GetKey(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}
	if key, ok := c.cached(kid); ok {
		return key, nil
	}
	if err := c.refresh(ctx); err != nil {
		if key, ok := c.cached(kid); ok {
			return key, nil
		}
		return nil, err
	}
	c.mu.RLock()
	key := c.keysByKID[kid]
	c.mu.RUnlock()
	if key == nil {
		return nil, ErrUnknownKID
	}
	return key, nil
}

func (c *JWKSCache) cached(kid string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key := c.keysByKID[kid]
	return key, key != nil && time.Now().Before(c.expiresAt)
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("jwks fetch failed: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return err
	}
	keys := make(map[string]any, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid := strings.TrimSpace(key.KeyID())
		if kid == "" {
			continue
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			continue
		}
		keys[kid] = raw
	}
	if len(keys) == 0 {
		return errors.New("no usable jwks keys")
	}

	c.mu.Lock()
	c.keysByKID = keys
	c.expiresAt = time.Now().Add(c.ttl)
	c.mu.Unlock()
	return nil
}

func parseRoles(claims map[string]any) []string {
	var roles []string
	seen := map[string]bool{}
	add := func(role string) {
		role = strings.TrimSpace(role)
		if role == "" || seen[role] {
			return
		}
		seen[role] = true
		roles = append(roles, role)
	}

	for _, key := range []string{"user_role", "role", "roles"} {
		switch t := claims[key].(type) {
		case nil:
		case []string:
			for _, role := range t {
				add(role)
			}
		case []any:
			for _, role := range t {
				add(fmt.Sprint(role))
			}
		case string:
			for _, role := range strings.Fields(t) {
				add(role)
			}
		default:
			add(fmt.Sprint(t))
		}
	}
	return roles
}
