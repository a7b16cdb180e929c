// Package session resolves the acting SIBOL account for a request.
//
// A bearer token is either a signed JWT issued by SIBOL (or an OIDC issuer) or an opaque
// session id stored in Redis by the SIBOL login flow. This service only reads sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sibol-maintenance/shared/authx"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNoResolver      = errors.New("no session resolver configured")
)

// Identity is the acting user. It travels on the request context and is handed to
// controllers explicitly.
type Identity struct {
	AccountID int64  `json:"account_id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	Token     string `json:"-"`
}

func (i Identity) Valid() bool { return i.AccountID > 0 }

// IsStaff reports whether the role may accept, verify or delete tickets.
func (i Identity) IsStaff() bool {
	r := strings.ToLower(i.Role)
	return strings.Contains(r, "staff") || strings.Contains(r, "admin")
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.Valid()
}

// JSONCache is the slice of cachex.Client the store needs.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type Store struct {
	cache JSONCache
	ttl   time.Duration
}

// NewStore reads sessions through cache. A positive ttl slides the session on every hit.
func NewStore(cache JSONCache, ttl time.Duration) *Store {
	return &Store{cache: cache, ttl: ttl}
}

type storedSession struct {
	AccountID int64  `json:"account_id"`
	FullName  string `json:"full_name"`
	Name      string `json:"name"`
	UserRole  string `json:"user_role"`
	Role      string `json:"role"`
}

func (s *Store) Lookup(ctx context.Context, token string) (Identity, bool, error) {
	if s == nil || s.cache == nil {
		return Identity{}, false, ErrNoResolver
	}
	var rec storedSession
	found, err := s.cache.GetJSON(ctx, token, &rec)
	if err != nil || !found {
		return Identity{}, false, err
	}
	if s.ttl > 0 {
		_, _ = s.cache.Expire(ctx, token, s.ttl)
	}

	id := Identity{AccountID: rec.AccountID, Name: strings.TrimSpace(rec.FullName), Role: strings.TrimSpace(rec.UserRole), Token: token}
	if id.Name == "" {
		id.Name = strings.TrimSpace(rec.Name)
	}
	if id.Role == "" {
		id.Role = strings.TrimSpace(rec.Role)
	}
	return id, id.Valid(), nil
}

// Resolver tries signed tokens first, then the session store. Either side may be nil.
type Resolver struct {
	Verifiers []*authx.Verifier
	Store     *Store
}

func (r Resolver) Resolve(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	if len(r.Verifiers) == 0 && r.Store == nil {
		return Identity{}, ErrNoResolver
	}

	if authx.LooksLikeJWT(token) {
		for _, v := range r.Verifiers {
			if v == nil {
				continue
			}
			p, err := v.Verify(token)
			if err != nil {
				continue
			}
			id := Identity{AccountID: p.AccountID, Name: p.Name, Role: p.Role, Token: token}
			if !id.Valid() {
				return Identity{}, fmt.Errorf("%w: token carries no account id", ErrUnauthenticated)
			}
			return id, nil
		}
	}

	if r.Store != nil {
		id, ok, err := r.Store.Lookup(ctx, token)
		if err != nil {
			return Identity{}, fmt.Errorf("session lookup: %w", err)
		}
		if ok {
			return id, nil
		}
	}
	return Identity{}, ErrUnauthenticated
}
