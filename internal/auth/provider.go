// Package auth supplies the bearer token and the identity it belongs to.
//
// The client never verifies the token's signature; the relay and the REST
// backend do. Claims are only read to learn who we are when the config does
// not say so explicitly.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/careline/careline/internal/presence"
	"github.com/careline/careline/internal/proto"
)

var ErrNoToken = errors.New("auth: no token configured")

type Options struct {
	UserID    string
	Role      proto.Role
	Token     string
	TokenFile string
}

// Provider resolves the token on every call so a token file rotated by
// another process is picked up without restart.
type Provider struct {
	opts Options

	mu   sync.Mutex
	last string
	id   presence.Identity
	exp  time.Time
}

func New(opts Options) *Provider {
	opts.Token = strings.TrimSpace(opts.Token)
	return &Provider{opts: opts}
}

// Token returns the current bearer token.
func (p *Provider) Token() (string, error) {
	if p.opts.TokenFile != "" {
		b, err := os.ReadFile(p.opts.TokenFile)
		if err != nil {
			return "", fmt.Errorf("auth: read token file: %w", err)
		}
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	if p.opts.Token == "" {
		return "", ErrNoToken
	}
	return p.opts.Token, nil
}

// Identity returns the user id and role to register with. Explicit config
// values win over token claims.
func (p *Provider) Identity() (presence.Identity, error) {
	id := presence.Identity{UserID: p.opts.UserID, Role: p.opts.Role}
	if id.UserID == "" || id.Role == "" {
		tok, err := p.Token()
		if err != nil {
			if errors.Is(err, ErrNoToken) {
				return id, id.Validate()
			}
			return presence.Identity{}, err
		}
		claimed, err := p.claims(tok)
		if err != nil {
			return presence.Identity{}, err
		}
		if id.UserID == "" {
			id.UserID = claimed.UserID
		}
		if id.Role == "" {
			id.Role = claimed.Role
		}
	}
	return id, id.Validate()
}

// Expired reports whether the token carries an exp claim in the past.
func (p *Provider) Expired(now time.Time) bool {
	tok, err := p.Token()
	if err != nil {
		return false
	}
	if _, err := p.claims(tok); err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exp.IsZero() && now.After(p.exp)
}

func (p *Provider) claims(tok string) (presence.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok == p.last {
		return p.id, nil
	}
	id, exp, err := ParseClaims(tok)
	if err != nil {
		return presence.Identity{}, err
	}
	p.last, p.id, p.exp = tok, id, exp
	return id, nil
}

// ParseClaims reads the identity claims of a JWT without verifying it. The
// user id comes from user_id, userId or sub, in that order.
func ParseClaims(tok string) (presence.Identity, time.Time, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(tok, jwt.MapClaims{})
	if err != nil {
		return presence.Identity{}, time.Time{}, fmt.Errorf("auth: parse token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return presence.Identity{}, time.Time{}, errors.New("auth: invalid claims")
	}

	var id presence.Identity
	for _, key := range []string{"user_id", "userId", "sub"} {
		if v, ok := stringClaim(claims, key); ok && v != "" {
			id.UserID = v
			break
		}
	}
	if v, ok := stringClaim(claims, "role"); ok {
		id.Role = proto.Role(strings.ToLower(v))
	}

	var exp time.Time
	if nd, err := claims.GetExpirationTime(); err == nil && nd != nil {
		exp = nd.Time
	}
	return id, exp, nil
}

func stringClaim(claims jwt.MapClaims, key string) (string, bool) {
	if v, ok := claims[key]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}
