// Package identity is the only place the client looks inside its bearer
// token. Everything else depends on the Provider capability.
package identity

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/chatline/internal/chat"
)

// Provider exposes who the current user is and the credential to present.
type Provider interface {
	CurrentUserID() string
	Token() string
}

// userIDClaims are checked in order. The long URI is the name-identifier
// claim emitted by ASP.NET style issuers.
var userIDClaims = []string{
	"sub",
	"user_id",
	"userId",
	"nameid",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier",
}

var roleClaims = []string{
	"role",
	"http://schemas.microsoft.com/ws/2008/06/identity/claims/role",
}

// Token is a Provider backed by a JWT issued by the external auth flow. The
// client cannot verify the signature; it only reads claims and checks expiry.
type Token struct {
	raw       string
	userID    string
	role      string
	expiresAt time.Time
}

// FromToken decodes raw and returns an *chat.AuthError when it is empty,
// malformed, has no user id claim, or is already expired.
func FromToken(raw string, now time.Time) (*Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &chat.AuthError{Reason: "no access token configured"}
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, &chat.AuthError{Reason: "malformed access token", Err: err}
	}

	userID := firstClaim(claims, userIDClaims)
	if userID == "" {
		return nil, &chat.AuthError{Reason: "access token has no user id claim"}
	}

	t := &Token{raw: raw, userID: userID, role: firstClaim(claims, roleClaims)}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t.expiresAt = exp.Time
		if !now.Before(exp.Time) {
			return nil, &chat.AuthError{Reason: fmt.Sprintf("access token expired at %s", exp.Time.Format(time.RFC3339))}
		}
	}
	return t, nil
}

// CurrentUserID implements Provider.
func (t *Token) CurrentUserID() string { return t.userID }

// Token implements Provider.
func (t *Token) Token() string { return t.raw }

// Role returns the role claim, empty if absent.
func (t *Token) Role() string { return t.role }

// ExpiresAt returns the exp claim, zero if absent.
func (t *Token) ExpiresAt() time.Time { return t.expiresAt }

func firstClaim(claims jwt.MapClaims, keys []string) string {
	for _, k := range keys {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		case []any:
			if len(v) > 0 {
				if s, ok := v[0].(string); ok {
					return s
				}
			}
		}
	}
	return ""
}

// Static is a fixed Provider, used by tools and tests.
type Static struct {
	UserID      string
	AccessToken string
}

// CurrentUserID implements Provider.
func (s Static) CurrentUserID() string { return s.UserID }

// Token implements Provider.
func (s Static) Token() string { return s.AccessToken }
