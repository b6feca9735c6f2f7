package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/chatline/internal/chat"
)

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFromTokenReadsClaims(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		claims jwt.MapClaims
		userID string
		role   string
	}{
		{"sub", jwt.MapClaims{"sub": "u1", "role": "employer"}, "u1", "employer"},
		{"numeric user_id", jwt.MapClaims{"user_id": float64(17)}, "17", ""},
		{"aspnet claims", jwt.MapClaims{
			"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier": "42",
			"http://schemas.microsoft.com/ws/2008/06/identity/claims/role":          "freelancer",
		}, "42", "freelancer"},
		{"role list", jwt.MapClaims{"sub": "u2", "role": []any{"admin", "user"}}, "u2", "admin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.claims["exp"] = float64(now.Add(time.Hour).Unix())
			tok, err := FromToken(sign(t, tt.claims), now)
			if err != nil {
				t.Fatalf("FromToken() error = %v", err)
			}
			if tok.CurrentUserID() != tt.userID {
				t.Errorf("CurrentUserID() = %q, want %q", tok.CurrentUserID(), tt.userID)
			}
			if tok.Role() != tt.role {
				t.Errorf("Role() = %q, want %q", tok.Role(), tt.role)
			}
			if tok.ExpiresAt().IsZero() {
				t.Error("ExpiresAt() is zero")
			}
		})
	}
}

func TestFromTokenRejects(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"garbage", "not-a-jwt"},
		{"no user claim", sign(t, jwt.MapClaims{"role": "user"})},
		{"expired", sign(t, jwt.MapClaims{"sub": "u1", "exp": float64(now.Add(-time.Minute).Unix())})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromToken(tt.raw, now)
			if err == nil {
				t.Fatal("FromToken() expected error")
			}
			if !chat.IsAuth(err) {
				t.Errorf("error = %v, want *chat.AuthError", err)
			}
		})
	}
}

func TestStaticProvider(t *testing.T) {
	var p Provider = Static{UserID: "me", AccessToken: "tok"}
	if p.CurrentUserID() != "me" || p.Token() != "tok" {
		t.Errorf("Static = %q/%q", p.CurrentUserID(), p.Token())
	}
}
