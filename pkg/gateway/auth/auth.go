package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the identity resolved from a verified identity token. It
// mirrors what the identity/onboarding collaborators expose; the gateway
// consumes it read-only.
type Principal struct {
	UserID          string
	ConsentAccepted bool
	PhoneVerified   bool
	PhoneSkipped    bool
}

// ConsentSatisfied reports whether the consent-and-phone gate is passed:
// terms accepted plus phone verification either completed or explicitly
// skipped.
func (p *Principal) ConsentSatisfied() bool {
	if p == nil {
		return false
	}
	return p.ConsentAccepted && (p.PhoneVerified || p.PhoneSkipped)
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// Claims is the identity token payload minted by the identity collaborator.
type Claims struct {
	ConsentAccepted bool `json:"consent_accepted"`
	PhoneVerified   bool `json:"phone_verified"`
	PhoneSkipped    bool `json:"phone_skipped"`
	jwt.RegisteredClaims
}

// VerifyToken validates an HS256 identity token and returns the principal it
// carries.
func VerifyToken(secret, raw string) (*Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("verify identity token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("identity token is not valid")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("identity token has no subject")
	}
	return &Principal{
		UserID:          claims.Subject,
		ConsentAccepted: claims.ConsentAccepted,
		PhoneVerified:   claims.PhoneVerified,
		PhoneSkipped:    claims.PhoneSkipped,
	}, nil
}
