package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/weiawesome/meeting-sync/internal/domain"
	"github.com/weiawesome/meeting-sync/pkg/jwt"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier resolves the identity behind a connection request.
type Verifier interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

// Anonymous accepts every request, with or without a token.
type Anonymous struct{}

func (Anonymous) Verify(ctx context.Context, token string) (domain.Identity, error) {
	return domain.AnonymousIdentity(), nil
}

// JWTVerifier validates HS256 bearer tokens issued by the identity provider.
type JWTVerifier struct {
	manager *jwt.Manager
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	m, err := jwt.NewManager(secret, issuer, 0)
	if err != nil {
		return nil, err
	}
	return &JWTVerifier{manager: m}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, ErrMissingToken
	}
	claims, err := v.manager.ValidateToken(token)
	if err != nil {
		return domain.Identity{}, errors.Join(ErrInvalidToken, err)
	}
	return domain.Identity{
		UserID:   claims.UserID,
		Email:    claims.Email,
		Username: claims.Username,
	}, nil
}

// TokenFromRequest returns the token from the "token" query parameter, which
// browsers use since they cannot set headers on websocket requests, or else
// from an "Authorization: Bearer" header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
