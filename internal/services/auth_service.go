package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	dmsync_errors "dmsync/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

// AuthService verifies access tokens issued by the platform's auth service.
// Only HS256 tokens signed with the shared secret are accepted.
type AuthService struct {
	jwtSecret []byte
	now       func() time.Time
}

func NewAuthService(secret string) *AuthService {
	return &AuthService{
		jwtSecret: []byte(secret),
		now:       time.Now,
	}
}

type AccessClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Identity returns the authenticated user id carried by the claims.
func (c AccessClaims) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

func (s *AuthService) ParseAccessToken(tokenString string) (AccessClaims, error) {
	if tokenString == "" {
		return AccessClaims{}, dmsync_errors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, dmsync_errors.ErrUnauthorized
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return AccessClaims{}, dmsync_errors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Identity()) == "" {
		return AccessClaims{}, dmsync_errors.ErrUnauthorized
	}

	return *claims, nil
}

// IssueAccessToken signs a token for userID. The real platform issues tokens
// elsewhere; this exists for local tooling and tests.
func (s *AuthService) IssueAccessToken(userID string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := AccessClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, dmsync_errors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, dmsync_errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, dmsync_errors.ErrForbidden), errors.Is(err, dmsync_errors.ErrIdentitySpoof):
		return http.StatusForbidden
	case errors.Is(err, dmsync_errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dmsync_errors.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, dmsync_errors.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type ctxKey string

var userIDKey ctxKey = "user_id"

func WithUserContext(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}
