package services

import (
	"context"
	"net/http"
	"testing"
	"time"

	dmsync_errors "dmsync/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_IssueAndParse(t *testing.T) {
	svc := NewAuthService("secret")
	token, err := svc.IssueAccessToken("alice", time.Hour)
	require.NoError(t, err)

	claims, err := svc.ParseAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Identity())
}

func TestAuthService_Rejects(t *testing.T) {
	svc := NewAuthService("secret")

	expired, err := svc.IssueAccessToken("alice", -time.Minute)
	require.NoError(t, err)

	foreign, err := NewAuthService("other").IssueAccessToken("alice", time.Hour)
	require.NoError(t, err)

	noIdentity, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := map[string]string{
		"empty":       "",
		"garbage":     "not-a-token",
		"expired":     expired,
		"wrong key":   foreign,
		"no identity": noIdentity,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ParseAccessToken(token)
			assert.ErrorIs(t, err, dmsync_errors.ErrUnauthorized)
		})
	}
}

func TestAccessClaims_SubjectFallback(t *testing.T) {
	claims := AccessClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "bob"}}
	assert.Equal(t, "bob", claims.Identity())
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(validationError("bad")))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(dmsync_errors.ErrForbidden))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(dmsync_errors.ErrUnauthorized))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(dmsync_errors.ErrRateLimited))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(persistenceError(assert.AnError)))
}

func TestUserContext(t *testing.T) {
	_, ok := UserIDFromContext(context.Background())
	assert.False(t, ok)

	id, ok := UserIDFromContext(WithUserContext(context.Background(), "alice"))
	assert.True(t, ok)
	assert.Equal(t, "alice", id)
}
