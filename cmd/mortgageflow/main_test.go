package main

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mortgageflow/auth"
	"mortgageflow/lifecycle"
)

const testSecret = "trigger-test-secret"

func mintToken(t *testing.T, userID string, role auth.Role) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"exp":     time.Now().Add(time.Hour).Unix(),
		"iat":     time.Now().Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestResolveActor(t *testing.T) {
	svc := auth.NewService(nil, testSecret)

	actor, err := resolveActor(svc, mintToken(t, "officer-7", auth.RoleLoanOfficer), lifecycle.EventApprove)
	require.NoError(t, err)
	assert.Equal(t, "officer-7", actor.ID)
	assert.Equal(t, lifecycle.ActorUser, actor.Kind)
}

func TestResolveActor_RoleForbidden(t *testing.T) {
	svc := auth.NewService(nil, testSecret)

	_, err := resolveActor(svc, mintToken(t, "cust-1", auth.RoleCustomer), lifecycle.EventApprove)
	assert.ErrorIs(t, err, auth.ErrForbidden)
}

func TestResolveActor_BadToken(t *testing.T) {
	svc := auth.NewService(nil, testSecret)

	_, err := resolveActor(svc, "not-a-token", lifecycle.EventApprove)
	assert.Error(t, err)
}
