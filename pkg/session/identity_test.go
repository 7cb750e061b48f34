package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func TestParseToken(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		claims   jwt.MapClaims
		wantUser string
		wantAs   string
		wantErr  error
	}{
		{
			name:     "userId claim",
			claims:   jwt.MapClaims{"userId": "u-1"},
			wantUser: "u-1",
		},
		{
			name:     "sub fallback",
			claims:   jwt.MapClaims{"sub": "u-2"},
			wantUser: "u-2",
		},
		{
			name:     "numeric user id",
			claims:   jwt.MapClaims{"userId": 42},
			wantUser: "42",
		},
		{
			name:     "acting as company",
			claims:   jwt.MapClaims{"userId": "u-3", "companyId": "c-9"},
			wantUser: "u-3",
			wantAs:   "c-9",
		},
		{
			name:     "not yet expired",
			claims:   jwt.MapClaims{"userId": "u-4", "exp": now.Add(time.Hour).Unix()},
			wantUser: "u-4",
		},
		{
			name:    "expired",
			claims:  jwt.MapClaims{"userId": "u-5", "exp": now.Add(-time.Minute).Unix()},
			wantErr: ErrTokenExpired,
		},
		{
			name:    "no user",
			claims:  jwt.MapClaims{"role": "admin"},
			wantErr: ErrMissingUserID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := signed(t, tt.claims)
			id, err := parseToken(token, now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, id.UserID)
			assert.Equal(t, tt.wantAs, id.ActingAs)
			assert.Equal(t, token, id.Token)
		})
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	_, err := ParseToken("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = ParseToken("not-a-jwt")
	assert.Error(t, err)
}

func TestScopeID(t *testing.T) {
	assert.True(t, Identity{}.IsZero())
	assert.Equal(t, "u1", Identity{UserID: "u1"}.ScopeID())
	assert.Equal(t, "c1", Identity{UserID: "u1", ActingAs: "c1"}.ScopeID())
	assert.Equal(t, "u1 (as c1)", Identity{UserID: "u1", ActingAs: "c1"}.String())
}
