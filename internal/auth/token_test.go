package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueVerify(t *testing.T) {
	tokens, err := NewTokens("secret", time.Hour)
	require.NoError(t, err)

	tok, err := tokens.Issue("alice")
	require.NoError(t, err)

	id, err := tokens.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)
}

func TestVerifyRejects(t *testing.T) {
	tokens, err := NewTokens("secret", time.Hour)
	require.NoError(t, err)
	other, err := NewTokens("other", time.Hour)
	require.NoError(t, err)

	forged, err := other.Issue("alice")
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":      "",
		"garbage":    "not.a.jwt",
		"wrong key":  forged,
		"alg none":   none,
		"no user id": noUser,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := tokens.Verify(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerifyExpired(t *testing.T) {
	tokens, err := NewTokens("secret", time.Minute)
	require.NoError(t, err)

	start := time.Now()
	tokens.now = func() time.Time { return start }
	tok, err := tokens.Issue("alice")
	require.NoError(t, err)

	tokens.now = func() time.Time { return start.Add(2 * time.Minute) }
	_, err = tokens.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewTokensNeedsSecret(t *testing.T) {
	_, err := NewTokens("", time.Hour)
	assert.ErrorIs(t, err, ErrNoSecret)
}
