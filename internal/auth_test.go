package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPasswordHashing(t *testing.T) {
	hash, err := hashPassword("s3cret!")
	require.NoError(t, err)
	require.True(t, checkPassword(hash, "s3cret!"))
	require.False(t, checkPassword(hash, "wrong"))
}

func TestTokenIssueAndVerify(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)

	token, err := issuer.Issue(42, "alice")
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, int64(42), claims.UserID)
	require.Equal(t, "alice", claims.Username)
}

func TestTokenVerifyRejectsBadInput(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)

	_, err := issuer.Verify("not-a-token")
	require.ErrorIs(t, err, errUnauthorized)

	other := NewTokenIssuer("different-secret", time.Hour)
	token, err := other.Issue(42, "alice")
	require.NoError(t, err)
	_, err = issuer.Verify(token)
	require.ErrorIs(t, err, errUnauthorized)
}

func TestTokenVerifyRejectsExpired(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", -time.Minute)

	token, err := issuer.Issue(42, "alice")
	require.NoError(t, err)
	_, err = issuer.Verify(token)
	require.ErrorIs(t, err, errUnauthorized)
}

func TestSignupValidation(t *testing.T) {
	valid := signupRequest{Username: "alice", Email: "alice@example.com", Password: "secret1"}
	require.NoError(t, validate.Struct(valid))

	cases := []struct {
		name string
		req  signupRequest
	}{
		{"short username", signupRequest{Username: "al", Email: "a@b.c", Password: "secret1"}},
		{"bad email", signupRequest{Username: "alice", Email: "nope", Password: "secret1"}},
		{"short password", signupRequest{Username: "alice", Email: "a@b.c", Password: "12345"}},
		{"missing everything", signupRequest{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validate.Struct(tc.req)
			require.Error(t, err)
			require.NotEmpty(t, validationMessage(err))
		})
	}
}
