package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mahaj/callrelay/pkg/model"
	"github.com/stretchr/testify/require"
)

func TestJWT_GenerateAndVerify(t *testing.T) {
	req := require.New(t)
	signer := NewJWT("test-secret", time.Hour)
	alice := model.Identity{ID: "u-alice", Username: "alice"}

	token, expiresAt, err := signer.GenerateToken(alice)
	req.NoError(err)
	req.NotEmpty(token)
	req.WithinDuration(time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	identity, err := signer.Verify(token)
	req.NoError(err)
	req.Equal(alice, *identity)
}

func TestJWT_Verify_Rejects(t *testing.T) {
	signer := NewJWT("test-secret", time.Hour)
	other := NewJWT("other-secret", time.Hour)
	expired := NewJWT("test-secret", -time.Minute)

	foreign, _, err := other.GenerateToken(model.Identity{ID: "u1", Username: "one"})
	require.NoError(t, err)
	stale, _, err := expired.GenerateToken(model.Identity{ID: "u1", Username: "one"})
	require.NoError(t, err)
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"missing", "", ErrMissingToken},
		{"garbage", "not-a-token", ErrInvalidToken},
		{"wrong secret", foreign, ErrInvalidToken},
		{"expired", stale, ErrInvalidToken},
		{"alg none", noneAlg, ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			identity, err := signer.Verify(tt.token)
			req.ErrorIs(err, tt.wantErr)
			req.Nil(identity)
		})
	}
}

func TestBearerToken(t *testing.T) {
	req := require.New(t)
	req.Equal("abc", BearerToken("Bearer abc"))
	req.Equal("abc", BearerToken("abc"))
	req.Equal("", BearerToken(""))
}
