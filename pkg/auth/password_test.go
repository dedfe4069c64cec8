package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashAndCheckPassword(t *testing.T) {
	req := require.New(t)

	hash, err := HashPassword("correct-horse")
	req.NoError(err)
	req.True(strings.HasPrefix(hash, "$2a$"))

	req.True(CheckPassword(hash, "correct-horse"))
	req.False(CheckPassword(hash, "wrong-horse"))
}

func TestHashPassword_TooShort(t *testing.T) {
	_, err := HashPassword("short")
	require.Error(t, err)
}
