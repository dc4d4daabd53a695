package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func computeHMAC(challenge, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

func TestAuthHandler_Challenge(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	challenge1, err := auth.GenerateChallenge()
	require.NoError(t, err)
	assert.Len(t, challenge1, 64)

	challenge2, err := auth.GenerateChallenge()
	require.NoError(t, err)
	assert.NotEqual(t, challenge1, challenge2)

	assert.Equal(t, computeHMAC(challenge1, "test-secret"), Sign("test-secret", challenge1))
	assert.True(t, auth.VerifySignature(challenge1, Sign("test-secret", challenge1)))
	assert.False(t, auth.VerifySignature(challenge1, Sign("wrong-secret", challenge1)))
	assert.False(t, auth.VerifySignature(challenge1, "garbage"))
}

func TestAuthHandler_CheckSecret(t *testing.T) {
	auth := NewAuthHandler("s3cret")
	assert.True(t, auth.CheckSecret("s3cret"))
	assert.False(t, auth.CheckSecret("s3cre"))
	assert.False(t, auth.CheckSecret(""))
}

func TestAuthHandler_HandleAuthResponse(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("no challenge", func(t *testing.T) {
		result := auth.HandleAuthResponse(&Client{}, AuthResponse{Signature: "x"})
		assert.False(t, result.Success)
		assert.Equal(t, "No challenge found", result.Message)
	})

	t.Run("success stores the filter", func(t *testing.T) {
		client := &Client{Challenge: "abc", State: StateAuthenticating}
		result := auth.HandleAuthResponse(client, AuthResponse{
			Signature: computeHMAC("abc", "test-secret"),
			Filter:    FeedFilter{TenantID: "acme"},
		})
		assert.True(t, result.Success)
		assert.Equal(t, "auth.success", result.Event)
		assert.True(t, client.Authenticated)
		assert.Equal(t, StateAuthenticated, client.State)
		assert.Empty(t, client.Challenge)
		assert.Equal(t, "acme", client.Filter.TenantID)
	})

	t.Run("blocks after three failures", func(t *testing.T) {
		client := &Client{Challenge: "abc"}
		for i := 0; i < 2; i++ {
			result := auth.HandleAuthResponse(client, AuthResponse{Signature: "bad"})
			assert.Equal(t, "Invalid signature", result.Message)
		}
		result := auth.HandleAuthResponse(client, AuthResponse{Signature: "bad"})
		assert.Equal(t, "Too many failed attempts", result.Message)
		assert.False(t, client.Authenticated)
	})
}
