package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// SecretHeader carries the shared secret on HTTP RPC requests
const SecretHeader = "X-Plugd-Secret"

// ActorHeader names the principal an HTTP RPC request acts for
const ActorHeader = "X-Plugd-Actor"

// maxAuthAttempts closes a feed connection after this many bad signatures
const maxAuthAttempts = 3

// AuthHandler checks the shared secret on RPC calls and runs the
// challenge-response handshake on feed connections.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{sharedSecret: sharedSecret}
}

// CheckSecret compares a presented secret in constant time
func (a *AuthHandler) CheckSecret(presented string) bool {
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(presented)) == 1
}

// GenerateChallenge generates a random 32-byte hex challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign returns the HMAC-SHA256 of challenge under secret, hex encoded.
// Feed clients answer a challenge with it.
func Sign(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	expected := Sign(a.sharedSecret, challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// HandleAuthResponse processes a feed client's answer to its challenge
func (a *AuthHandler) HandleAuthResponse(client *Client, resp AuthResponse) AuthResult {
	if client.Challenge == "" {
		return AuthResult{Event: "auth.failure", Message: "No challenge found"}
	}

	if !a.VerifySignature(client.Challenge, resp.Signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return AuthResult{Event: "auth.failure", Message: "Too many failed attempts"}
		}
		return AuthResult{Event: "auth.failure", Message: "Invalid signature"}
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""
	client.Filter = resp.Filter
	client.Actor = resp.Actor

	return AuthResult{Event: "auth.success", Success: true}
}
