// Package pkce implements the Proof Key for Code Exchange helpers (RFC 7636)
// and the random token generator used for every opaque credential.
package pkce

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// MethodS256 is the only accepted code_challenge_method.
	MethodS256 = "S256"

	// MinTokenBytes is the minimum entropy of a generated token.
	MinTokenBytes = 32
)

// GenerateToken returns byteLength random bytes, base64url encoded without
// padding. Lengths below MinTokenBytes are raised to it.
//
// It panics if the system random source fails; no credential can be minted
// safely in that state.
func GenerateToken(byteLength int) string {
	if byteLength < MinTokenBytes {
		byteLength = MinTokenBytes
	}
	b := make([]byte, byteLength)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// NewVerifier returns a fresh code_verifier for clients of this server.
func NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// HashChallenge returns base64url(SHA256(verifier)) without padding.
func HashChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Verify reports whether verifier hashes to challenge. The comparison is
// constant time.
func Verify(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	computed := HashChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidMethod reports whether method is an accepted code_challenge_method.
func ValidMethod(method string) bool {
	return method == MethodS256
}
