package redenergy

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"regexp"
)

const (
	verifierLength   = 48
	verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"
)

// RFC 7636 section 4.1: 43 to 128 unreserved characters
var verifierRegex = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

func validVerifier(v string) bool {
	return verifierRegex.MatchString(v)
}

// pkce holds the one-shot verifier and challenge for a single login.
type pkce struct {
	verifier  string
	challenge string
}

func newPKCE() (pkce, error) {
	b := make([]byte, verifierLength)
	alphabetLen := big.NewInt(int64(len(verifierAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return pkce{}, fmt.Errorf("failed to generate code verifier: %w", err)
		}
		b[i] = verifierAlphabet[n.Int64()]
	}
	v := string(b)
	if !validVerifier(v) {
		return pkce{}, errors.New("generated code verifier is invalid")
	}
	return pkce{verifier: v, challenge: s256Challenge(v)}, nil
}

// s256Challenge is base64url without padding of SHA-256(verifier).
func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
