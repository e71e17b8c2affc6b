// Package crypto derives per-device handshake values from a shared secret.
package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// AuthTokenLen is the size of the authentication characteristic value.
const AuthTokenLen = 4

// DeriveAuthToken uses HKDF-SHA256 to derive the authentication value for
// one device: HKDF(secret, salt=nil, info=upper-cased peer address).
func DeriveAuthToken(secret []byte, peer string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("ble/crypto: empty secret")
	}
	if peer == "" {
		return nil, errors.New("ble/crypto: empty peer address")
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(strings.ToUpper(peer)))
	token := make([]byte, AuthTokenLen)
	if _, err := io.ReadFull(r, token); err != nil {
		return nil, fmt.Errorf("ble/crypto: HKDF: %w", err)
	}
	return token, nil
}
