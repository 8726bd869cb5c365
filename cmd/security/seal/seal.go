package seal

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const prefixV1 = "$VSV1$"

// Seal encrypts plaintext under key. aad is authenticated but not encrypted;
// the same aad must be presented to Open.
func Seal(key, plaintext, aad []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", ErrKeySize
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("seal: nonce: %w", err)
	}

	ct := aead.Seal(nil, nonce, plaintext, aad)

	b64 := base64.StdEncoding
	return prefixV1 + "&" + b64.EncodeToString(nonce) + "&" + b64.EncodeToString(ct), nil
}

// Open decrypts a blob produced by Seal.
func Open(key []byte, blob string, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrKeySize
	}

	parts := strings.SplitN(blob, "&", 3)
	if len(parts) != 3 || parts[0] != prefixV1 {
		return nil, ErrFormat
	}

	b64 := base64.StdEncoding
	nonce, err := b64.DecodeString(parts[1])
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrFormat
	}
	ct, err := b64.DecodeString(parts[2])
	if err != nil || len(ct) < aead.Overhead() {
		return nil, ErrFormat
	}

	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

// IsSealed reports whether s looks like a sealed blob. It does not authenticate.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, prefixV1+"&")
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
