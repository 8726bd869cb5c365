package seal

import "errors"

var (
	// ErrKeySize is returned when the key is not chacha20poly1305.KeySize bytes.
	ErrKeySize = errors.New("seal: invalid key size")
	// ErrFormat is returned for blobs that are not in the $VSV1$ format.
	ErrFormat = errors.New("seal: invalid ciphertext format")
	// ErrOpen is returned when authentication fails (wrong key or tampering).
	ErrOpen = errors.New("seal: message authentication failed")
)
