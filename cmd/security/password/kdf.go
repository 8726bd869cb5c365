package password

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argon2Version = 19 // argon2.Version is 0x13 (19)
)

// NewKey validates password against policy, draws a fresh salt and derives a key.
// It returns the key together with its descriptor, which must be persisted to
// re-derive the same key later.
// Descriptor format:
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>
func (c Config) NewKey(password string) (key []byte, descriptor string, err error) {
	if err := c.Validate(password); err != nil {
		return nil, "", err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, "", fmt.Errorf("salt: %w", err)
	}

	params := c.Params
	params.KeyLength = KeyLength

	key = idKey(password, salt, params)
	descriptor = fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s",
		argon2Version,
		params.MemoryKiB,
		params.Iterations,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
	)
	return key, descriptor, nil
}

// DeriveKey re-derives the key described by descriptor from password.
// Policy is not applied: an existing vault must stay unlockable after the
// policy is tightened. Returns ErrInvalidDescriptor for malformed or
// out-of-bounds descriptors.
func (c Config) DeriveKey(descriptor, password string) ([]byte, error) {
	params, salt, err := decode(descriptor)
	if err != nil {
		return nil, err
	}

	// Anti-DoS boundary: the descriptor is read back from storage and is
	// treated as untrusted; refuse parameters far above our own.
	if !withinReasonableBounds(params, c.Params) {
		return nil, ErrInvalidDescriptor
	}

	return idKey(password, salt, params), nil
}

func idKey(password string, salt []byte, p Argon2idParams) []byte {
	return argon2.IDKey(
		[]byte(password),
		salt,
		p.Iterations,
		p.MemoryKiB,
		p.Parallelism,
		KeyLength,
	)
}

func withinReasonableBounds(got Argon2idParams, limits Argon2idParams) bool {
	// Allow descriptors generated with older/smaller settings,
	// but reject wildly larger settings.
	if got.MemoryKiB > limits.MemoryKiB*2 {
		return false
	}
	if got.Iterations > limits.Iterations*2 {
		return false
	}
	if got.Parallelism > limits.Parallelism*2 {
		return false
	}
	if got.SaltLength < 8 || got.SaltLength > 64 {
		return false
	}
	return true
}

// decode parses a descriptor and returns params and salt.
func decode(encoded string) (Argon2idParams, []byte, error) {
	// Expected:
	// $argon2id$v=19$m=65536,t=3,p=1$<salt>
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "" || parts[1] != "argon2id" {
		return Argon2idParams{}, nil, ErrInvalidDescriptor
	}

	if parts[2] != "v=19" {
		return Argon2idParams{}, nil, ErrInvalidDescriptor
	}

	if !strings.HasPrefix(parts[3], "m=") {
		return Argon2idParams{}, nil, ErrInvalidDescriptor
	}
	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return Argon2idParams{}, nil, ErrInvalidDescriptor
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return Argon2idParams{}, nil, ErrInvalidDescriptor
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Argon2idParams{}, nil, ErrInvalidDescriptor
	}

	params := Argon2idParams{
		MemoryKiB:   mem,
		Iterations:  it,
		Parallelism: uint8(par),
		SaltLength:  uint32(len(salt)), // #nosec G115 -- bounded by withinReasonableBounds.
		KeyLength:   KeyLength,
	}
	return params, salt, nil
}
