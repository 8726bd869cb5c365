package password

import (
	"fmt"
	"runtime"

	"github.com/caarlos0/env/v11"
)

// KeyLength is the derived key size in bytes (XChaCha20-Poly1305 key size).
const KeyLength = 32

// Argon2idParams controls Argon2id derivation cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy bounds what Setup and ChangeMasterPassword accept.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns the baseline used to derive vault keys from the master password.
// The cost is paid once per unlock, so it can be higher than a login hash would tolerate.
func DefaultConfig() Config {
	threads := min(max(runtime.NumCPU(), 1), 4)

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4].
			SaltLength:  16,
			KeyLength:   KeyLength,
		},
		Policy: Policy{
			MinLength: 8,
			MaxLength: 256,
		},
	}
}

// envOverrides holds the optional overrides. Unset variables stay nil.
type envOverrides struct {
	MinLength      *int    `env:"VISOR_PASSWORD_MIN_LEN"`
	MaxLength      *int    `env:"VISOR_PASSWORD_MAX_LEN"`
	RejectVeryWeak *bool   `env:"VISOR_PASSWORD_REJECT_VERY_WEAK"`
	MemoryKiB      *uint32 `env:"VISOR_ARGON2_MEMORY_KIB"`
	Iterations     *uint32 `env:"VISOR_ARGON2_ITERATIONS"`
	Parallelism    *uint32 `env:"VISOR_ARGON2_PARALLELISM"`
	SaltLength     *uint32 `env:"VISOR_ARGON2_SALT_LEN"`
}

// bound is an inclusive range check for one override.
type bound[T int | uint32] struct {
	name     string
	val      *T
	min, max T
}

func (b bound[T]) check() error {
	if b.val == nil {
		return nil
	}
	if *b.val < b.min || *b.val > b.max {
		return fmt.Errorf("%s: out of range [%d..%d]", b.name, b.min, b.max)
	}
	return nil
}

// FromEnv applies VISOR_PASSWORD_* and VISOR_ARGON2_* overrides to
// DefaultConfig. The derived key length is fixed to KeyLength.
func FromEnv() (Config, error) {
	o, err := env.ParseAs[envOverrides]()
	if err != nil {
		return Config{}, fmt.Errorf("password config: %w", err)
	}

	checks := []func() error{
		bound[int]{"VISOR_PASSWORD_MIN_LEN", o.MinLength, 1, 1024}.check,
		bound[int]{"VISOR_PASSWORD_MAX_LEN", o.MaxLength, 1, 4096}.check,
		bound[uint32]{"VISOR_ARGON2_MEMORY_KIB", o.MemoryKiB, 8 * 1024, 1024 * 1024}.check,
		bound[uint32]{"VISOR_ARGON2_ITERATIONS", o.Iterations, 1, 20}.check,
		bound[uint32]{"VISOR_ARGON2_PARALLELISM", o.Parallelism, 1, 64}.check,
		bound[uint32]{"VISOR_ARGON2_SALT_LEN", o.SaltLength, 8, 64}.check,
	}
	for _, chk := range checks {
		if err := chk(); err != nil {
			return Config{}, err
		}
	}

	cfg := DefaultConfig()
	set(&cfg.Policy.MinLength, o.MinLength)
	set(&cfg.Policy.MaxLength, o.MaxLength)
	set(&cfg.Policy.RejectVeryWeak, o.RejectVeryWeak)
	set(&cfg.Params.MemoryKiB, o.MemoryKiB)
	set(&cfg.Params.Iterations, o.Iterations)
	set(&cfg.Params.SaltLength, o.SaltLength)
	if o.Parallelism != nil {
		cfg.Params.Parallelism = uint8(*o.Parallelism) // #nosec G115 -- bounded to [1..64] above.
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf("password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength, cfg.Policy.MaxLength)
	}
	return cfg, nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
