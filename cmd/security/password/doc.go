// Package password derives vault keys from the user's master password.
//
// It implements Argon2id key derivation with a PHC-like descriptor string and includes:
// - Configurable Argon2id parameters (via environment variables)
// - Master password policy validation
// - Strict descriptor decoding with anti-DoS bounds
//
// Security notes:
// - Descriptors are read back from storage and are validated before use.
// - Neither the password nor the derived key is ever persisted; only the descriptor is.
package password
