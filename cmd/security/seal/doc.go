// Package seal is the broker's authenticated symmetric encryption primitive.
//
// Values are sealed with XChaCha20-Poly1305 under a 32-byte key and serialized as
// a versioned text blob:
//
//	$VSV1$&<nonce_b64>&<ciphertext_b64>
//
// The blob is safe to persist. Open never returns plaintext for a wrong key or a
// modified blob; every such failure surfaces as ErrOpen.
package seal
