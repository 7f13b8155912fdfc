// Package kcrypto wraps the cryptographic primitives the module
// capability table exposes: SHA-256 hashing, HMAC, AES-128, and the
// modular exponentiation a minimal RSA/DH driver module would need.
//
// These are the one documented exception to "no stdlib where the
// ecosystem has a library": no third-party repository in this corpus
// reimplements or wraps crypto/sha256, crypto/hmac, crypto/aes or
// math/big, and hand-rolling primitives here would be a correctness and
// security regression against the standard library's vetted
// implementations. See DESIGN.md.
package kcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

var ErrKeyLen = errors.New("kcrypto: AES-128 requires a 16-byte key")

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HMACSHA256 returns the HMAC-SHA256 of message under key.
func HMACSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)

	return mac.Sum(nil)
}

// RandomBytes fills buf with cryptographically random bytes, backing the
// module capability table's crypto_random entry.
func RandomBytes(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}

// AESEncryptCTR encrypts plaintext using AES-128 in CTR mode with the given
// 16-byte key and 16-byte IV, returning the ciphertext in a new slice;
// plaintext is left unchanged.
func AESEncryptCTR(key, iv, plaintext []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, ErrKeyLen
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kcrypto: aes: %w", err)
	}

	out := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(out, plaintext)

	return out, nil
}

// ModExp computes base^exp mod m, the primitive a minimal RSA/DH driver
// module would build key exchange or signature verification on.
func ModExp(base, exp, m *big.Int) *big.Int {
	return new(big.Int).Exp(base, exp, m)
}
