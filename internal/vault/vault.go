// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package vault implements the sealed-box encryption service for local
// conversation data: AES-256-GCM with a PBKDF2-SHA-256 derived key.
//
// A sealed value is a JSON envelope {iv, data} where data is the ciphertext
// of the JSON-serialized plaintext. Decryption with the wrong password fails
// with ErrDecryptFailed; GCM authentication guarantees it never yields a
// silently-wrong object.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// NonceSize is the AES-GCM nonce/IV size (12 bytes / 96 bits).
const NonceSize = 12

// KeySize is the AES-256 key size (32 bytes / 256 bits).
const KeySize = 32

// PBKDF2Iterations is the PBKDF2-SHA-256 iteration count. Fixed alongside
// the application salt so a given password always derives the same key and
// no salt needs to be persisted next to the envelope.
const PBKDF2Iterations = 100000

// keySalt is the fixed application salt for key derivation.
const keySalt = "ollama-secure-salt"

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrDecryptFailed indicates the wrong password or tampered ciphertext.
	ErrDecryptFailed = errors.New("vault: decryption failed")
	// ErrInvalidEnvelope indicates a structurally invalid envelope.
	ErrInvalidEnvelope = errors.New("vault: invalid envelope")
)

// =============================================================================
// ENVELOPE
// =============================================================================

// ByteArray marshals as a JSON array of numbers, the envelope layout the
// browser client produced. Unmarshal also accepts base64 strings so plain
// []byte-encoded envelopes remain readable.
type ByteArray []byte

// MarshalJSON encodes the bytes as a numeric array.
func (b ByteArray) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

// UnmarshalJSON decodes either a numeric array or a base64 string.
func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err == nil {
		out := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return errors.Wrapf(ErrInvalidEnvelope, "byte value %d out of range", v)
			}
			out[i] = byte(v)
		}
		*b = out
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(ErrInvalidEnvelope, "byte array is neither array nor string")
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return errors.Wrap(ErrInvalidEnvelope, "invalid base64 byte array")
	}
	*b = out
	return nil
}

// Envelope is the persisted ciphertext package.
type Envelope struct {
	IV   ByteArray `json:"iv"`
	Data ByteArray `json:"data"`
}

// =============================================================================
// CIPHER
// =============================================================================

// ZeroBytes zeros sensitive byte slices.
// SECURITY: Zero key material to prevent memory disclosure via crash dumps.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// DeriveKey derives the AES-256 key from a password using PBKDF2-SHA-256
// with the fixed application salt.
func DeriveKey(password string) []byte {
	return pbkdf2.Key([]byte(password), []byte(keySalt), PBKDF2Iterations, KeySize, sha256.New)
}

// Cipher is a password-derived AEAD. Deriving the key is deliberately slow,
// so callers that seal repeatedly (the persisted store) should construct one
// Cipher at unlock time and reuse it.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the key for password and initializes AES-GCM.
func NewCipher(password string) (*Cipher, error) {
	key := DeriveKey(password)
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "creating AES cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "creating GCM cipher")
	}
	return &Cipher{aead: aead}, nil
}

// Seal JSON-serializes v and encrypts it under a fresh random nonce.
func (c *Cipher) Seal(v any) (Envelope, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "serializing plaintext")
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, errors.Wrap(err, "generating nonce")
	}

	ciphertext := c.aead.Seal(nil, nonce, plaintext, nil)
	return Envelope{IV: nonce, Data: ciphertext}, nil
}

// Open decrypts env and JSON-deserializes the plaintext into out.
func (c *Cipher) Open(env Envelope, out any) error {
	if len(env.IV) != NonceSize {
		return errors.Wrapf(ErrInvalidEnvelope, "iv length %d", len(env.IV))
	}

	plaintext, err := c.aead.Open(nil, env.IV, env.Data, nil)
	if err != nil {
		// Authentication tag mismatch: wrong key or tampered data.
		return ErrDecryptFailed
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return errors.Wrap(err, "deserializing plaintext")
	}
	return nil
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

// Seal encrypts v under password in one shot.
func Seal(v any, password string) (Envelope, error) {
	c, err := NewCipher(password)
	if err != nil {
		return Envelope{}, err
	}
	return c.Seal(v)
}

// Open decrypts env under password in one shot.
func Open(env Envelope, password string, out any) error {
	c, err := NewCipher(password)
	if err != nil {
		return err
	}
	return c.Open(env, out)
}
