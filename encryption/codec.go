package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Codec seals opaque payloads for storage or transmission. With a key the
// sealing client itself holds, a codec provides integrity and obfuscation,
// not confidentiality.
type Codec interface {
	Seal(plaintext []byte) ([]byte, error)
	// Open returns the plaintext or a *DecryptError. It never returns
	// partial output.
	Open(sealed []byte) ([]byte, error)
}

// KeyProvider supplies key material from outside the code base.
type KeyProvider interface {
	SealKey() ([]byte, error)
}

// StaticKey is key material already loaded by the caller.
type StaticKey []byte

func (k StaticKey) SealKey() ([]byte, error) {
	return []byte(k), nil
}

// EnvKey names an environment variable holding the key material. A 0x
// prefixed value is decoded as hex, anything else is used verbatim.
type EnvKey string

func (k EnvKey) SealKey() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(string(k)))
	if raw == "" {
		return nil, fmt.Errorf("environment variable %s is not set", string(k))
	}
	if strings.HasPrefix(raw, "0x") {
		return hexutil.Decode(raw)
	}
	return []byte(raw), nil
}

const MinKeyMaterial = 16

const (
	versionAESGCM  byte = 0x01
	versionXChaCha byte = 0x02
)

const (
	hkdfInfoAESGCM  = "votecommit/seal/aes-256-gcm/v1"
	hkdfInfoXChaCha = "votecommit/seal/xchacha20-poly1305/v1"
)

var ErrWeakKey = fmt.Errorf("seal key material must be at least %d bytes", MinKeyMaterial)

var ErrDecrypt = errors.New("decrypt failed")

type DecryptError struct {
	Reason string
	Err    error
}

func (e *DecryptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decrypt failed: %s: %v", e.Reason, e.Err)
	}
	return "decrypt failed: " + e.Reason
}

func (e *DecryptError) Unwrap() error {
	return e.Err
}

func (e *DecryptError) Is(target error) bool {
	return target == ErrDecrypt
}

// AEADCodec lays sealed payloads out as version || nonce || ciphertext+tag.
// The version byte is also bound as additional data.
type AEADCodec struct {
	version byte
	aead    cipher.AEAD
}

// NewCodec picks the AEAD named by alg ("aes-gcm" or "xchacha20-poly1305").
func NewCodec(alg string, keys KeyProvider) (*AEADCodec, error) {
	switch alg {
	case "aes-gcm":
		return NewAESGCMCodec(keys)
	case "xchacha20-poly1305":
		return NewXChaChaCodec(keys)
	}
	return nil, fmt.Errorf("unsupported seal algorithm %q", alg)
}

func NewAESGCMCodec(keys KeyProvider) (*AEADCodec, error) {
	key, err := deriveKey(keys, hkdfInfoAESGCM)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &AEADCodec{version: versionAESGCM, aead: gcm}, nil
}

func NewXChaChaCodec(keys KeyProvider) (*AEADCodec, error) {
	key, err := deriveKey(keys, hkdfInfoXChaCha)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	return &AEADCodec{version: versionXChaCha, aead: aead}, nil
}

func deriveKey(keys KeyProvider, info string) ([]byte, error) {
	material, err := keys.SealKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load seal key: %w", err)
	}
	if len(material) < MinKeyMaterial {
		return nil, ErrWeakKey
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive seal key: %w", err)
	}
	return key, nil
}

func (c *AEADCodec) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, c.version)
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, plaintext, []byte{c.version}), nil
}

func (c *AEADCodec) Open(sealed []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < 1+nonceSize+c.aead.Overhead() {
		return nil, &DecryptError{Reason: "payload too short"}
	}

	if sealed[0] != c.version {
		return nil, &DecryptError{Reason: fmt.Sprintf("unexpected payload version %#x", sealed[0])}
	}

	nonce, ciphertext := sealed[1:1+nonceSize], sealed[1+nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, sealed[:1])
	if err != nil {
		return nil, &DecryptError{Reason: "authentication failed", Err: err}
	}
	return plaintext, nil
}

// SealRecord marshals v as JSON and seals it.
func SealRecord(c Codec, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return c.Seal(b)
}

// OpenRecord reverses SealRecord. Any failure, including a plaintext that is
// not a valid record, is a *DecryptError and yields the zero value.
func OpenRecord[T any](c Codec, sealed []byte) (T, error) {
	var record T

	b, err := c.Open(sealed)
	if err != nil {
		return record, err
	}

	if err := json.Unmarshal(b, &record); err != nil {
		var zero T
		return zero, &DecryptError{Reason: "malformed record", Err: err}
	}
	return record, nil
}
