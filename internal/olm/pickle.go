package olm

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"nacre/internal/util/memzero"
)

// ErrBadPickle means pickled state could not be decoded or decrypted.
var ErrBadPickle = errors.New("olm: bad pickle")

// pickle serializes v and, when key is non-empty, seals it with
// ChaCha20-Poly1305 under SHA-256(key). The result is unpadded base64.
func pickle(v any, key []byte) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if len(key) == 0 {
		return base64.RawStdEncoding.EncodeToString(raw), nil
	}
	k := sha256.Sum256(key)
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	blob := aead.Seal(nonce, nonce, raw, nil)
	memzero.Zero(raw)
	return base64.RawStdEncoding.EncodeToString(blob), nil
}

// unpickle reverses pickle into v.
func unpickle(pickled string, key []byte, v any) error {
	blob, err := base64.RawStdEncoding.DecodeString(pickled)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPickle, err)
	}
	raw := blob
	if len(key) != 0 {
		k := sha256.Sum256(key)
		aead, err := chacha20poly1305.New(k[:])
		if err != nil {
			return err
		}
		if len(blob) < chacha20poly1305.NonceSize {
			return ErrBadPickle
		}
		raw, err = aead.Open(nil, blob[:chacha20poly1305.NonceSize], blob[chacha20poly1305.NonceSize:], nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadPickle, err)
		}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPickle, err)
	}
	return nil
}

// encodeKey renders key material as unpadded base64 for the wire.
func encodeKey(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }

// decodeBody parses an unpadded-base64 message body.
func decodeBody(s string) ([]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("olm: bad body encoding: %w", err)
	}
	return raw, nil
}

// decodeKey32 parses an unpadded-base64 32-byte key.
func decodeKey32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("olm: bad key encoding: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("olm: key must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
