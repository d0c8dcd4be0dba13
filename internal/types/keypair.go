package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
)

// ErrInvalidKeypair is returned when keypair bytes are not a 64-byte
// ed25519 private key.
var ErrInvalidKeypair = errors.New("invalid keypair: must be 64 bytes")

// Keypair is an ed25519 signing identity.
type Keypair struct {
	private ed25519.PrivateKey
}

// NewKeypair generates a keypair from rand (crypto/rand when nil).
func NewKeypair(r io.Reader) (*Keypair, error) {
	if r == nil {
		r = rand.Reader
	}
	_, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	return &Keypair{private: priv}, nil
}

// KeypairFromBytes wraps a 64-byte ed25519 private key.
func KeypairFromBytes(b []byte) (*Keypair, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeypair
	}
	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, b)
	return &Keypair{private: priv}, nil
}

// LoadKeypair reads a keypair file holding a JSON array of 64 bytes.
func LoadKeypair(path string) (*Keypair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read keypair")
	}
	var b []byte
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, errors.Wrap(err, "decode keypair")
	}
	for _, v := range ints {
		if v < 0 || v > 255 {
			return nil, ErrInvalidKeypair
		}
		b = append(b, byte(v))
	}
	return KeypairFromBytes(b)
}

// Save writes the keypair in the same JSON array format LoadKeypair reads.
func (k *Keypair) Save(path string) error {
	ints := make([]int, len(k.private))
	for i, v := range k.private {
		ints[i] = int(v)
	}
	raw, err := json.Marshal(ints)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0600)
}

// Pubkey returns the public half.
func (k *Keypair) Pubkey() Pubkey {
	var p Pubkey
	copy(p[:], k.private.Public().(ed25519.PublicKey))
	return p
}

// Sign signs message.
func (k *Keypair) Sign(message []byte) Signature {
	var s Signature
	copy(s[:], ed25519.Sign(k.private, message))
	return s
}
