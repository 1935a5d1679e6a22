package envelope

import (
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"github.com/jmcleod/devicegate/internal/util"
)

// Codec encrypts and decrypts envelopes under one key. It is safe for
// concurrent use.
type Codec struct {
	suite Suite
	aead  cipher.AEAD
}

// Option configures a Codec.
type Option func(*Codec)

// WithSuite selects the AEAD construction. Default: SuiteAES128GCM.
func WithSuite(s Suite) Option {
	return func(c *Codec) {
		c.suite = s
	}
}

// DeriveKey maps keying material of any length to a size-byte key by
// truncating its SHA-256 digest. size must not exceed 32.
func DeriveKey(material []byte, size int) []byte {
	sum := sha256.Sum256(material)
	return util.CloneKey(sum[:size])
}

// NewCodec derives a key from material and prepares the cipher.
func NewCodec(material []byte, opts ...Option) (*Codec, error) {
	c := &Codec{suite: SuiteAES128GCM}
	for _, opt := range opts {
		opt(c)
	}

	key := DeriveKey(material, c.suite.KeySize())
	defer util.Wipe(key)

	aead, err := c.suite.newAEAD(key)
	if err != nil {
		return nil, err
	}
	c.aead = aead
	return c, nil
}

// Suite reports the AEAD construction in use.
func (c *Codec) Suite() Suite {
	return c.suite
}

// Seal encrypts plainText under a fresh random nonce.
func (c *Codec) Seal(plainText []byte) (Envelope, error) {
	nonce, cipherText, tag, err := util.SealDetached(c.aead, plainText)
	if err != nil {
		return Envelope{}, fmt.Errorf("encryption failed: %w", err)
	}
	return Envelope{Nonce: nonce, Ciphertext: cipherText, Tag: tag}, nil
}

// Open verifies and decrypts env.
func (c *Codec) Open(env Envelope) ([]byte, error) {
	plainText, err := util.OpenDetached(c.aead, env.Nonce, env.Ciphertext, env.Tag)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plainText, nil
}

// Encrypt seals plainText and returns the wire form.
func (c *Codec) Encrypt(plainText []byte) (string, error) {
	env, err := c.Seal(plainText)
	if err != nil {
		return "", err
	}
	return env.String(), nil
}

// Decrypt parses and opens a wire-form envelope. Any failure is reported as
// ErrDecryptionFailed; the cipher is never invoked on malformed input.
func (c *Codec) Decrypt(wire string) ([]byte, error) {
	env, err := Parse(wire)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return c.Open(env)
}

// Encrypt is a one-shot helper using the default suite.
func Encrypt(material, plainText []byte) (string, error) {
	c, err := NewCodec(material)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plainText)
}

// Decrypt is a one-shot helper using the default suite.
func Decrypt(material []byte, wire string) ([]byte, error) {
	c, err := NewCodec(material)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return c.Decrypt(wire)
}
