package envelope

import (
	"crypto/cipher"
	"fmt"

	"github.com/jmcleod/devicegate/internal/util"
)

// Suite names an AEAD construction.
type Suite string

const (
	// SuiteAES128GCM is the default suite.
	SuiteAES128GCM Suite = "aes-128-gcm"
	// SuiteChaCha20Poly1305 suits devices without AES hardware.
	SuiteChaCha20Poly1305 Suite = "chacha20-poly1305"
)

// ParseSuite resolves a configured suite name. The empty string selects the default.
func ParseSuite(name string) (Suite, error) {
	switch Suite(name) {
	case "", SuiteAES128GCM:
		return SuiteAES128GCM, nil
	case SuiteChaCha20Poly1305:
		return SuiteChaCha20Poly1305, nil
	default:
		return "", fmt.Errorf("unknown cipher suite %q", name)
	}
}

// KeySize returns the symmetric key length of the suite in bytes.
func (s Suite) KeySize() int {
	if s == SuiteChaCha20Poly1305 {
		return util.AES256KeySize
	}
	return util.AES128KeySize
}

func (s Suite) newAEAD(key []byte) (cipher.AEAD, error) {
	switch s {
	case SuiteAES128GCM:
		return util.NewAESGCM(key)
	case SuiteChaCha20Poly1305:
		return util.NewChaCha20Poly1305(key)
	default:
		return nil, fmt.Errorf("unknown cipher suite %q", string(s))
	}
}
