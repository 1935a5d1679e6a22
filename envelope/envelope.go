// Package envelope implements the authenticated-encryption format used for
// every payload on the device bus.
//
// An envelope is three lowercase hex fields joined by colons:
//
//	<nonce>:<ciphertext>:<tag>
//
// The nonce is 12 bytes and the tag 16 bytes for every supported suite.
package envelope

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmcleod/devicegate/internal/util"
)

// Delimiter separates the three envelope fields on the wire.
const Delimiter = ":"

const (
	NonceSize = util.AEADNonceSize
	TagSize   = util.AEADTagSize
)

// ErrDecryptionFailed is the only error Decrypt reports. Malformed input and
// failed integrity checks are deliberately indistinguishable.
var ErrDecryptionFailed = errors.New("decryption failed")

var errMalformed = errors.New("malformed envelope")

// Envelope is the decoded form of a sealed payload.
type Envelope struct {
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// String renders the envelope in wire form.
func (e Envelope) String() string {
	return util.HexEncode(e.Nonce) + Delimiter + util.HexEncode(e.Ciphertext) + Delimiter + util.HexEncode(e.Tag)
}

// Parse decodes the wire form. It requires exactly three lowercase hex fields
// with a 12-byte nonce and a 16-byte tag.
func Parse(wire string) (Envelope, error) {
	parts := strings.Split(wire, Delimiter)
	if len(parts) != 3 {
		return Envelope{}, fmt.Errorf("%w: found %d fields, expected 3", errMalformed, len(parts))
	}

	nonce, err := util.HexDecodeLower(parts[0])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: nonce: %v", errMalformed, err)
	}
	cipherText, err := util.HexDecodeLower(parts[1])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: ciphertext: %v", errMalformed, err)
	}
	tag, err := util.HexDecodeLower(parts[2])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: tag: %v", errMalformed, err)
	}
	if len(nonce) != NonceSize {
		return Envelope{}, fmt.Errorf("%w: nonce is %d bytes", errMalformed, len(nonce))
	}
	if len(tag) != TagSize {
		return Envelope{}, fmt.Errorf("%w: tag is %d bytes", errMalformed, len(tag))
	}

	return Envelope{Nonce: nonce, Ciphertext: cipherText, Tag: tag}, nil
}
