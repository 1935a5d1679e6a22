package util

import "bytes"

// CloneKey returns an independent copy of key material so the caller can
// wipe it without touching the source. A nil input stays nil.
func CloneKey(key []byte) []byte {
	return bytes.Clone(key)
}

// Wipe zeroes each buffer in place. Copies made elsewhere are not affected.
func Wipe(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
}
