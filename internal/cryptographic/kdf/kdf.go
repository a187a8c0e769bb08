package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer from HKDF-SHA256(secret, salt, info).
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// Split derives 2*n bytes and returns them as two independent n-byte keys.
func Split(secret, salt, info []byte, n int) ([]byte, []byte, error) {
	buf := make([]byte, 2*n)
	if _, err := HKDF(secret, salt, info, buf); err != nil {
		return nil, nil, err
	}
	return buf[:n:n], buf[n:], nil
}
