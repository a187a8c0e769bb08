// Package oob encodes sealed packets for public low-bandwidth text channels
// such as carrier SMS: "[PM]:<nonce>:<ciphertext>".
package oob

import (
	"context"
	"errors"
	"strings"

	"pm_chat/internal/model"
)

const (
	Tag       = "[PM]"
	delimiter = ":"
)

var ErrNotOOB = errors.New("not an out-of-band message")

// TextSender is the carrier text channel, e.g. an SMS gateway.
type TextSender interface {
	SendText(ctx context.Context, address, body string) error
}

func Encode(p model.Packet) string {
	return Tag + delimiter + p.Nonce + delimiter + p.Ciphertext
}

// Decode parses a text produced by Encode. Only the first two delimiters are
// structural; the ciphertext keeps any colons it contains.
func Decode(s string) (model.Packet, error) {
	parts := strings.SplitN(s, delimiter, 3)
	if len(parts) != 3 || parts[0] != Tag || parts[1] == "" || parts[2] == "" {
		return model.Packet{}, ErrNotOOB
	}
	return model.Packet{Nonce: parts[1], Ciphertext: parts[2]}, nil
}

// IsOOB is a cheap prefix check for inbound text routing.
func IsOOB(s string) bool {
	return strings.HasPrefix(s, Tag+delimiter)
}
