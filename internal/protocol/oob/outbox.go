package oob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Outbox is a TextSender that appends texts to a file, one
// "address<TAB>body" line each, for a carrier gateway or a person to pick up.
type Outbox struct {
	path string
	mu   sync.Mutex
}

func NewOutbox(path string) *Outbox {
	return &Outbox{path: path}
}

func (o *Outbox) SendText(ctx context.Context, address, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if address == "" || strings.ContainsAny(address, "\t\n") || strings.Contains(body, "\n") {
		return fmt.Errorf("outbox: invalid text for %q", address)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(o.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s\t%s\n", address, body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
