package mesh

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const maxRecordSize = 64 * 1024

// Link is an ordered, reliable record channel to one peer.
type Link interface {
	ReadRecord() ([]byte, error)
	WriteRecord(ctx context.Context, rec []byte) error
	Close() error
}

// StreamLink frames records with a 4-byte big-endian length over a stream
// connection (TCP on a LAN, net.Pipe in tests).
type StreamLink struct {
	conn net.Conn
	wmu  sync.Mutex
}

func NewStreamLink(conn net.Conn) *StreamLink {
	return &StreamLink{conn: conn}
}

func (l *StreamLink) ReadRecord() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(l.conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxRecordSize {
		return nil, fmt.Errorf("record of %d bytes exceeds %d", n, maxRecordSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(l.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteRecord honours ctx's deadline as the write deadline.
func (l *StreamLink) WriteRecord(ctx context.Context, rec []byte) error {
	if len(rec) > maxRecordSize {
		return fmt.Errorf("record of %d bytes exceeds %d", len(rec), maxRecordSize)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	defer l.conn.SetWriteDeadline(time.Time{})

	buf := make([]byte, 4+len(rec))
	binary.BigEndian.PutUint32(buf, uint32(len(rec)))
	copy(buf[4:], rec)
	_, err := l.conn.Write(buf)
	return err
}

func (l *StreamLink) Close() error { return l.conn.Close() }

func (l *StreamLink) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }
