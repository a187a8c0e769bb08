// Package mesh moves encrypted message payloads between nearby peers over
// small, constrained frames.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"pm_chat/internal/config"
	"pm_chat/internal/utils/log"
)

var (
	ErrNoRoute         = errors.New("mesh: no connected peer for recipient")
	ErrMeshUnavailable = errors.New("mesh: unavailable")
	ErrClosed          = errors.New("mesh: closed")
)

const (
	handshakeTimeout = 5 * time.Second
	inboundBuffer    = 64
)

type (
	Options struct {
		MTU               int
		HeaderReserve     int
		InterFrameDelay   time.Duration
		ChunkWriteTimeout time.Duration
		AssemblyTimeout   time.Duration
	}

	Peer struct {
		ID        string
		UserID    string
		PublicKey []byte

		link   Link
		asm    *Assembler
		sendMu sync.Mutex
	}

	// Inbound is a fully reassembled payload and the presence of the peer it
	// arrived from.
	Inbound struct {
		SenderID        string
		SenderPublicKey []byte
		Payload         Payload
	}

	Mesh struct {
		self  Presence
		opts  Options
		codec codec

		mu     sync.RWMutex
		peers  map[string]*Peer
		closed bool

		inbound chan Inbound
		done    chan struct{}
		wg      sync.WaitGroup
	}
)

func OptionsFromConfig(c config.MeshConfig) Options {
	return Options{
		MTU:               c.MTU,
		HeaderReserve:     c.HeaderReserve,
		InterFrameDelay:   c.InterFrameDelay,
		ChunkWriteTimeout: c.ChunkWriteTimeout,
		AssemblyTimeout:   c.AssemblyTimeout,
	}
}

func New(self Presence, opts Options) (*Mesh, error) {
	if opts.MTU <= opts.HeaderReserve {
		return nil, fmt.Errorf("mesh: mtu %d must exceed header reserve %d", opts.MTU, opts.HeaderReserve)
	}
	if opts.ChunkWriteTimeout <= 0 {
		opts.ChunkWriteTimeout = 5 * time.Second
	}
	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	return &Mesh{
		self:    self,
		opts:    opts,
		codec:   c,
		peers:   make(map[string]*Peer),
		inbound: make(chan Inbound, inboundBuffer),
		done:    make(chan struct{}),
	}, nil
}

// MaxData is the payload bytes carried per frame.
func (m *Mesh) MaxData() int { return m.opts.MTU - m.opts.HeaderReserve }

func (m *Mesh) Inbound() <-chan Inbound { return m.inbound }

// Attach exchanges presence over link, registers the peer and starts reading
// from it.
func (m *Mesh) Attach(ctx context.Context, link Link) (*Peer, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	hello, err := m.codec.Marshal(m.self)
	if err != nil {
		return nil, err
	}

	type readResult struct {
		rec []byte
		err error
	}
	// read concurrently: unbuffered links block the writer until the remote reads
	readCh := make(chan readResult, 1)
	go func() {
		rec, err := link.ReadRecord()
		readCh <- readResult{rec, err}
	}()

	if err := link.WriteRecord(hctx, hello); err != nil {
		link.Close()
		return nil, fmt.Errorf("mesh handshake: %w", err)
	}

	var r readResult
	select {
	case r = <-readCh:
	case <-hctx.Done():
		link.Close()
		return nil, fmt.Errorf("mesh handshake: %w", hctx.Err())
	}
	if r.err != nil {
		link.Close()
		return nil, fmt.Errorf("mesh handshake: %w", r.err)
	}

	var remote Presence
	if err := m.codec.Unmarshal(r.rec, &remote); err != nil || remote.UserID == "" {
		link.Close()
		return nil, fmt.Errorf("mesh handshake: bad presence: %v", err)
	}

	p := &Peer{
		ID:        ulid.Make().String(),
		UserID:    remote.UserID,
		PublicKey: remote.PublicKey,
		link:      link,
		asm:       NewAssembler(m.opts.AssemblyTimeout),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		link.Close()
		return nil, ErrClosed
	}
	m.peers[p.ID] = p
	m.mu.Unlock()

	log.Info("mesh peer attached", zap.String("peer", p.UserID), zap.String("link", p.ID))

	m.wg.Add(1)
	go m.readLoop(p)
	return p, nil
}

func (m *Mesh) readLoop(p *Peer) {
	defer m.wg.Done()
	defer m.detach(p)

	for {
		rec, err := p.link.ReadRecord()
		if err != nil {
			log.Debug("mesh link read ended", zap.String("peer", p.UserID), zap.Error(err))
			return
		}

		var c Chunk
		if err := m.codec.Unmarshal(rec, &c); err != nil {
			log.Warn("mesh dropping undecodable frame", zap.String("peer", p.UserID), zap.Error(err))
			continue
		}
		data, done, err := p.asm.Add(c)
		if err != nil {
			log.Warn("mesh dropping chunk", zap.String("peer", p.UserID), zap.Error(err))
			continue
		}
		if !done {
			continue
		}

		var payload Payload
		if err := m.codec.Unmarshal(data, &payload); err != nil {
			log.Warn("mesh dropping undecodable payload", zap.String("peer", p.UserID), zap.String("messageId", c.MessageID), zap.Error(err))
			continue
		}

		select {
		case m.inbound <- Inbound{SenderID: p.UserID, SenderPublicKey: p.PublicKey, Payload: payload}:
		case <-m.done:
			return
		}
	}
}

func (m *Mesh) detach(p *Peer) {
	p.link.Close()
	m.mu.Lock()
	delete(m.peers, p.ID)
	m.mu.Unlock()
	log.Info("mesh peer detached", zap.String("peer", p.UserID), zap.String("link", p.ID))
}

// Route returns a connected peer advertising userID.
func (m *Mesh) Route(userID string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.peers {
		if p.UserID == userID {
			return p, true
		}
	}
	return nil, false
}

// Peers lists the user ids currently reachable.
func (m *Mesh) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.peers))
	for _, p := range m.peers {
		ids = append(ids, p.UserID)
	}
	return ids
}

// Send chunks payload and writes it to the peer advertising recipientID,
// pausing between frames. A write that stalls past the per-chunk timeout or
// a cancellation between frames is reported as ErrMeshUnavailable.
func (m *Mesh) Send(ctx context.Context, recipientID string, payload Payload) error {
	p, ok := m.Route(recipientID)
	if !ok {
		return ErrNoRoute
	}

	body, err := m.codec.Marshal(payload)
	if err != nil {
		return err
	}
	chunks, err := Split(payload.MessageID, body, m.MaxData())
	if err != nil {
		return err
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	for i, c := range chunks {
		if i > 0 && m.opts.InterFrameDelay > 0 {
			select {
			case <-time.After(m.opts.InterFrameDelay):
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrMeshUnavailable, ctx.Err())
			}
		}

		frame, err := m.codec.Marshal(c)
		if err != nil {
			return err
		}
		if err := m.writeChunk(ctx, p, frame); err != nil {
			log.Warn("mesh chunk write failed",
				zap.String("peer", p.UserID),
				zap.String("messageId", c.MessageID),
				zap.Int("chunk", c.ChunkIndex),
				zap.Error(err))
			return fmt.Errorf("%w: %v", ErrMeshUnavailable, err)
		}
	}
	return nil
}

func (m *Mesh) writeChunk(ctx context.Context, p *Peer, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, m.opts.ChunkWriteTimeout)
	defer cancel()
	return p.link.WriteRecord(wctx, frame)
}

// Run sweeps stale assemblies until ctx is done.
func (m *Mesh) Run(ctx context.Context) {
	interval := m.opts.AssemblyTimeout / 4
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.RLock()
			peers := make([]*Peer, 0, len(m.peers))
			for _, p := range m.peers {
				peers = append(peers, p)
			}
			m.mu.RUnlock()

			for _, p := range peers {
				if n := p.asm.Sweep(); n > 0 {
					log.Warn("mesh abandoned partial transfers", zap.String("peer", p.UserID), zap.Int("count", n))
				}
			}
		}
	}
}

// Listen accepts TCP links on addr until ctx is done.
func (m *Mesh) Listen(ctx context.Context, addr string) (net.Addr, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					log.Error("mesh accept failed", zap.Error(err))
				}
				return
			}
			go func() {
				if _, err := m.Attach(ctx, NewStreamLink(conn)); err != nil {
					log.Warn("mesh inbound attach failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
				}
			}()
		}
	}()

	log.Info("mesh listening", zap.String("addr", ln.Addr().String()))
	return ln.Addr(), nil
}

// Dial opens a TCP link to addr and attaches it.
func (m *Mesh) Dial(ctx context.Context, addr string) (*Peer, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return m.Attach(ctx, NewStreamLink(conn))
}

// Close detaches every peer and closes the inbound channel.
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	for _, p := range m.peers {
		p.link.Close()
	}
	m.mu.Unlock()

	m.wg.Wait()
	close(m.inbound)
	return nil
}
