// Package transport owns the client's relay connection: a websocket with
// auth, heartbeat and backoff reconnects, and an HTTP long-poll fallback
// that runs whenever the socket is not usable.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pm_chat/internal/config"
	"pm_chat/internal/model"
	"pm_chat/internal/utils/log"
)

const (
	eventBuffer  = 128
	writeTimeout = 10 * time.Second
	// pollTimeout covers the relay's hold ceiling plus slack.
	pollTimeout = 40 * time.Second
	ackTimeout  = 5 * time.Second
)

var ErrAlreadyStarted = errors.New("transport: already started")

type (
	Options struct {
		ServerHost        string
		Secure            bool
		ConnectTimeout    time.Duration
		PollInterval      time.Duration
		HeartbeatInterval time.Duration
		BackoffInitial    time.Duration
		BackoffMax        time.Duration
	}

	Manager struct {
		opts   Options
		token  string
		dialer *websocket.Dialer
		http   *http.Client

		state atomic.Int32
		since atomic.Int64

		mu         sync.Mutex
		conn       *websocket.Conn
		ready      bool
		running    bool
		cancel     context.CancelFunc
		pollCancel context.CancelFunc
		events     chan Event

		// after times reconnect attempts
		after func(time.Duration) <-chan time.Time

		// serialises socket writes
		wmu sync.Mutex
		wg  sync.WaitGroup
	}
)

func OptionsFromConfig(c config.ClientConfig) Options {
	return Options{
		ServerHost:        c.ServerHost,
		Secure:            c.Secure,
		ConnectTimeout:    c.ConnectTimeout,
		PollInterval:      c.PollInterval,
		HeartbeatInterval: c.HeartbeatInterval,
		BackoffInitial:    c.BackoffInitial,
		BackoffMax:        c.BackoffMax,
	}
}

func NewManager(opts Options, token string) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Manager{
		opts:   opts,
		token:  token,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.ConnectTimeout},
		http:   &http.Client{Timeout: pollTimeout},
		events: make(chan Event, eventBuffer),
		after:  time.After,
	}
}

func (m *Manager) State() State { return State(m.state.Load()) }

// Since is the poll watermark, the newest relay store time seen.
func (m *Manager) Since() int64 { return m.since.Load() }

// SetSince seeds the poll watermark, e.g. from the local log.
func (m *Manager) SetSince(v int64) { m.since.Store(v) }

// Events returns the inbound stream of the current session. It is closed by
// Close and replaced by the next Start.
func (m *Manager) Events() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

// Polling reports whether the poll fallback is running.
func (m *Manager) Polling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollCancel != nil
}

// Ready reports whether the socket is authenticated and accepts sends.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyStarted
	}
	if m.events == nil {
		m.events = make(chan Event, eventBuffer)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.run(runCtx)
	return nil
}

// Close tears the session down on purpose: timers stop and no reconnect
// follows.
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.setState(StateClosing)
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.running = false
	close(m.events)
	m.events = nil
	m.mu.Unlock()
	m.state.Store(int32(StateIdle))
	return nil
}

// SendMessage writes a chat frame on the socket. It reports false when the
// socket is not authenticated or the write fails; callers then try another
// path.
func (m *Manager) SendMessage(recipientID string, p model.Packet, messageID string, timestamp int64) bool {
	return m.sendFrame(&model.Frame{
		Type:        model.FrameChatMessage,
		RecipientID: recipientID,
		Content:     p.Ciphertext,
		Nonce:       p.Nonce,
		MessageID:   messageID,
		Timestamp:   timestamp,
	})
}

func (m *Manager) SendTyping(recipientID string, typing bool) bool {
	return m.sendFrame(model.TypingFrame(recipientID, typing))
}

func (m *Manager) sendFrame(f *model.Frame) bool {
	m.mu.Lock()
	conn, ready := m.conn, m.ready
	m.mu.Unlock()
	if conn == nil || !ready {
		return false
	}
	if err := m.write(conn, f); err != nil {
		log.Warn("socket send failed", zap.String("type", string(f.Type)), zap.Error(err))
		return false
	}
	return true
}

func (m *Manager) write(conn *websocket.Conn, f *model.Frame) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	defer m.stopPolling()

	backoff := NewBackoff(m.opts.BackoffInitial, m.opts.BackoffMax)
	for {
		m.setState(StateConnecting)
		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("relay connect failed, polling", zap.Error(err))
			m.startPolling(ctx)
		} else {
			backoff.Reset()
			m.setState(StateConnected)
			err = m.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			log.Warn("relay connection lost, polling", zap.Error(err))
			m.startPolling(ctx)
		}

		delay := backoff.Next()
		log.Info("reconnecting", zap.Duration("in", delay))
		select {
		case <-ctx.Done():
			return
		case <-m.after(delay):
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	scheme := "ws"
	if m.opts.Secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: m.opts.ServerHost, Path: "/ws"}

	conn, resp, err := m.dialer.DialContext(dctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// serve runs one socket session and returns when it ends.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	var hb sync.WaitGroup
	defer func() {
		cancel()
		hb.Wait()
		m.mu.Lock()
		m.conn, m.ready = nil, false
		m.mu.Unlock()
		conn.Close()
	}()

	m.mu.Lock()
	m.conn, m.ready = conn, false
	m.mu.Unlock()

	// unblock ReadMessage on teardown
	go func() {
		<-connCtx.Done()
		if ctx.Err() != nil {
			m.wmu.Lock()
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			m.wmu.Unlock()
		}
		conn.Close()
	}()

	if err := m.write(conn, &model.Frame{Type: model.FrameAuth, Token: m.token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var f model.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn("dropping malformed frame from relay", zap.Error(err))
			continue
		}

		switch f.Type {
		case model.FrameAuthOK:
			m.mu.Lock()
			already := m.ready
			m.ready = true
			m.mu.Unlock()
			if already {
				continue
			}
			m.stopPolling()
			m.setState(StateConnected)
			log.Info("relay session ready")

			hb.Add(1)
			go func() {
				defer hb.Done()
				m.heartbeat(connCtx, conn)
			}()
			m.emit(ctx, Event{Kind: EventReady, Source: SourceSocket})

		case model.FrameError:
			log.Warn("relay error frame", zap.String("message", f.Message))
			m.emit(ctx, Event{Kind: EventFrame, Source: SourceSocket, Frame: &f})

		default:
			m.emit(ctx, Event{Kind: EventFrame, Source: SourceSocket, Frame: &f})
		}
	}
}

// heartbeat pings on a fixed period. A missing pong is not a failure.
func (m *Manager) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.write(conn, &model.Frame{Type: model.FramePing}); err != nil {
				log.Debug("heartbeat write failed", zap.Error(err))
				return
			}
		}
	}
}

func (m *Manager) startPolling(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollCancel != nil {
		m.setState(StatePolling)
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	m.pollCancel = cancel
	m.setState(StatePolling)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pollLoop(pctx)
	}()
}

func (m *Manager) stopPolling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollCancel != nil {
		m.pollCancel()
		m.pollCancel = nil
	}
}

func (m *Manager) pollLoop(ctx context.Context) {
	log.Info("poll fallback started")
	defer log.Info("poll fallback stopped")

	for {
		if err := m.PollOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn("poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.opts.PollInterval):
		}
	}
}

func (m *Manager) endpoint(path string, query url.Values) string {
	scheme := "http"
	if m.opts.Secure {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: m.opts.ServerHost, Path: path, RawQuery: query.Encode()}
	return u.String()
}

// PollOnce fetches stored messages newer than the watermark and emits them
// in order. The watermark only moves past a message once it has been handed
// over, and only handed-over messages are acked to the relay.
func (m *Manager) PollOnce(ctx context.Context) error {
	query := url.Values{"since": []string{strconv.FormatInt(m.Since(), 10)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint("/api/poll", query), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.token)

	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll: unexpected status %s", resp.Status)
	}

	var body model.PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode poll response: %w", err)
	}

	handed := make([]string, 0, len(body.Messages))
	defer func() { m.ackPolled(ctx, handed) }()

	for _, msg := range body.Messages {
		if err := m.emit(ctx, Event{Kind: EventFrame, Source: SourcePoll, Frame: model.ChatFrame(msg), StoredAt: msg.StoredAt}); err != nil {
			return fmt.Errorf("hand over polled message %s: %w", msg.MessageID, err)
		}
		handed = append(handed, msg.MessageID)
		if msg.StoredAt > m.Since() {
			m.since.Store(msg.StoredAt)
		}
	}
	return nil
}

// ackPolled tells the relay the given messages reached the client. A lost
// ack is harmless: the relay offers them again and the client dedupes.
func (m *Manager) ackPolled(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	data, err := json.Marshal(model.PollAck{MessageIDs: ids})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(actx, http.MethodPost, m.endpoint("/api/poll/ack", nil), bytes.NewReader(data))
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+m.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		log.Warn("poll ack failed", zap.Int("messages", len(ids)), zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		log.Warn("poll ack rejected", zap.String("status", resp.Status))
	}
}

func (m *Manager) emit(ctx context.Context, ev Event) error {
	m.mu.Lock()
	ch := m.events
	m.mu.Unlock()
	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setState records s and reports it without blocking.
func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	log.Debug("transport state", zap.Stringer("state", s))
	select {
	case m.events <- Event{Kind: EventState, State: s}:
	default:
	}
}
