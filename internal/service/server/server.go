package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pm_chat/internal/config"
	"pm_chat/internal/cryptographic/encryption"
	"pm_chat/internal/metrics"
	"pm_chat/internal/model"
	"pm_chat/internal/service/push"
	"pm_chat/internal/utils/log"
)

const (
	maxFrameSize = 256 * 1024
	// base64 of the largest sealed body plus box overhead
	maxContentLen = (encryption.MaxMessageSize+1024)*4/3 + 4
)

type (
	MessageStore interface {
		Save(ctx context.Context, m *model.Message) error
		UpdateStatus(ctx context.Context, messageID string, status model.Status) (bool, error)
		FindForRecipient(ctx context.Context, recipientID string, since int64) ([]*model.Message, error)
		FindUndelivered(ctx context.Context, recipientID string) ([]*model.Message, error)
		FindByIDs(ctx context.Context, recipientID string, ids []string) ([]*model.Message, error)
	}

	UserDirectory interface {
		GetByID(ctx context.Context, id string) (*model.Identity, error)
		Upsert(ctx context.Context, user *model.Identity) error
	}

	TokenVerifier interface {
		Verify(token string) (string, error)
	}

	HttpServer struct {
		cfg      config.ServerConfig
		registry *Registry
		messages MessageStore
		users    UserDirectory
		tokens   TokenVerifier
		notifier push.Notifier
		upgrader websocket.Upgrader
		now      func() time.Time

		// background persistence and push work
		bg sync.WaitGroup
	}
)

func NewHttpServer(cfg config.ServerConfig, messages MessageStore, users UserDirectory, tokens TokenVerifier, notifier push.Notifier) *HttpServer {
	if notifier == nil {
		notifier = push.Nop{}
	}
	return &HttpServer{
		cfg:      cfg,
		registry: NewRegistry(),
		messages: messages,
		users:    users,
		tokens:   tokens,
		notifier: notifier,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		now: time.Now,
	}
}

func (s *HttpServer) Registry() *Registry { return s.registry }

func (s *HttpServer) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.HandleWS()).Methods(http.MethodGet)
	r.HandleFunc("/api/poll", s.HandlePoll()).Methods(http.MethodGet)
	r.HandleFunc("/api/poll/ack", s.HandlePollAck()).Methods(http.MethodPost)
	r.HandleFunc("/keys/{id}", s.GetPublicKey()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{id}", s.PutPublicKey()).Methods(http.MethodPut)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Run serves until ctx is cancelled, then shuts down and waits for
// background work.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.registry.CloseAll()
	s.bg.Wait()
	log.Info("relay stopped")
	return err
}

func (s *HttpServer) HandleWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		s.serveConn(conn)
	}
}

func (s *HttpServer) serveConn(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)
	c := newClient(conn, s.cfg.SendBuffer)
	go c.writePump(s.writeTimeout())

	defer func() {
		if c.UserID != "" {
			s.registry.Remove(c)
			metrics.ConnectedClients.Dec()
			log.Info("client disconnected", zap.String("user", c.UserID), zap.String("conn", c.ID))
		}
		c.close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("web socket closed", zap.String("conn", c.ID), zap.Error(err))
			return
		}

		var f model.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.dropMalformed(c, "undecodable frame", err)
			continue
		}
		metrics.FramesReceived.WithLabelValues(string(f.Type)).Inc()

		if c.UserID == "" {
			if f.Type != model.FrameAuth {
				metrics.FramesDropped.WithLabelValues("unauthenticated").Inc()
				s.sendFrame(c, model.ErrorFrame("not authenticated"))
				continue
			}
			if !s.authenticate(c, f.Token) {
				return
			}
			continue
		}

		s.handleFrame(c, &f)
	}
}

// authenticate registers c on success. On failure it tells the peer and
// schedules the close; nothing is registered.
func (s *HttpServer) authenticate(c *Client, token string) bool {
	userID, err := s.tokens.Verify(token)
	if err != nil {
		metrics.AuthFailures.Inc()
		log.Warn("socket auth rejected", zap.String("conn", c.ID), zap.Error(err))
		s.sendFrame(c, model.ErrorFrame("authentication failed"))
		return false
	}

	c.UserID = userID
	s.registry.Add(c)
	metrics.ConnectedClients.Inc()
	log.Info("client authenticated", zap.String("user", userID), zap.String("conn", c.ID))

	s.sendFrame(c, &model.Frame{Type: model.FrameAuthOK})

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := s.ForwardUndelivered(c); err != nil {
			log.Error("forward undelivered messages failed", zap.String("user", userID), zap.Error(err))
		}
	}()
	return true
}

func (s *HttpServer) handleFrame(c *Client, f *model.Frame) {
	switch f.Type {
	case model.FrameChatMessage:
		if err := validateChat(f); err != nil {
			s.dropMalformed(c, "invalid chat_message", err)
			return
		}
		m := f.ToMessage()
		m.SenderID = c.UserID
		s.relay(c, m)

	case model.FrameTyping:
		if f.RecipientID == "" {
			s.dropMalformed(c, "typing without recipient", nil)
			return
		}
		s.relayTyping(c.UserID, f)

	case model.FramePing:
		s.sendFrame(c, &model.Frame{Type: model.FramePong})

	case model.FrameAuth:
		// a connection stays bound to its first identity
		if userID, err := s.tokens.Verify(f.Token); err != nil || userID != c.UserID {
			metrics.AuthFailures.Inc()
			s.sendFrame(c, model.ErrorFrame("authentication failed"))
			return
		}
		s.sendFrame(c, &model.Frame{Type: model.FrameAuthOK})

	default:
		s.dropMalformed(c, "unexpected frame type", fmt.Errorf("type %q", f.Type))
	}
}

// relay stores m and fans it out to every live connection of the recipient.
// Persistence runs concurrently and never gates delivery.
func (s *HttpServer) relay(sender *Client, m *model.Message) {
	m.Status = model.StatusPending
	m.StoredAt = s.now().Unix()

	stored := *m
	persisted := make(chan struct{})
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer close(persisted)
		ctx, cancel := s.opContext()
		defer cancel()
		if err := s.messages.Save(ctx, &stored); err != nil {
			metrics.PersistFailures.Inc()
			log.Warn("durability warning: message has no stored copy",
				zap.String("messageId", m.MessageID),
				zap.String("sender", m.SenderID),
				zap.String("recipient", m.RecipientID),
				zap.Error(err))
		}
	}()

	delivered := false
	if data, err := json.Marshal(model.ChatFrame(m)); err != nil {
		log.Error("encode relay frame failed", zap.String("messageId", m.MessageID), zap.Error(err))
	} else {
		for _, c := range s.registry.Connections(m.RecipientID) {
			if c.Enqueue(data) {
				delivered = true
			}
		}
	}

	if delivered {
		metrics.MessagesRelayed.WithLabelValues("delivered").Inc()
		s.sendFrame(sender, model.AckFrame(m.MessageID, model.StatusDelivered))

		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			<-persisted
			ctx, cancel := s.opContext()
			defer cancel()
			if _, err := s.messages.UpdateStatus(ctx, m.MessageID, model.StatusDelivered); err != nil {
				log.Warn("durability warning: delivered status not stored", zap.String("messageId", m.MessageID), zap.Error(err))
			}
		}()
	} else {
		metrics.MessagesRelayed.WithLabelValues("sent").Inc()
		s.sendFrame(sender, model.AckFrame(m.MessageID, model.StatusSent))
	}

	// alerts go out for every message, online or not
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.notify(m)
	}()
}

func (s *HttpServer) notify(m *model.Message) {
	ctx, cancel := s.opContext()
	defer cancel()

	alert := push.Alert{RecipientID: m.RecipientID, SenderID: m.SenderID, MessageID: m.MessageID}
	if u, err := s.users.GetByID(ctx, m.RecipientID); err != nil {
		log.Warn("push address lookup failed", zap.String("recipient", m.RecipientID), zap.Error(err))
	} else if u != nil {
		alert.PushAddress = u.PushAddress
	}

	if err := s.notifier.Notify(ctx, alert); err != nil {
		log.Warn("push notification failed", zap.String("recipient", m.RecipientID), zap.String("messageId", m.MessageID), zap.Error(err))
	}
}

func (s *HttpServer) relayTyping(senderID string, f *model.Frame) {
	out := &model.Frame{Type: model.FrameTyping, RecipientID: f.RecipientID, SenderID: senderID, IsTyping: f.IsTyping}
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	for _, c := range s.registry.Connections(f.RecipientID) {
		c.Enqueue(data)
	}
}

// ForwardUndelivered pushes stored messages to a freshly authenticated
// connection and acks their senders.
func (s *HttpServer) ForwardUndelivered(c *Client) error {
	ctx, cancel := s.opContext()
	defer cancel()

	messages, err := s.messages.FindUndelivered(ctx, c.UserID)
	if err != nil {
		return err
	}

	for _, m := range messages {
		data, err := json.Marshal(model.ChatFrame(m))
		if err != nil {
			return err
		}
		if !c.Enqueue(data) {
			return errors.New("connection closed while forwarding")
		}
		s.markDelivered(ctx, m)
	}
	if len(messages) > 0 {
		log.Info("forwarded stored messages", zap.String("user", c.UserID), zap.Int("count", len(messages)))
	}
	return nil
}

func (s *HttpServer) markDelivered(ctx context.Context, m *model.Message) {
	changed, err := s.messages.UpdateStatus(ctx, m.MessageID, model.StatusDelivered)
	if err != nil {
		log.Warn("durability warning: delivered status not stored", zap.String("messageId", m.MessageID), zap.Error(err))
		return
	}
	if !changed {
		return
	}
	ack, err := json.Marshal(model.AckFrame(m.MessageID, model.StatusDelivered))
	if err != nil {
		return
	}
	for _, sc := range s.registry.Connections(m.SenderID) {
		sc.Enqueue(ack)
	}
}

func (s *HttpServer) sendFrame(c *Client, f *model.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Error("encode frame failed", zap.String("type", string(f.Type)), zap.Error(err))
		return
	}
	if !c.Enqueue(data) {
		metrics.FramesDropped.WithLabelValues("backpressure").Inc()
		log.Warn("dropping outbound frame", zap.String("conn", c.ID), zap.String("type", string(f.Type)))
	}
}

func (s *HttpServer) dropMalformed(c *Client, reason string, err error) {
	metrics.FramesDropped.WithLabelValues("malformed").Inc()
	log.Warn("dropping malformed frame",
		zap.String("conn", c.ID),
		zap.String("user", c.UserID),
		zap.String("reason", reason),
		zap.Error(err))
}

func (s *HttpServer) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 10 * time.Second
}

func (s *HttpServer) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.writeTimeout())
}

func validateChat(f *model.Frame) error {
	switch {
	case f.RecipientID == "":
		return errors.New("missing recipientId")
	case f.MessageID == "":
		return errors.New("missing messageId")
	case f.Content == "":
		return errors.New("missing content")
	case len(f.Content) > maxContentLen:
		return fmt.Errorf("content of %d bytes too large", len(f.Content))
	}
	if _, err := base64.StdEncoding.DecodeString(f.Content); err != nil {
		return fmt.Errorf("content: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(f.Nonce)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	if len(nonce) != encryption.NonceSize {
		return fmt.Errorf("nonce is %d bytes, want %d", len(nonce), encryption.NonceSize)
	}
	return nil
}
