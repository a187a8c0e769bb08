package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pm_chat/internal/auth"
	"pm_chat/internal/config"
	"pm_chat/internal/model"
	"pm_chat/internal/service/push"
)

type memStore struct {
	mu       sync.Mutex
	messages map[string]model.Message
	saves    int
	failSave error
}

func newMemStore() *memStore {
	return &memStore{messages: map[string]model.Message{}}
}

func (s *memStore) Save(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.failSave != nil {
		return s.failSave
	}
	if _, ok := s.messages[m.MessageID]; !ok {
		s.messages[m.MessageID] = *m
	}
	return nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, status model.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || !m.Status.Advances(status) {
		return false, nil
	}
	m.Status = status
	s.messages[id] = m
	return true, nil
}

func (s *memStore) FindForRecipient(_ context.Context, recipientID string, since int64) ([]*model.Message, error) {
	return s.filter(func(m model.Message) bool {
		return m.RecipientID == recipientID && m.StoredAt >= since && m.Status != model.StatusDelivered
	}), nil
}

func (s *memStore) FindUndelivered(_ context.Context, recipientID string) ([]*model.Message, error) {
	return s.filter(func(m model.Message) bool {
		return m.RecipientID == recipientID && m.Status != model.StatusDelivered
	}), nil
}

func (s *memStore) FindByIDs(_ context.Context, recipientID string, ids []string) ([]*model.Message, error) {
	return s.filter(func(m model.Message) bool {
		return m.RecipientID == recipientID && slices.Contains(ids, m.MessageID)
	}), nil
}

func (s *memStore) filter(keep func(model.Message) bool) []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Message
	for _, m := range s.messages {
		if keep(m) {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}

func (s *memStore) get(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type memUsers struct {
	mu    sync.Mutex
	users map[string]model.Identity
}

func (u *memUsers) GetByID(_ context.Context, id string) (*model.Identity, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	i, ok := u.users[id]
	if !ok {
		return nil, nil
	}
	return &i, nil
}

func (u *memUsers) Upsert(_ context.Context, i *model.Identity) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.users[i.ID] = *i
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []push.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a push.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type fixture struct {
	srv      *HttpServer
	ts       *httptest.Server
	store    *memStore
	users    *memUsers
	notifier *recordingNotifier
	tokens   *auth.Tokens
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tokens, err := auth.NewTokens("test-secret", time.Hour)
	require.NoError(t, err)

	cfg := config.Default().Server
	cfg.PollHold = 2 * time.Second
	cfg.PollCheckInterval = 20 * time.Millisecond

	f := &fixture{
		store:    newMemStore(),
		users:    &memUsers{users: map[string]model.Identity{"bob": {ID: "bob", PublicKey: make([]byte, 32), PushAddress: "bob-device"}}},
		notifier: &recordingNotifier{},
		tokens:   tokens,
	}
	f.srv = NewHttpServer(cfg, f.store, f.users, tokens, f.notifier)
	f.ts = httptest.NewServer(f.srv.Router())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fixture) login(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn := f.dial(t)
	tok, err := f.tokens.Issue(userID)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(model.Frame{Type: model.FrameAuth, Token: tok}))
	assert.Equal(t, model.FrameAuthOK, readFrame(t, conn).Type)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *model.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f model.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return &f
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var ne interface{ Timeout() bool }
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "expected a read timeout, got %v", err)
}

func chatFrame(recipient, id string) model.Frame {
	return model.Frame{
		Type:        model.FrameChatMessage,
		RecipientID: recipient,
		MessageID:   id,
		Content:     base64.StdEncoding.EncodeToString([]byte("sealed")),
		Nonce:       base64.StdEncoding.EncodeToString(make([]byte, 24)),
		Timestamp:   1_700_000_000_000,
	}
}

func TestRelayFanOutToEveryConnection(t *testing.T) {
	f := newFixture(t)
	bob1 := f.login(t, "bob")
	bob2 := f.login(t, "bob")
	alice := f.login(t, "alice")

	require.NoError(t, alice.WriteJSON(chatFrame("bob", "m1")))

	for _, conn := range []*websocket.Conn{bob1, bob2} {
		got := readFrame(t, conn)
		assert.Equal(t, model.FrameChatMessage, got.Type)
		assert.Equal(t, "alice", got.SenderID)
		assert.Equal(t, "m1", got.MessageID)
	}

	ack := readFrame(t, alice)
	assert.Equal(t, model.FrameDeliveryAck, ack.Type)
	assert.Equal(t, model.StatusDelivered, ack.Status)
	assert.Equal(t, "m1", ack.MessageID)

	require.Eventually(t, func() bool {
		m, ok := f.store.get("m1")
		return ok && m.Status == model.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.store.count())
	require.Eventually(t, func() bool { return f.notifier.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelayOfflineRecipientAcksSentAndPushes(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")

	require.NoError(t, alice.WriteJSON(chatFrame("bob", "m1")))

	ack := readFrame(t, alice)
	assert.Equal(t, model.StatusSent, ack.Status)

	require.Eventually(t, func() bool { return f.notifier.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.notifier.count())

	f.notifier.mu.Lock()
	alert := f.notifier.alerts[0]
	f.notifier.mu.Unlock()
	assert.Equal(t, "bob-device", alert.PushAddress)
	assert.Equal(t, "alice", alert.SenderID)

	require.Eventually(t, func() bool {
		m, ok := f.store.get("m1")
		return ok && m.Status == model.StatusPending
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayPersistenceFailureStillDelivers(t *testing.T) {
	f := newFixture(t)
	f.store.failSave = errors.New("disk full")
	bob := f.login(t, "bob")
	alice := f.login(t, "alice")

	require.NoError(t, alice.WriteJSON(chatFrame("bob", "m1")))

	assert.Equal(t, "m1", readFrame(t, bob).MessageID)
	assert.Equal(t, model.StatusDelivered, readFrame(t, alice).Status)
}

func TestUnauthenticatedFrameGetsError(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(chatFrame("bob", "m1")))
	got := readFrame(t, conn)
	assert.Equal(t, model.FrameError, got.Type)
	assert.Equal(t, "not authenticated", got.Message)
	assert.Zero(t, f.store.count())

	tok, err := f.tokens.Issue("alice")
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(model.Frame{Type: model.FrameAuth, Token: tok}))
	assert.Equal(t, model.FrameAuthOK, readFrame(t, conn).Type)
}

func TestInvalidTokenClosesConnection(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(model.Frame{Type: model.FrameAuth, Token: "forged"}))
	assert.Equal(t, model.FrameError, readFrame(t, conn).Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Zero(t, f.srv.Registry().Users())
}

func TestReauthOnBoundConnectionChecksToken(t *testing.T) {
	f := newFixture(t)
	bob := f.login(t, "bob")

	require.NoError(t, bob.WriteJSON(model.Frame{Type: model.FrameAuth, Token: "forged"}))
	got := readFrame(t, bob)
	assert.Equal(t, model.FrameError, got.Type)
	assert.Equal(t, "authentication failed", got.Message)

	other, err := f.tokens.Issue("mallory")
	require.NoError(t, err)
	require.NoError(t, bob.WriteJSON(model.Frame{Type: model.FrameAuth, Token: other}))
	assert.Equal(t, model.FrameError, readFrame(t, bob).Type)

	own, err := f.tokens.Issue("bob")
	require.NoError(t, err)
	require.NoError(t, bob.WriteJSON(model.Frame{Type: model.FrameAuth, Token: own}))
	assert.Equal(t, model.FrameAuthOK, readFrame(t, bob).Type)

	assert.Len(t, f.srv.Registry().Connections("bob"), 1)
	assert.Empty(t, f.srv.Registry().Connections("mallory"))
}

func TestMalformedFramesAreDroppedSilently(t *testing.T) {
	f := newFixture(t)
	bob := f.login(t, "bob")
	alice := f.login(t, "alice")

	badNonce := chatFrame("bob", "m1")
	badNonce.Nonce = base64.StdEncoding.EncodeToString([]byte("short"))
	noContent := chatFrame("bob", "m2")
	noContent.Content = ""
	notBase64 := chatFrame("bob", "m3")
	notBase64.Content = "!!!"

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	for _, fr := range []model.Frame{badNonce, noContent, notBase64} {
		require.NoError(t, alice.WriteJSON(fr))
	}

	require.NoError(t, alice.WriteJSON(model.Frame{Type: model.FramePing}))
	assert.Equal(t, model.FramePong, readFrame(t, alice).Type)

	expectSilence(t, bob)
	assert.Zero(t, f.store.count())
}

func TestTypingRelayed(t *testing.T) {
	f := newFixture(t)
	bob := f.login(t, "bob")
	alice := f.login(t, "alice")

	require.NoError(t, alice.WriteJSON(model.TypingFrame("bob", true)))

	got := readFrame(t, bob)
	assert.Equal(t, model.FrameTyping, got.Type)
	assert.Equal(t, "alice", got.SenderID)
	require.NotNil(t, got.IsTyping)
	assert.True(t, *got.IsTyping)
	assert.Zero(t, f.store.count())
}

func TestCloseRemovesRoutingEntry(t *testing.T) {
	f := newFixture(t)
	bob1 := f.login(t, "bob")
	bob2 := f.login(t, "bob")

	require.True(t, f.srv.Registry().Online("bob"))

	bob1.Close()
	require.Eventually(t, func() bool { return len(f.srv.Registry().Connections("bob")) == 1 }, 2*time.Second, 10*time.Millisecond)

	bob2.Close()
	require.Eventually(t, func() bool { return !f.srv.Registry().Online("bob") }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.srv.Registry().Users())
}

func TestStoredMessagesForwardedOnAuth(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")

	require.NoError(t, alice.WriteJSON(chatFrame("bob", "m1")))
	assert.Equal(t, model.StatusSent, readFrame(t, alice).Status)
	require.Eventually(t, func() bool { return f.store.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	bob := f.login(t, "bob")
	got := readFrame(t, bob)
	assert.Equal(t, "m1", got.MessageID)
	assert.Equal(t, "alice", got.SenderID)

	ack := readFrame(t, alice)
	assert.Equal(t, model.StatusDelivered, ack.Status)
}

func pollRequest(t *testing.T, f *fixture, token, query string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/poll?"+query, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPoll(t *testing.T) {
	f := newFixture(t)
	tok, err := f.tokens.Issue("bob")
	require.NoError(t, err)

	resp := pollRequest(t, f, "", "since=0")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = pollRequest(t, f, tok, "since=0&hold=0")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	assert.JSONEq(t, `[]`, string(empty["messages"]))

	require.NoError(t, f.store.Save(context.Background(), &model.Message{MessageID: "m1", SenderID: "alice", RecipientID: "bob", StoredAt: 100, Status: model.StatusPending}))

	resp = pollRequest(t, f, tok, "since=100")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body model.PollResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "m1", body.Messages[0].MessageID)

	// a response that never reached the client leaves the message eligible
	m, _ := f.store.get("m1")
	assert.Equal(t, model.StatusPending, m.Status)

	resp = pollRequest(t, f, tok, "since=100&hold=0")
	body = model.PollResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Messages, 1)
}

func pollAck(t *testing.T, f *fixture, token string, ids ...string) *http.Response {
	t.Helper()
	data, err := json.Marshal(model.PollAck{MessageIDs: ids})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/api/poll/ack", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPollAckMarksDeliveredAndAcksSender(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")

	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, &model.Message{MessageID: "m1", SenderID: "alice", RecipientID: "bob", StoredAt: 10, Status: model.StatusSent}))
	require.NoError(t, f.store.Save(ctx, &model.Message{MessageID: "m2", SenderID: "alice", RecipientID: "carol", StoredAt: 10, Status: model.StatusSent}))

	bobTok, err := f.tokens.Issue("bob")
	require.NoError(t, err)

	resp := pollAck(t, f, bobTok, "m1", "m2")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	m1, _ := f.store.get("m1")
	assert.Equal(t, model.StatusDelivered, m1.Status)
	m2, _ := f.store.get("m2")
	assert.Equal(t, model.StatusSent, m2.Status, "another recipient's message is untouched")

	ack := readFrame(t, alice)
	assert.Equal(t, model.FrameDeliveryAck, ack.Type)
	assert.Equal(t, "m1", ack.MessageID)
	assert.Equal(t, model.StatusDelivered, ack.Status)
	expectSilence(t, alice)

	resp = pollRequest(t, f, bobTok, "since=0&hold=0")
	var body model.PollResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.Messages)

	assert.Equal(t, http.StatusUnauthorized, pollAck(t, f, "bogus", "m2").StatusCode)
}

func TestPollHoldsUntilMessageArrives(t *testing.T) {
	f := newFixture(t)
	tok, err := f.tokens.Issue("bob")
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		f.store.Save(context.Background(), &model.Message{MessageID: "m1", SenderID: "alice", RecipientID: "bob", StoredAt: 5, Status: model.StatusPending})
	}()

	resp := pollRequest(t, f, tok, "since=0")
	var body model.PollResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Messages, 1)
}

func TestPublicKeys(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/keys/bob")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "bob", body["id"])
	assert.NotContains(t, body, "pushAddress")

	resp2, err := http.Get(f.ts.URL + "/keys/nobody")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)

	tok, err := f.tokens.Issue("carol")
	require.NoError(t, err)
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	req, err := http.NewRequest(http.MethodPut, f.ts.URL+"/keys/carol", strings.NewReader(`{"publicKey":"`+key+`"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp3.StatusCode)

	u, _ := f.users.GetByID(context.Background(), "carol")
	require.NotNil(t, u)
	assert.Len(t, u.PublicKey, 32)
}
