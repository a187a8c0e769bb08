package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memList struct {
	mu    sync.Mutex
	items map[string][]string
	fail  error
}

func (m *memList) RPush(_ context.Context, key string, value ...any) error {
	if m.fail != nil {
		return m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = map[string][]string{}
	}
	for _, v := range value {
		m.items[key] = append(m.items[key], string(v.([]byte)))
	}
	return nil
}

func (m *memList) BLPop(_ context.Context, key string, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items[key]) == 0 {
		return "", nil
	}
	head := m.items[key][0]
	m.items[key] = m.items[key][1:]
	return head, nil
}

func (m *memList) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.items[key])), nil
}

func TestRedisQueueNotifyAndNext(t *testing.T) {
	list := &memList{}
	q := NewRedisQueue(list)

	require.NoError(t, q.Notify(context.Background(), Alert{RecipientID: "bob", PushAddress: "tok-1", SenderID: "alice", MessageID: "m1"}))
	require.Len(t, list.items[QueueKey], 1)
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(list.items[QueueKey][0]), &raw))
	assert.NotContains(t, raw, "content")
	assert.Equal(t, "bob", raw["recipientId"])

	a, ok, err := q.Next(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m1", a.MessageID)
	assert.NotZero(t, a.QueuedAt)

	_, ok, err = q.Next(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisQueueNotifyError(t *testing.T) {
	q := NewRedisQueue(&memList{fail: errors.New("down")})
	assert.Error(t, q.Notify(context.Background(), Alert{RecipientID: "bob"}))
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	assert.NoError(t, n.Notify(context.Background(), Alert{RecipientID: "bob"}))
}
