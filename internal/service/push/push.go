// Package push hands wake-up alerts for offline recipients to an external
// notification worker.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pm_chat/internal/metrics"
	"pm_chat/internal/utils/log"
)

// QueueKey is the redis list the notification worker consumes.
const QueueKey = "pmchat:push"

type (
	// Alert carries routing data only, never message content.
	Alert struct {
		RecipientID string `json:"recipientId"`
		PushAddress string `json:"pushAddress,omitempty"`
		SenderID    string `json:"senderId"`
		MessageID   string `json:"messageId"`
		QueuedAt    int64  `json:"queuedAt"`
	}

	Notifier interface {
		Notify(ctx context.Context, a Alert) error
	}

	ListQueue interface {
		RPush(ctx context.Context, key string, value ...any) error
		BLPop(ctx context.Context, key string, timeout time.Duration) (string, error)
		LLen(ctx context.Context, key string) (int64, error)
	}

	RedisQueue struct {
		q   ListQueue
		key string
	}

	// Nop drops alerts; used when no queue is configured.
	Nop struct{}
)

func NewRedisQueue(q ListQueue) *RedisQueue {
	return &RedisQueue{q: q, key: QueueKey}
}

func (r *RedisQueue) Notify(ctx context.Context, a Alert) error {
	if a.QueuedAt == 0 {
		a.QueuedAt = time.Now().Unix()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := r.q.RPush(ctx, r.key, data); err != nil {
		metrics.PushNotifications.WithLabelValues("error").Inc()
		return fmt.Errorf("queue push alert: %w", err)
	}
	metrics.PushNotifications.WithLabelValues("queued").Inc()
	return nil
}

// Next blocks up to timeout for the next queued alert. ok is false when the
// wait timed out.
func (r *RedisQueue) Next(ctx context.Context, timeout time.Duration) (a Alert, ok bool, err error) {
	raw, err := r.q.BLPop(ctx, r.key, timeout)
	if err != nil || raw == "" {
		return Alert{}, false, err
	}
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Alert{}, false, fmt.Errorf("decode push alert: %w", err)
	}
	return a, true, nil
}

// Len is the number of alerts waiting for the worker.
func (r *RedisQueue) Len(ctx context.Context) (int64, error) {
	return r.q.LLen(ctx, r.key)
}

func (Nop) Notify(_ context.Context, a Alert) error {
	log.Debug("push disabled, dropping alert", zap.String("recipient", a.RecipientID), zap.String("messageId", a.MessageID))
	metrics.PushNotifications.WithLabelValues("dropped").Inc()
	return nil
}
