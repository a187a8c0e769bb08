package message

import (
	"context"
	"errors"
	"time"

	"pm_chat/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	MessageRepo struct {
		collection *mongo.Collection
		now        func() time.Time
	}
)

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{
		collection: db.Collection("messages"),
		now:        time.Now,
	}
}

// EnsureIndexes creates the unique message id index and the recipient poll index.
func (r *MessageRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "stored_at", Value: 1}},
		},
	})
	return err
}

// Save stores m once. A replayed message id leaves the first record as is.
func (r *MessageRepo) Save(ctx context.Context, m *model.Message) error {
	if m.MessageID == "" {
		return errors.New("message id is required")
	}
	if m.StoredAt == 0 {
		m.StoredAt = r.now().Unix()
	}
	if !m.Status.Valid() {
		m.Status = model.StatusPending
	}

	_, err := r.collection.UpdateOne(ctx,
		bson.M{"message_id": m.MessageID},
		bson.M{"$setOnInsert": m},
		options.Update().SetUpsert(true),
	)
	return err
}

// UpdateStatus moves a message forward only. It reports whether a record changed.
func (r *MessageRepo) UpdateStatus(ctx context.Context, messageID string, status model.Status) (bool, error) {
	var behind []model.Status
	for _, s := range []model.Status{model.StatusPending, model.StatusSent, model.StatusDelivered} {
		if s.Advances(status) {
			behind = append(behind, s)
		}
	}
	if len(behind) == 0 {
		return false, nil
	}

	res, err := r.collection.UpdateOne(ctx,
		bson.M{"message_id": messageID, "status": bson.M{"$in": behind}},
		bson.M{"$set": bson.M{"status": status}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// FindForRecipient returns undelivered messages addressed to recipientID
// stored at or after since (unix seconds), oldest first.
func (r *MessageRepo) FindForRecipient(ctx context.Context, recipientID string, since int64) ([]*model.Message, error) {
	return r.find(ctx, bson.M{
		"recipient_id": recipientID,
		"stored_at":    bson.M{"$gte": since},
		"status":       bson.M{"$ne": model.StatusDelivered},
	})
}

// FindUndelivered returns messages for recipientID that never reached a device.
func (r *MessageRepo) FindUndelivered(ctx context.Context, recipientID string) ([]*model.Message, error) {
	return r.find(ctx, bson.M{
		"recipient_id": recipientID,
		"status":       bson.M{"$ne": model.StatusDelivered},
	})
}

// FindByIDs returns the messages among ids that are addressed to recipientID.
func (r *MessageRepo) FindByIDs(ctx context.Context, recipientID string, ids []string) ([]*model.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.find(ctx, bson.M{
		"recipient_id": recipientID,
		"message_id":   bson.M{"$in": ids},
	})
}

func (r *MessageRepo) find(ctx context.Context, filter bson.M) ([]*model.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "stored_at", Value: 1}, {Key: "timestamp", Value: 1}})
	cur, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var res []*model.Message
	if err := cur.All(ctx, &res); err != nil {
		return nil, err
	}
	return res, nil
}
