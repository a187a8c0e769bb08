package user

import (
	"context"
	"errors"
	"pm_chat/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	UserRepo struct {
		collection *mongo.Collection
	}
)

func NewUserRepo(db *mongo.Database) *UserRepo {
	return &UserRepo{
		collection: db.Collection("users"),
	}
}

// GetByID returns nil, nil when the user is unknown.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*model.Identity, error) {
	filter := bson.M{
		"_id": id,
	}

	var user model.Identity
	err := r.collection.FindOne(ctx, filter).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Upsert registers or replaces a user's public key and push address.
func (r *UserRepo) Upsert(ctx context.Context, user *model.Identity) error {
	if user.ID == "" {
		return errors.New("user id is required")
	}
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": user.ID}, user, options.Replace().SetUpsert(true))
	return err
}
