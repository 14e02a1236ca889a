package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type tokenDoc struct {
	Key       string    `bson:"key"`
	Owner     string    `bson:"owner"`
	Token     string    `bson:"token"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// Mongo stores the token in a collection, one document per owner.
type Mongo struct {
	coll  *mongo.Collection
	owner string
}

func NewMongo(coll *mongo.Collection, owner string) *Mongo {
	return &Mongo{coll: coll, owner: owner}
}

// ConnectMongo opens a client and returns the sessions collection of db.
func ConnectMongo(ctx context.Context, uri, db string) (*mongo.Client, *mongo.Collection, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, client.Database(db).Collection("sessions"), nil
}

func (m *Mongo) filter() bson.M {
	return bson.M{"key": Key, "owner": m.owner}
}

func (m *Mongo) Load(ctx context.Context) (string, error) {
	var doc tokenDoc
	err := m.coll.FindOne(ctx, m.filter()).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("mongo find token: %w", err)
	}
	return doc.Token, nil
}

func (m *Mongo) Save(ctx context.Context, token string) error {
	update := bson.M{
		"$set": bson.M{
			"token":     token,
			"updatedAt": time.Now(),
		},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := m.coll.UpdateOne(ctx, m.filter(), update, opts); err != nil {
		return fmt.Errorf("mongo save token: %w", err)
	}
	return nil
}

func (m *Mongo) Clear(ctx context.Context) error {
	if _, err := m.coll.DeleteOne(ctx, m.filter()); err != nil {
		return fmt.Errorf("mongo clear token: %w", err)
	}
	return nil
}
