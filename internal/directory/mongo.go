package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const referenceField = "image_path"

// MongoConfig locates the users collection.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	MinPool    uint64
	MaxPool    uint64
}

// Mongo is a Directory over a MongoDB users collection. The reference key
// lives in the image_path field.
type Mongo struct {
	client *mongo.Client
	users  *mongo.Collection
}

// OpenMongo connects and ensures the reference index exists.
func OpenMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo url missing")
	}
	if cfg.Collection == "" {
		cfg.Collection = "users"
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.MinPool > 0 {
		clientOpts.SetMinPoolSize(cfg.MinPool)
	}
	if cfg.MaxPool > 0 {
		clientOpts.SetMaxPoolSize(cfg.MaxPool)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	users := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: referenceField, Value: 1}},
		Options: options.Index(),
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating %s index: %w", referenceField, err)
	}

	return &Mongo{client: client, users: users}, nil
}

func (m *Mongo) ListWithReference(ctx context.Context) ([]Identity, error) {
	filter := bson.M{referenceField: bson.M{"$exists": true, "$nin": bson.A{nil, ""}}}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1, "name": 1, referenceField: 1})

	cur, err := m.users.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	var out []Identity
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding identities: %w", err)
	}
	return out, nil
}

func (m *Mongo) Get(ctx context.Context, id string) (*Identity, error) {
	var ident Identity
	err := m.users.FindOne(ctx, bson.M{"_id": id}).Decode(&ident)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching identity %s: %w", id, err)
	}
	return &ident, nil
}

func (m *Mongo) SetReference(ctx context.Context, id, key string) error {
	update := bson.M{"$set": bson.M{referenceField: key}}
	if key == "" {
		update = bson.M{"$unset": bson.M{referenceField: ""}}
	}
	res, err := m.users.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("updating identity %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func (m *Mongo) ClearReference(ctx context.Context, id string) error {
	return m.SetReference(ctx, id, "")
}

func (m *Mongo) Close(ctx context.Context) error {
	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnecting from mongodb: %w", err)
	}
	return nil
}
