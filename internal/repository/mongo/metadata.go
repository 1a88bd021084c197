package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"streamproxy/internal/cache"
)

const metadataID = "cache-metadata"

// metadataDoc holds the whole cache metadata map as one serialized blob,
// mirroring the single-key layout of the file store.
type metadataDoc struct {
	ID        string `bson:"_id"`
	Entries   string `bson:"entries"`
	UpdatedAt int64  `bson:"updatedAt"`
}

// MetadataRepository persists cache metadata in a single MongoDB document.
type MetadataRepository struct {
	collection *mongo.Collection
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func NewMetadataRepository(client *mongo.Client, dbName string) *MetadataRepository {
	return &MetadataRepository{collection: client.Database(dbName).Collection("cache")}
}

func (r *MetadataRepository) Load(ctx context.Context) (map[string]cache.Entry, error) {
	var doc metadataDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": metadataID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return map[string]cache.Entry{}, nil
		}
		return nil, err
	}
	entries := map[string]cache.Entry{}
	if doc.Entries == "" {
		return entries, nil
	}
	if err := json.Unmarshal([]byte(doc.Entries), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *MetadataRepository) Save(ctx context.Context, entries map[string]cache.Entry) error {
	blob, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	update := bson.M{
		"$set": bson.M{
			"entries":   string(blob),
			"updatedAt": time.Now().UnixMilli(),
		},
	}
	opts := options.Update().SetUpsert(true)
	_, err = r.collection.UpdateOne(ctx, bson.M{"_id": metadataID}, update, opts)
	return err
}
