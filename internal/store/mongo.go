package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/elonfeng/bulkfeed/pkg/lookup"
)

// DefaultContactsCollection is used when MongoOptions.Collection is empty.
const DefaultContactsCollection = "contacts"

// MongoOptions configures MongoContacts.
type MongoOptions struct {
	URI        string
	Database   string
	Collection string
}

type contactDoc struct {
	UserID    string    `bson:"user_id"`
	Key       string    `bson:"key"`
	Value     string    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoContacts keeps user-scoped contacts in a MongoDB collection.
type MongoContacts struct {
	client   *mongo.Client
	contacts *mongo.Collection
}

// NewMongoContacts connects, pings and makes sure the (user_id, key) index exists.
func NewMongoContacts(ctx context.Context, opts MongoOptions) (*MongoContacts, error) {
	if opts.Database == "" {
		opts.Database = "bulkfeed"
	}
	if opts.Collection == "" {
		opts.Collection = DefaultContactsCollection
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	m := &MongoContacts{
		client:   client,
		contacts: client.Database(opts.Database).Collection(opts.Collection),
	}

	if err := m.ensureIndex(cctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

// ensureIndex makes (user_id, key) unique so upserts never duplicate a contact.
func (m *MongoContacts) ensureIndex(ctx context.Context) error {
	_, err := m.contacts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("user_id_key"),
	})
	if err != nil {
		return fmt.Errorf("create contacts index: %w", err)
	}
	return nil
}

func (m *MongoContacts) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// PutContacts upserts entries into userID's partition in one bulk write.
func (m *MongoContacts) PutContacts(ctx context.Context, userID string, entries []lookup.Entry) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("put contacts: empty user id")
	}
	if len(entries) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(entries))
	for _, e := range entries {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"user_id": userID, "key": e.Key}).
			SetUpdate(bson.M{"$set": contactDoc{UserID: userID, Key: e.Key, Value: e.Value, UpdatedAt: now}}).
			SetUpsert(true))
	}

	if _, err := m.contacts.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return 0, fmt.Errorf("put contacts: %w", err)
	}
	return len(entries), nil
}

// LookupContact implements lookup.ContactStore.
func (m *MongoContacts) LookupContact(ctx context.Context, userID, key string) (string, bool, error) {
	var doc contactDoc
	err := m.contacts.FindOne(ctx, bson.M{"user_id": userID, "key": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup contact: %w", err)
	}
	return doc.Value, true, nil
}
