package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/elonfeng/bulkfeed/pkg/lookup"
)

func newMockContacts(mt *mtest.T) (*MongoContacts, string) {
	return &MongoContacts{client: mt.Client, contacts: mt.Coll},
		mt.Coll.Database().Name() + "." + mt.Coll.Name()
}

func TestMongoContacts_LookupContact(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("hit", func(mt *mtest.T) {
		m, ns := newMockContacts(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "user_id", Value: "u1"},
			{Key: "key", Value: "user_42"},
			{Key: "value", Value: "5551234"},
		}))

		v, ok, err := m.LookupContact(ctx, "u1", "user_42")
		require.NoError(mt, err)
		assert.True(mt, ok)
		assert.Equal(mt, "5551234", v)

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		assert.Equal(mt, "find", evt.CommandName)
		assert.Equal(mt, "u1", evt.Command.Lookup("filter", "user_id").StringValue())
		assert.Equal(mt, "user_42", evt.Command.Lookup("filter", "key").StringValue())
	})

	mt.Run("miss", func(mt *mtest.T) {
		m, ns := newMockContacts(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		v, ok, err := m.LookupContact(ctx, "u1", "nobody")
		require.NoError(mt, err)
		assert.False(mt, ok)
		assert.Empty(mt, v)
	})

	mt.Run("server error", func(mt *mtest.T) {
		m, _ := newMockContacts(mt)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    13,
			Name:    "Unauthorized",
			Message: "not authorized",
		}))

		_, ok, err := m.LookupContact(ctx, "u1", "user_42")
		require.Error(mt, err)
		assert.False(mt, ok)
		assert.Contains(mt, err.Error(), "lookup contact")
	})
}

func TestMongoContacts_PutContacts(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("bulk upsert", func(mt *mtest.T) {
		m, _ := newMockContacts(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 2}))

		n, err := m.PutContacts(ctx, "u1", []lookup.Entry{
			{Key: "user_42", Value: "5551234"},
			{Key: "user_7", Value: "5550007"},
		})
		require.NoError(mt, err)
		assert.Equal(mt, 2, n)

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		assert.Equal(mt, "update", evt.CommandName)
		assert.False(mt, evt.Command.Lookup("ordered").Boolean())

		updates, err := evt.Command.Lookup("updates").Array().Values()
		require.NoError(mt, err)
		require.Len(mt, updates, 2)
		for i, key := range []string{"user_42", "user_7"} {
			doc := updates[i].Document()
			assert.True(mt, doc.Lookup("upsert").Boolean())
			assert.Equal(mt, "u1", doc.Lookup("q", "user_id").StringValue())
			assert.Equal(mt, key, doc.Lookup("q", "key").StringValue())
			assert.Equal(mt, key, doc.Lookup("u", "$set", "key").StringValue())
		}
	})

	mt.Run("nothing to write", func(mt *mtest.T) {
		m, _ := newMockContacts(mt)

		n, err := m.PutContacts(ctx, "u1", nil)
		require.NoError(mt, err)
		assert.Zero(mt, n)
		assert.Nil(mt, mt.GetStartedEvent())
	})

	mt.Run("empty user", func(mt *mtest.T) {
		m, _ := newMockContacts(mt)

		_, err := m.PutContacts(ctx, "", []lookup.Entry{{Key: "k", Value: "v"}})
		require.Error(mt, err)
		assert.Nil(mt, mt.GetStartedEvent())
	})

	mt.Run("write error", func(mt *mtest.T) {
		m, _ := newMockContacts(mt)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "E11000 duplicate key error",
		}))

		n, err := m.PutContacts(ctx, "u1", []lookup.Entry{{Key: "k", Value: "v"}})
		require.Error(mt, err)
		assert.Zero(mt, n)
	})
}

func TestMongoContacts_EnsureIndex(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("unique user and key", func(mt *mtest.T) {
		m, _ := newMockContacts(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		require.NoError(mt, m.ensureIndex(context.Background()))

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		assert.Equal(mt, "createIndexes", evt.CommandName)

		indexes, err := evt.Command.Lookup("indexes").Array().Values()
		require.NoError(mt, err)
		require.Len(mt, indexes, 1)
		idx := indexes[0].Document()
		assert.Equal(mt, "user_id_key", idx.Lookup("name").StringValue())
		assert.True(mt, idx.Lookup("unique").Boolean())
	})
}

func TestMongoContacts_AsResolverBackend(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("store hit", func(mt *mtest.T) {
		m, ns := newMockContacts(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "user_id", Value: "u1"},
			{Key: "key", Value: "user_42"},
			{Key: "value", Value: "5551234"},
		}))

		r := lookup.NewResolver(lookup.ResolverOptions{Store: lookup.StoreBackend{Store: m}})
		res, err := r.Resolve(context.Background(), "user_42", lookup.Caller{UserID: "u1"})
		require.NoError(mt, err)
		assert.True(mt, res.Found)
		assert.Equal(mt, "store", res.Backend)
		assert.Equal(mt, "5551234", res.Value)
	})
}
