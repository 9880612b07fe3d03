//go:build cloudintegration

package objectstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/tsroute/pkg/objectstore"
	"github.com/3leaps/tsroute/test/cloudtest"
)

func TestS3Store_Moto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	store, err := objectstore.NewS3(ctx, cloudtest.StoreConfig(bucket))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	db, err := objectstore.NewDatabase(store, 1, "metrics")
	require.NoError(t, err)

	chunk := objectstore.ChunkPath("2024-03-01", "cpu", 1)
	require.NoError(t, db.Put(ctx, chunk, []byte("parquet")))

	got, err := db.Get(ctx, chunk)
	require.NoError(t, err)
	assert.Equal(t, []byte("parquet"), got)

	// Objects written by other writers show up in catalog listings.
	cloudtest.PutObject(t, ctx, bucket, db.Join(objectstore.TransactionPath("00000001.txn")), []byte("t"))
	txns, err := db.CatalogTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, txns, 1)

	require.NoError(t, db.Delete(ctx, chunk))
	_, err = db.Get(ctx, chunk)
	assert.True(t, objectstore.IsNotFound(err))
	assert.True(t, objectstore.IsNotFound(db.Delete(ctx, chunk)))
}
