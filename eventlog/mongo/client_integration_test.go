package mongo_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmongodb "github.com/testcontainers/testcontainers-go/modules/mongodb"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/noetl/noetl/eventlog"
	eventlogmongo "github.com/noetl/noetl/eventlog/mongo"
	"github.com/noetl/noetl/internal/ids"
)

var (
	testClient    *mongodriver.Client
	testContainer testcontainers.Container
	skipMongo     bool
)

func setupMongo(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			skipMongo = true
		}
	}()

	container, err := tcmongodb.Run(ctx, "mongo:7")
	if err != nil {
		t.Logf("docker not available, skipping mongo integration tests: %v", err)
		skipMongo = true
		return
	}
	testContainer = container

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Logf("failed to obtain connection string: %v", err)
		skipMongo = true
		return
	}

	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Logf("failed to connect: %v", err)
		skipMongo = true
		return
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Logf("failed to ping: %v", err)
		skipMongo = true
		return
	}
	testClient = client
}

func newTestStore(t *testing.T) *eventlogmongo.Store {
	t.Helper()
	if testClient == nil && !skipMongo {
		setupMongo(t)
	}
	if skipMongo {
		t.Skip("docker not available, skipping mongo eventlog tests")
	}

	client, err := eventlogmongo.New(eventlogmongo.Options{
		Client:     testClient,
		Database:   "noetl_test",
		Collection: fmt.Sprintf("events_%s", t.Name()),
		Shard:      1,
	})
	require.NoError(t, err)

	store, err := eventlogmongo.NewStore(client)
	require.NoError(t, err)
	return store
}

func TestMongoStoreAppendAndRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	execID := ids.New(1).Next()

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, &eventlog.Event{
			ExecutionID: execID,
			Type:        eventlog.EventStepStarted,
			NodeID:      fmt.Sprintf("node-%d", i),
		})
		require.NoError(t, err)
	}

	page, err := store.Read(ctx, execID, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	require.Empty(t, page.NextCursor)
}

func TestMongoStoreTerminalIdempotency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	execID := ids.New(1).Next()

	for i := 0; i < 2; i++ {
		_, err := store.Append(ctx, &eventlog.Event{
			ExecutionID: execID,
			Type:        eventlog.EventStepCompleted,
			NodeID:      "fetch",
			Status:      eventlog.StatusCompleted,
		})
		require.NoError(t, err)
	}

	events, err := store.Filter(ctx, execID, eventlog.Filter{NodeID: "fetch", Type: eventlog.EventStepCompleted})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestMongoStoreDropRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	execID := ids.New(1).Next()

	_, err := store.Append(ctx, &eventlog.Event{ExecutionID: execID, Type: eventlog.EventPlaybookInitialized})
	require.NoError(t, err)

	require.NoError(t, store.DropRange(ctx, execID, execID))

	page, err := store.Read(ctx, execID, 0, 10)
	require.NoError(t, err)
	require.Empty(t, page.Events)
}
