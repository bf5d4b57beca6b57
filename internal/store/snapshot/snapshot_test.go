package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/loopforge/internal/broker/brokertest"
	"github.com/fyrsmithlabs/loopforge/internal/stage"
	"github.com/fyrsmithlabs/loopforge/internal/store/memory"
	"github.com/fyrsmithlabs/loopforge/internal/task"
)

func TestObjectSink_RoundTrip(t *testing.T) {
	ctx := context.Background()
	_, js := brokertest.Connect(t)

	sink, err := NewObjectSink(ctx, js, "test_snapshots")
	require.NoError(t, err)

	_, err = sink.Load(ctx)
	assert.ErrorIs(t, err, memory.ErrNoSnapshot)

	require.NoError(t, sink.Save(ctx, []byte(`{"version":1}`)))
	data, err := sink.Load(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, string(data))
}

func TestPersister_RestoresAcrossStores(t *testing.T) {
	ctx := context.Background()
	_, js := brokertest.Connect(t)
	sink, err := NewObjectSink(ctx, js, "test_persist")
	require.NoError(t, err)

	first := memory.New()
	p, err := memory.NewPersister(ctx, first, sink, time.Hour, nil)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, first.Update(ctx, func(tx task.Tx) error {
		return tx.CreateTask(ctx, &task.Task{ID: "t1", OwnerID: "o1", Title: "persist me", Stage: stage.Planning, CreatedAt: now, UpdatedAt: now})
	}))
	require.NoError(t, p.Flush(ctx))

	second := memory.New()
	_, err = memory.NewPersister(ctx, second, sink, time.Hour, nil)
	require.NoError(t, err)

	got, err := second.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "persist me", got.Title)
	assert.Equal(t, stage.Planning, got.Stage)
	assert.Equal(t, int64(1), got.Version)
}
