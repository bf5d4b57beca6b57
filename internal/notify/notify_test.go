package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/loopforge/internal/broker/brokertest"
	"github.com/fyrsmithlabs/loopforge/internal/stage"
	"github.com/fyrsmithlabs/loopforge/internal/task"
)

func receive(t *testing.T, ch chan *nats.Msg) *nats.Msg {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestPublisher_PublishesToOwnerSubject(t *testing.T) {
	nc, _ := brokertest.Connect(t)
	p := NewPublisher(nc, "loopforge", nil)

	ch := make(chan *nats.Msg, 4)
	sub, err := p.Subscribe("alice", ch)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	from, to := stage.Planning, stage.Ready
	p.Publish(context.Background(), task.Event{
		Type: task.EventStageChanged, OwnerID: "alice", TaskID: "task-1",
		From: &from, To: &to, At: time.Now().UTC(),
	})

	msg := receive(t, ch)
	assert.Equal(t, "loopforge.board.alice.stage-changed", msg.Subject)
	assert.Equal(t, "stage-changed", EventType(msg.Subject))

	var ev task.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "task-1", ev.TaskID)
	require.NotNil(t, ev.To)
	assert.Equal(t, stage.Ready, *ev.To)
}

func TestPublisher_ScopesByOwner(t *testing.T) {
	nc, _ := brokertest.Connect(t)
	p := NewPublisher(nc, "", nil)

	ch := make(chan *nats.Msg, 4)
	sub, err := p.Subscribe("alice", ch)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	p.Publish(context.Background(), task.Event{Type: task.EventTaskCreated, OwnerID: "bob", TaskID: "task-b"})
	p.Publish(context.Background(), task.Event{Type: task.EventTaskCreated, OwnerID: "alice", TaskID: "task-a"})

	msg := receive(t, ch)
	var ev task.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "task-a", ev.TaskID)
	assert.Empty(t, ch)
}

func TestPublisher_ClosedConnectionIsNotFatal(t *testing.T) {
	nc, _ := brokertest.Connect(t)
	p := NewPublisher(nc, "loopforge", nil)
	nc.Close()

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), task.Event{Type: task.EventTaskDeleted, OwnerID: "alice", TaskID: "task-1"})
	})
}

func TestPublisher_LogAppended(t *testing.T) {
	nc, _ := brokertest.Connect(t)
	p := NewPublisher(nc, "loopforge", nil)

	ch := make(chan *nats.Msg, 4)
	sub, err := p.Subscribe("alice", ch)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	p.Publish(context.Background(), task.Event{
		Type: task.EventLogAppended, OwnerID: "alice", TaskID: "task-1",
		Log: &task.ExecutionLog{TaskID: "task-1", Sequence: 3, Level: task.LogCommit, Message: "Committed 2 file(s)"},
	})

	msg := receive(t, ch)
	assert.Equal(t, "loopforge.board.alice.log-appended", msg.Subject)

	var ev task.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	require.NotNil(t, ev.Log)
	assert.Equal(t, int64(3), ev.Log.Sequence)
	assert.Equal(t, "Committed 2 file(s)", ev.Log.Message)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "loopforge.board.alice.task-updated", Subject("loopforge", "alice", "task-updated"))
	assert.Equal(t, "loopforge.board.a_b_.task-updated", Subject("loopforge", "a.b>", "task-updated"))
	assert.Equal(t, "loopforge.board._.x", Subject("loopforge", "", "x"))
	assert.Equal(t, "", EventType("nodots"))
}
