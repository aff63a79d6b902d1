package producer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nvanbenschoten/oplogtoy/oplog"
)

func testEntry(t *testing.T, ts uint32) oplog.Entry {
	t.Helper()
	e, err := oplog.New(bson.D{
		{Key: "ts", Value: primitive.Timestamp{T: ts, I: 0}},
		{Key: "v", Value: 2},
		{Key: "op", Value: "i"},
		{Key: "ns", Value: "app.users"},
		{Key: "o", Value: bson.D{{Key: "_id", Value: int64(ts)}}},
	})
	require.NoError(t, err)
	return e
}

func TestMemPeekConsume(t *testing.T) {
	m := NewMem()
	_, ok := m.Peek()
	assert.False(t, ok)

	e1 := testEntry(t, 1)
	e2 := testEntry(t, 2)
	m.Push(e1, e2)

	got, ok := m.Peek()
	require.True(t, ok)
	assert.Equal(t, e1.Timestamp, got.Timestamp)

	// Peek does not consume.
	got, ok = m.Peek()
	require.True(t, ok)
	assert.Equal(t, e1.Timestamp, got.Timestamp)

	m.Consume()
	got, ok = m.Peek()
	require.True(t, ok)
	assert.Equal(t, e2.Timestamp, got.Timestamp)

	m.Consume()
	_, ok = m.Peek()
	assert.False(t, ok)
}

func TestMemWaitForMoreReturnsOnPush(t *testing.T) {
	m := NewMem()
	done := make(chan struct{})
	go func() {
		m.WaitForMore(context.Background())
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	m.Push(testEntry(t, 1))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForMore did not return after push")
	}
}

func TestMemWaitForMoreReturnsOnShutdown(t *testing.T) {
	m := NewMem()
	done := make(chan struct{})
	go func() {
		m.WaitForMore(context.Background())
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	m.Shutdown()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForMore did not return after shutdown")
	}
	assert.True(t, m.InShutdown())
}

func TestMemShutdownStillServesQueued(t *testing.T) {
	m := NewMem()
	m.Push(testEntry(t, 1))
	m.Shutdown()
	_, ok := m.Peek()
	assert.True(t, ok)
}

func TestMemPushSentinel(t *testing.T) {
	m := NewMem()
	m.PushSentinel()
	e, ok := m.Peek()
	require.True(t, ok)
	assert.True(t, e.Sentinel())
}
