package logrouter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDropOldest(t *testing.T) {
	q := newQueue(2, DropOldest)
	assert.Equal(t, 0, q.push([]byte("a")))
	assert.Equal(t, 0, q.push([]byte("b")))
	assert.Equal(t, 1, q.push([]byte("c")))

	got, ok := q.drain(nil)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "b", string(got[0]))
	assert.Equal(t, "c", string(got[1]))
	assert.EqualValues(t, 1, q.droppedCount())
}

func TestQueueBlockWaitsForSpace(t *testing.T) {
	q := newQueue(1, Block)
	q.push([]byte("a"))

	pushed := make(chan struct{})
	go func() {
		q.push([]byte("b"))
		close(pushed)
	}()
	select {
	case <-pushed:
		t.Fatal("push must block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	got, ok := q.drain(nil)
	require.True(t, ok)
	assert.Equal(t, "a", string(got[0]))
	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("push did not resume after drain")
	}
	assert.EqualValues(t, 0, q.droppedCount())
}

func TestQueueCloseDrainsRemaining(t *testing.T) {
	q := newQueue(4, DropOldest)
	q.push([]byte("x"))
	q.close()
	got, ok := q.drain(nil)
	require.True(t, ok)
	assert.Len(t, got, 1)
	_, ok = q.drain(nil)
	assert.False(t, ok)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)
	p, err = ParsePolicy("block")
	require.NoError(t, err)
	assert.Equal(t, Block, p)
	_, err = ParsePolicy("drop-newest")
	assert.Error(t, err)
}
