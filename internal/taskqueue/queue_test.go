package taskqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpipe/internal/taskqueue"
	"docpipe/internal/testsupport"
)

func newQueue(t *testing.T, visibility time.Duration) *taskqueue.Queue {
	t.Helper()
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	return taskqueue.New(store, visibility)
}

func TestEnqueueDequeueAckRoundTrip(t *testing.T) {
	queue := newQueue(t, time.Minute)
	ctx := context.Background()

	enqueued, err := queue.Enqueue(ctx, "doc-1")
	require.NoError(t, err)
	require.NotEmpty(t, enqueued.ID)

	claimed, err := queue.Dequeue(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, enqueued.ID, claimed.ID)
	assert.Equal(t, "worker-a", claimed.OwnerID)
	assert.Equal(t, 1, claimed.Deliveries)

	require.NoError(t, queue.Ack(ctx, claimed))

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestAtMostOneUnackedTaskPerDocument(t *testing.T) {
	queue := newQueue(t, time.Minute)
	ctx := context.Background()

	first, err := queue.Enqueue(ctx, "doc-1")
	require.NoError(t, err)

	second, err := queue.Enqueue(ctx, "doc-1")
	assert.ErrorIs(t, err, taskqueue.ErrDuplicate)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestEnqueueAllowedAgainAfterAck(t *testing.T) {
	queue := newQueue(t, time.Minute)
	ctx := context.Background()

	_, err := queue.Enqueue(ctx, "doc-1")
	require.NoError(t, err)
	claimed, err := queue.Dequeue(ctx, "worker-a")
	require.NoError(t, err)
	require.NoError(t, queue.Ack(ctx, claimed))

	_, err = queue.Enqueue(ctx, "doc-1")
	assert.NoError(t, err)
}

func TestDequeueEmptyQueueReturnsNil(t *testing.T) {
	queue := newQueue(t, time.Minute)

	task, err := queue.Dequeue(context.Background(), "worker-a")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClaimedTaskInvisibleUntilTimeout(t *testing.T) {
	queue := newQueue(t, time.Minute)
	ctx := context.Background()

	_, err := queue.Enqueue(ctx, "doc-1")
	require.NoError(t, err)
	_, err = queue.Dequeue(ctx, "worker-a")
	require.NoError(t, err)

	task, err := queue.Dequeue(ctx, "worker-b")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestVisibilityTimeoutRedeliversUnackedTask(t *testing.T) {
	queue := newQueue(t, 50*time.Millisecond)
	ctx := context.Background()

	_, err := queue.Enqueue(ctx, "doc-1")
	require.NoError(t, err)
	first, err := queue.Dequeue(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, first)

	time.Sleep(80 * time.Millisecond)

	second, err := queue.Dequeue(ctx, "worker-b")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "worker-b", second.OwnerID)
	assert.Equal(t, 2, second.Deliveries)
}

func TestStaleOwnerCannotAckRedeliveredTask(t *testing.T) {
	queue := newQueue(t, 50*time.Millisecond)
	ctx := context.Background()

	_, err := queue.Enqueue(ctx, "doc-1")
	require.NoError(t, err)
	stale, err := queue.Dequeue(ctx, "worker-a")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	fresh, err := queue.Dequeue(ctx, "worker-b")
	require.NoError(t, err)
	require.NotNil(t, fresh)

	err = queue.Ack(ctx, stale)
	assert.ErrorIs(t, err, taskqueue.ErrNotOwned)

	// The current owner still can.
	assert.NoError(t, queue.Ack(ctx, fresh))
}

func TestDequeueClaimsOldestFirst(t *testing.T) {
	queue := newQueue(t, time.Minute)
	ctx := context.Background()

	first, err := queue.Enqueue(ctx, "doc-1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = queue.Enqueue(ctx, "doc-2")
	require.NoError(t, err)

	claimed, err := queue.Dequeue(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.DocumentID, claimed.DocumentID)
}

func TestConcurrentDequeueNeverDoubleClaims(t *testing.T) {
	queue := newQueue(t, time.Minute)
	ctx := context.Background()

	const docs = 5
	for i := 0; i < docs; i++ {
		_, err := queue.Enqueue(ctx, string(rune('a'+i)))
		require.NoError(t, err)
	}

	type claim struct {
		task *taskqueue.Task
		err  error
	}
	results := make(chan claim, docs*2)
	for i := 0; i < docs*2; i++ {
		go func(worker int) {
			task, err := queue.Dequeue(ctx, string(rune('A'+worker)))
			results <- claim{task: task, err: err}
		}(i)
	}

	seen := map[string]bool{}
	claimedCount := 0
	for i := 0; i < docs*2; i++ {
		res := <-results
		require.NoError(t, res.err)
		if res.task == nil {
			continue
		}
		claimedCount++
		if seen[res.task.DocumentID] {
			t.Errorf("document %s claimed twice", res.task.DocumentID)
		}
		seen[res.task.DocumentID] = true
	}
	assert.Equal(t, docs, claimedCount)
}

func TestPending(t *testing.T) {
	queue := newQueue(t, time.Minute)
	ctx := context.Background()

	pending, err := queue.Pending(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, pending)

	_, err = queue.Enqueue(ctx, "doc-1")
	require.NoError(t, err)

	pending, err = queue.Pending(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, pending)
}
