package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"docpipe/internal/statestore"
)

var (
	// ErrDuplicate reports an enqueue for a document that already has an
	// un-acked task.
	ErrDuplicate = errors.New("task already queued for document")
	// ErrNotOwned reports an ack by a worker that no longer owns the task,
	// usually because the visibility timeout elapsed and another worker
	// claimed it.
	ErrNotOwned = errors.New("task not owned by caller")
)

// Task is one queued unit of work. A task is keyed by document, which makes
// "at most one un-acked task per document" a property of the key space
// rather than a convention.
type Task struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	OwnerID    string    `json:"owner_id,omitempty"`
	ClaimedAt  time.Time `json:"claimed_at,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Deliveries int       `json:"deliveries"`
}

// Queue is a task queue built on the broker namespace of the state store.
// Claims are CAS swaps, acks are compare-and-deletes, and redelivery falls
// out of claims expiring against the visibility timeout.
type Queue struct {
	store      *statestore.Store
	visibility time.Duration
	now        func() time.Time
}

// New builds a queue. Visibility bounds how long a claimed task stays hidden
// before it is redelivered to another worker.
func New(store *statestore.Store, visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &Queue{
		store:      store,
		visibility: visibility,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// TaskKey is the broker-namespace key for a document's task.
func TaskKey(documentID string) string {
	return "task:" + documentID
}

// Enqueue adds a task for the document. A second enqueue while an un-acked
// task exists reports ErrDuplicate along with the existing task.
func (q *Queue) Enqueue(ctx context.Context, documentID string) (*Task, error) {
	task := &Task{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		EnqueuedAt: q.now(),
	}
	encoded, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}

	err = q.store.CompareAndSwap(ctx, statestore.NamespaceBroker, TaskKey(documentID), nil, encoded, 0)
	if errors.Is(err, statestore.ErrConflict) {
		existing, getErr := q.lookup(ctx, documentID)
		if getErr != nil {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, documentID)
		}
		return existing, fmt.Errorf("%w: %s", ErrDuplicate, documentID)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Dequeue claims the oldest available task for ownerID and returns nil when
// nothing is available. Available means never claimed, or claimed longer ago
// than the visibility timeout.
func (q *Queue) Dequeue(ctx context.Context, ownerID string) (*Task, error) {
	entries, err := q.store.Scan(ctx, statestore.NamespaceBroker, "task:")
	if err != nil {
		return nil, err
	}

	now := q.now()
	var candidates []claimCandidate
	for _, entry := range entries {
		var task Task
		if err := json.Unmarshal(entry.Value, &task); err != nil {
			continue
		}
		if !task.ClaimedAt.IsZero() && now.Sub(task.ClaimedAt) < q.visibility {
			continue
		}
		candidates = append(candidates, claimCandidate{task: task, snapshot: entry.Value})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].task.EnqueuedAt.Before(candidates[j].task.EnqueuedAt)
	})

	for _, candidate := range candidates {
		claimed := candidate.task
		claimed.OwnerID = ownerID
		claimed.ClaimedAt = now
		claimed.Deliveries++
		encoded, err := json.Marshal(&claimed)
		if err != nil {
			return nil, fmt.Errorf("encode task: %w", err)
		}
		err = q.store.CompareAndSwap(ctx, statestore.NamespaceBroker, TaskKey(claimed.DocumentID), candidate.snapshot, encoded, 0)
		if err == nil {
			return &claimed, nil
		}
		if errors.Is(err, statestore.ErrConflict) || errors.Is(err, statestore.ErrNotFound) {
			// Another worker won this task; try the next one.
			continue
		}
		return nil, err
	}
	return nil, nil
}

// Ack removes a completed task. Only the current owner may ack; a stale
// owner whose claim was redelivered gets ErrNotOwned.
func (q *Queue) Ack(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	current, err := q.lookupRaw(ctx, task.DocumentID)
	if errors.Is(err, statestore.ErrNotFound) {
		return fmt.Errorf("%w: task for %s already acked", ErrNotOwned, task.DocumentID)
	}
	if err != nil {
		return err
	}
	var stored Task
	if err := json.Unmarshal(current, &stored); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}
	if stored.ID != task.ID || stored.OwnerID != task.OwnerID || !stored.ClaimedAt.Equal(task.ClaimedAt) {
		return fmt.Errorf("%w: task for %s claimed by %s", ErrNotOwned, task.DocumentID, stored.OwnerID)
	}
	err = q.store.CompareAndDelete(ctx, statestore.NamespaceBroker, TaskKey(task.DocumentID), current)
	if errors.Is(err, statestore.ErrConflict) || errors.Is(err, statestore.ErrNotFound) {
		return fmt.Errorf("%w: task for %s", ErrNotOwned, task.DocumentID)
	}
	return err
}

// Depth returns how many tasks exist, claimed or not.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	entries, err := q.store.Scan(ctx, statestore.NamespaceBroker, "task:")
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Pending reports whether the document currently has an un-acked task.
func (q *Queue) Pending(ctx context.Context, documentID string) (bool, error) {
	_, err := q.lookupRaw(ctx, documentID)
	if errors.Is(err, statestore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (q *Queue) lookup(ctx context.Context, documentID string) (*Task, error) {
	raw, err := q.lookupRaw(ctx, documentID)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

func (q *Queue) lookupRaw(ctx context.Context, documentID string) ([]byte, error) {
	return q.store.Get(ctx, statestore.NamespaceBroker, TaskKey(documentID))
}

type claimCandidate struct {
	task     Task
	snapshot []byte
}
