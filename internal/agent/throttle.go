package agent

import (
	"context"
	"errors"
	"time"

	"docpipe/internal/statestore"
)

// Throttle enforces a minimum delay between external provider calls across
// every worker process sharing the store. The last-call timestamp lives in
// the throttle namespace and is advanced with compare-and-swap, so concurrent
// workers serialize on it instead of each keeping a private clock.
type Throttle struct {
	store    *statestore.Store
	key      string
	minDelay time.Duration
	now      func() time.Time
}

// NewThrottle builds a shared throttle. A minDelay of zero disables it.
func NewThrottle(store *statestore.Store, key string, minDelay time.Duration) *Throttle {
	return &Throttle{
		store:    store,
		key:      key,
		minDelay: minDelay,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Wait blocks until the caller may make its provider call, then claims the
// slot. The delay applies to the very first call as well: an empty slot
// counts as just used, so even the first caller waits the full interval.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil || t.minDelay <= 0 {
		return nil
	}
	for {
		last, expected, err := t.lastCall(ctx)
		if err != nil {
			return err
		}

		next := last.Add(t.minDelay)
		if wait := next.Sub(t.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		stamp := []byte(t.now().Format(time.RFC3339Nano))
		err = t.store.CompareAndSwap(ctx, statestore.NamespaceThrottle, t.key, expected, stamp, 0)
		if err == nil {
			return nil
		}
		if errors.Is(err, statestore.ErrConflict) || errors.Is(err, statestore.ErrNotFound) {
			// Another worker claimed the slot first; re-read and wait again.
			continue
		}
		return err
	}
}

func (t *Throttle) lastCall(ctx context.Context) (time.Time, []byte, error) {
	value, err := t.store.Get(ctx, statestore.NamespaceThrottle, t.key)
	if errors.Is(err, statestore.ErrNotFound) {
		return t.now(), nil, nil
	}
	if err != nil {
		return time.Time{}, nil, err
	}
	last, parseErr := time.Parse(time.RFC3339Nano, string(value))
	if parseErr != nil {
		return time.Time{}, value, nil
	}
	return last, value, nil
}
