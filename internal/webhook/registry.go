package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"docpipe/internal/statestore"
)

// Event names dispatched by the delivery engine.
const (
	EventDocumentCompleted = "document.completed"
	EventDocumentFailed    = "document.failed"
)

var knownEvents = map[string]bool{
	EventDocumentCompleted: true,
	EventDocumentFailed:    true,
}

var (
	// ErrSubscriptionNotFound reports an unknown subscription id.
	ErrSubscriptionNotFound = errors.New("webhook subscription not found")
	// ErrInvalidSubscription reports a registration or update that fails
	// validation.
	ErrInvalidSubscription = errors.New("invalid webhook subscription")
)

// Subscription is one registered callback endpoint.
type Subscription struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	URL       string     `json:"url"`
	Events    []string   `json:"events"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Matches reports whether an active subscription wants the event.
func (s Subscription) Matches(event string) bool {
	if !s.Active {
		return false
	}
	for _, subscribed := range s.Events {
		if subscribed == event {
			return true
		}
	}
	return false
}

// Update carries optional subscription changes; nil fields stay untouched.
type Update struct {
	Name   *string
	URL    *string
	Active *bool
	Events []string
}

// Registry stores subscriptions in the app namespace. Subscriptions have no
// TTL; they live until explicitly removed.
type Registry struct {
	store *statestore.Store
}

// NewRegistry builds a subscription registry on the shared store.
func NewRegistry(store *statestore.Store) *Registry {
	return &Registry{store: store}
}

// SubscriptionKey is the app-namespace key for one subscription.
func SubscriptionKey(id string) string {
	return "webhook:" + id
}

// Register validates and persists a new subscription. Omitted event lists
// default to document.completed.
func (r *Registry) Register(ctx context.Context, name, rawURL string, events []string) (*Subscription, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidSubscription)
	}
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		events = []string{EventDocumentCompleted}
	}
	if err := validateEvents(events); err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		URL:       rawURL,
		Events:    normalizeEvents(events),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.put(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Get returns one subscription by id.
func (r *Registry) Get(ctx context.Context, id string) (*Subscription, error) {
	raw, err := r.store.Get(ctx, statestore.NamespaceApp, SubscriptionKey(id))
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var sub Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription %s: %w", id, err)
	}
	return &sub, nil
}

// List returns all subscriptions ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]Subscription, error) {
	entries, err := r.store.Scan(ctx, statestore.NamespaceApp, "webhook:")
	if err != nil {
		return nil, err
	}
	subs := make([]Subscription, 0, len(entries))
	for _, entry := range entries {
		var sub Subscription
		if err := json.Unmarshal(entry.Value, &sub); err != nil {
			continue
		}
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })
	return subs, nil
}

// MatchingEvent returns the active subscriptions for an event.
func (r *Registry) MatchingEvent(ctx context.Context, event string) ([]Subscription, error) {
	subs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	matched := subs[:0]
	for _, sub := range subs {
		if sub.Matches(event) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

// Apply updates an existing subscription in place.
func (r *Registry) Apply(ctx context.Context, id string, update Update) (*Subscription, error) {
	sub, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if update.Name != nil {
		if strings.TrimSpace(*update.Name) == "" {
			return nil, fmt.Errorf("%w: name required", ErrInvalidSubscription)
		}
		sub.Name = strings.TrimSpace(*update.Name)
	}
	if update.URL != nil {
		if err := validateURL(*update.URL); err != nil {
			return nil, err
		}
		sub.URL = *update.URL
	}
	if update.Active != nil {
		sub.Active = *update.Active
	}
	if update.Events != nil {
		if err := validateEvents(update.Events); err != nil {
			return nil, err
		}
		sub.Events = normalizeEvents(update.Events)
	}
	now := time.Now().UTC()
	sub.UpdatedAt = &now
	if err := r.put(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Remove deletes a subscription.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return r.store.Delete(ctx, statestore.NamespaceApp, SubscriptionKey(id))
}

func (r *Registry) put(ctx context.Context, sub *Subscription) error {
	encoded, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscription %s: %w", sub.ID, err)
	}
	return r.store.Put(ctx, statestore.NamespaceApp, SubscriptionKey(sub.ID), encoded, 0)
}

func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%w: callback url must be http or https", ErrInvalidSubscription)
	}
	return nil
}

func validateEvents(events []string) error {
	for _, event := range events {
		if !knownEvents[strings.TrimSpace(event)] {
			return fmt.Errorf("%w: unknown event %q", ErrInvalidSubscription, event)
		}
	}
	return nil
}

func normalizeEvents(events []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(events))
	for _, event := range events {
		event = strings.TrimSpace(event)
		if event == "" || seen[event] {
			continue
		}
		seen[event] = true
		out = append(out, event)
	}
	sort.Strings(out)
	return out
}
