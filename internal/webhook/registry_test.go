package webhook_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpipe/internal/testsupport"
	"docpipe/internal/webhook"
)

func newRegistry(t *testing.T) *webhook.Registry {
	t.Helper()
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	return webhook.NewRegistry(store)
}

func TestRegisterAndGet(t *testing.T) {
	registry := newRegistry(t)
	ctx := context.Background()

	sub, err := registry.Register(ctx, "billing", "https://example.com/hook", []string{webhook.EventDocumentCompleted})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.True(t, sub.Active)

	loaded, err := registry.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "billing", loaded.Name)
	assert.Equal(t, []string{webhook.EventDocumentCompleted}, loaded.Events)
}

func TestRegisterDefaultsToCompletedEvent(t *testing.T) {
	registry := newRegistry(t)

	sub, err := registry.Register(context.Background(), "default", "https://example.com/hook", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{webhook.EventDocumentCompleted}, sub.Events)
}

func TestRegisterValidation(t *testing.T) {
	registry := newRegistry(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, "", "https://example.com/hook", nil)
	assert.ErrorIs(t, err, webhook.ErrInvalidSubscription)

	_, err = registry.Register(ctx, "bad-url", "ftp://example.com", nil)
	assert.ErrorIs(t, err, webhook.ErrInvalidSubscription)

	_, err = registry.Register(ctx, "bad-event", "https://example.com/hook", []string{"document.shredded"})
	assert.ErrorIs(t, err, webhook.ErrInvalidSubscription)
}

func TestMatchingEventFiltersByEventAndActive(t *testing.T) {
	registry := newRegistry(t)
	ctx := context.Background()

	completed, err := registry.Register(ctx, "on-complete", "https://example.com/a", []string{webhook.EventDocumentCompleted})
	require.NoError(t, err)
	_, err = registry.Register(ctx, "on-fail", "https://example.com/b", []string{webhook.EventDocumentFailed})
	require.NoError(t, err)
	disabled, err := registry.Register(ctx, "disabled", "https://example.com/c", []string{webhook.EventDocumentCompleted})
	require.NoError(t, err)

	off := false
	_, err = registry.Apply(ctx, disabled.ID, webhook.Update{Active: &off})
	require.NoError(t, err)

	matched, err := registry.MatchingEvent(ctx, webhook.EventDocumentCompleted)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, completed.ID, matched[0].ID)
}

func TestApplyUpdatesFields(t *testing.T) {
	registry := newRegistry(t)
	ctx := context.Background()

	sub, err := registry.Register(ctx, "original", "https://example.com/hook", nil)
	require.NoError(t, err)

	name := "renamed"
	events := []string{webhook.EventDocumentFailed}
	updated, err := registry.Apply(ctx, sub.ID, webhook.Update{Name: &name, Events: events})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, events, updated.Events)
	assert.NotNil(t, updated.UpdatedAt)
}

func TestRemove(t *testing.T) {
	registry := newRegistry(t)
	ctx := context.Background()

	sub, err := registry.Register(ctx, "short-lived", "https://example.com/hook", nil)
	require.NoError(t, err)

	require.NoError(t, registry.Remove(ctx, sub.ID))
	_, err = registry.Get(ctx, sub.ID)
	assert.ErrorIs(t, err, webhook.ErrSubscriptionNotFound)

	err = registry.Remove(ctx, sub.ID)
	assert.ErrorIs(t, err, webhook.ErrSubscriptionNotFound)
}

func TestListOrdersByCreation(t *testing.T) {
	registry := newRegistry(t)
	ctx := context.Background()

	first, err := registry.Register(ctx, "first", "https://example.com/1", nil)
	require.NoError(t, err)
	second, err := registry.Register(ctx, "second", "https://example.com/2", nil)
	require.NoError(t, err)

	subs, err := registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, first.ID, subs[0].ID)
	assert.Equal(t, second.ID, subs[1].ID)
}
