package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherDeliversToSubscribers(t *testing.T) {
	d := NewInMemoryDispatcher()

	var got []Event
	d.Subscribe(EventUserRegistered, func(_ context.Context, e Event) error {
		got = append(got, e)
		return nil
	})

	err := d.Publish(context.Background(), Event{
		ID:      "evt-1",
		Type:    EventUserRegistered,
		Payload: UserRegisteredPayload{UserID: "user-1", Email: "a@x.com"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "evt-1", got[0].ID)
}

func TestDispatcherIgnoresUnrelatedEvents(t *testing.T) {
	d := NewInMemoryDispatcher()

	called := false
	d.Subscribe(EventPasswordChanged, func(context.Context, Event) error {
		called = true
		return nil
	})

	require.NoError(t, d.Publish(context.Background(), Event{Type: EventOTPRequested}))
	assert.False(t, called)
}

func TestDispatcherContinuesPastHandlerErrors(t *testing.T) {
	d := NewInMemoryDispatcher()

	var secondRan bool
	d.Subscribe(EventPasswordResetRequested, func(context.Context, Event) error {
		return errors.New("boom")
	})
	d.Subscribe(EventPasswordResetRequested, func(context.Context, Event) error {
		secondRan = true
		return nil
	})

	require.NoError(t, d.Publish(context.Background(), Event{Type: EventPasswordResetRequested}))
	assert.True(t, secondRan)
}
