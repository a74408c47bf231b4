package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDispatcherKeepsPerKeyOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]string{}
	release := make(chan struct{})
	slowStarted := make(chan struct{})

	dispatcher := NewDispatcher(func(ctx context.Context, event GatewayEvent) error {
		if event.MessageID == "a-1" {
			close(slowStarted)
			<-release
		}
		mu.Lock()
		seen[event.Key()] = append(seen[event.Key()], event.MessageID)
		mu.Unlock()
		return nil
	}, time.Minute, zerolog.Nop())

	alice := &Author{ID: "a"}
	bob := &Author{ID: "b"}
	require.NoError(t, dispatcher.Submit(GatewayEvent{Type: EventMessageCreate, ChannelID: "a", Author: alice, MessageID: "a-1"}))
	<-slowStarted
	for _, id := range []string{"a-2", "a-3"} {
		require.NoError(t, dispatcher.Submit(GatewayEvent{Type: EventMessageCreate, ChannelID: "a", Author: alice, MessageID: id}))
	}
	require.NoError(t, dispatcher.Submit(GatewayEvent{Type: EventMessageCreate, ChannelID: "b", Author: bob, MessageID: "b-1"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen["dm:b"]) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Empty(t, seen["dm:a"])
	mu.Unlock()

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.Shutdown(ctx))

	require.Equal(t, []string{"a-1", "a-2", "a-3"}, seen["dm:a"])
	require.Zero(t, dispatcher.Pending())
}

func TestDispatcherRejectsAfterShutdown(t *testing.T) {
	dispatcher := NewDispatcher(func(context.Context, GatewayEvent) error { return nil }, 0, zerolog.Nop())
	require.NoError(t, dispatcher.Shutdown(context.Background()))
	require.ErrorIs(t, dispatcher.Submit(GatewayEvent{Type: EventMessageCreate, ChannelID: "c"}), ErrDispatcherClosed)
}

func TestDispatcherShutdownCancelsStuckHandlers(t *testing.T) {
	started := make(chan struct{})
	dispatcher := NewDispatcher(func(ctx context.Context, _ GatewayEvent) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, time.Minute, zerolog.Nop())

	require.NoError(t, dispatcher.Submit(GatewayEvent{Type: EventMessageCreate, GuildID: "g", ChannelID: "c"}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, dispatcher.Shutdown(ctx), context.DeadlineExceeded)

	require.Eventually(t, func() bool { return dispatcher.Pending() == 0 }, time.Second, 5*time.Millisecond)
}
