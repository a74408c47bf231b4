package bot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/newcircuit/modmail/internal/command"
	"github.com/newcircuit/modmail/internal/models"
	"github.com/newcircuit/modmail/internal/platform"
	"github.com/newcircuit/modmail/internal/render"
	"github.com/newcircuit/modmail/internal/service"
)

type categoriesStub struct {
	service.CategoryService
	active []models.Category
}

func (s *categoriesStub) List(context.Context, bool) ([]models.Category, error) {
	return s.active, nil
}

func (s *categoriesStub) ResolveByEmoji(_ context.Context, emoji string) (models.Category, error) {
	for _, category := range s.active {
		if category.Emoji == emoji {
			return category, nil
		}
	}
	return models.Category{}, fmt.Errorf("category with emoji %s: %w", emoji, service.ErrNotFound)
}

type threadsStub struct {
	service.ThreadService
	open    map[string]models.Thread
	opened  []int64
	openErr error
}

func (s *threadsStub) FindOpenByUser(_ context.Context, userID string) (models.Thread, error) {
	thread, ok := s.open[userID]
	if !ok {
		return models.Thread{}, fmt.Errorf("open thread for %s: %w", userID, service.ErrNotFound)
	}
	return thread, nil
}

func (s *threadsStub) OpenOrGet(_ context.Context, user render.Person, categoryID int64) (models.Thread, bool, error) {
	if s.openErr != nil {
		return models.Thread{}, false, s.openErr
	}
	s.opened = append(s.opened, categoryID)
	thread := models.Thread{ID: 100 + categoryID, AuthorID: user.ID, CategoryID: categoryID, IsOpen: true}
	s.open[user.ID] = thread
	return thread, true, nil
}

type relayStub struct {
	service.RelayService
	fromUser []service.UserMessage
	edits    []string
	deletes  []string
}

func (s *relayStub) RelayFromUser(_ context.Context, msg service.UserMessage) (service.RelayResult, error) {
	s.fromUser = append(s.fromUser, msg)
	return service.RelayResult{}, nil
}

func (s *relayStub) PropagateEdit(_ context.Context, id, content string) (models.Edit, error) {
	if id == "unknown" {
		return models.Edit{}, fmt.Errorf("message %s: %w", id, service.ErrNotFound)
	}
	s.edits = append(s.edits, id+":"+content)
	return models.Edit{}, nil
}

func (s *relayStub) PropagateDelete(_ context.Context, id string) (models.Message, error) {
	s.deletes = append(s.deletes, id)
	return models.Message{}, nil
}

type sendStub struct {
	platform.Platform
	mu      sync.Mutex
	direct  map[string][]render.Message
	channel map[string][]render.Message
}

func newSendStub() *sendStub {
	return &sendStub{direct: map[string][]render.Message{}, channel: map[string][]render.Message{}}
}

func (s *sendStub) SendDirect(_ context.Context, userID string, msg render.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.direct[userID] = append(s.direct[userID], msg)
	return fmt.Sprintf("dm-%d", len(s.direct[userID])), nil
}

func (s *sendStub) SendToChannel(_ context.Context, channelID string, msg render.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel[channelID] = append(s.channel[channelID], msg)
	return "cm", nil
}

type handlerFixture struct {
	handler    *Handler
	categories *categoriesStub
	threads    *threadsStub
	relay      *relayStub
	platform   *sendStub
	pinged     []command.Actor
}

var (
	support = models.Category{ID: 1, Name: "Support", Emoji: "🛟", IsActive: true}
	appeals = models.Category{ID: 2, Name: "Appeals", Emoji: "📮", IsActive: true}
	alice   = &Author{ID: "1001", Name: "Alice"}
)

func newHandlerFixture(t *testing.T, active ...models.Category) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		categories: &categoriesStub{active: active},
		threads:    &threadsStub{open: map[string]models.Thread{}},
		relay:      &relayStub{},
		platform:   newSendStub(),
	}

	registry := command.NewRegistry("=", validator.New(), zerolog.Nop())
	require.NoError(t, registry.Register(command.Define("ping", models.RoleMod, "ping",
		func(command.Invocation) (struct{}, error) { return struct{}{}, nil },
		func(_ context.Context, inv command.Invocation, _ struct{}) (command.Reply, error) {
			f.pinged = append(f.pinged, inv.Actor)
			return command.Reply{Text: "pong"}, nil
		},
	)))

	f.handler = NewHandler(f.categories, f.threads, f.relay, registry, f.platform, []string{"1"}, zerolog.Nop())
	return f
}

func dm(id, content string) GatewayEvent {
	return GatewayEvent{Type: EventMessageCreate, ChannelID: "dm", MessageID: id, Content: content, Author: alice}
}

func TestDirectMessageRelaysIntoOpenThread(t *testing.T) {
	f := newHandlerFixture(t, support)
	f.threads.open[alice.ID] = models.Thread{ID: 7, AuthorID: alice.ID, IsOpen: true}

	require.NoError(t, f.handler.Handle(context.Background(), dm("m-1", "hello again")))
	require.Len(t, f.relay.fromUser, 1)
	require.Equal(t, int64(7), f.relay.fromUser[0].ThreadID)
	require.Equal(t, "m-1", f.relay.fromUser[0].MessageID)
	require.Empty(t, f.threads.opened)
}

func TestDirectMessageOpensSingleCategory(t *testing.T) {
	f := newHandlerFixture(t, support)

	require.NoError(t, f.handler.Handle(context.Background(), dm("m-1", "help me")))
	require.Equal(t, []int64{1}, f.threads.opened)
	require.Len(t, f.relay.fromUser, 1)
	require.Equal(t, "help me", f.relay.fromUser[0].Content)
	require.Equal(t, "Alice", f.relay.fromUser[0].Author.Name)
}

func TestDirectMessageWaitsForCategorySelection(t *testing.T) {
	f := newHandlerFixture(t, support, appeals)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, dm("m-1", "I was banned")))
	require.Empty(t, f.threads.opened)
	require.Len(t, f.platform.direct[alice.ID], 1)
	require.Equal(t, "Select a category", f.platform.direct[alice.ID][0].Title)

	reaction := GatewayEvent{Type: EventReactionAdd, ChannelID: "dm", MessageID: "dm-1", Emoji: "❓", Author: alice}
	require.NoError(t, f.handler.Handle(ctx, reaction))
	require.Empty(t, f.threads.opened)

	reaction.Emoji = "📮"
	reaction.MessageID = "other"
	require.NoError(t, f.handler.Handle(ctx, reaction))
	require.Empty(t, f.threads.opened)

	reaction.MessageID = "dm-1"
	require.NoError(t, f.handler.Handle(ctx, reaction))
	require.Equal(t, []int64{2}, f.threads.opened)
	require.Len(t, f.relay.fromUser, 1)
	require.Equal(t, "I was banned", f.relay.fromUser[0].Content)
	require.Equal(t, "m-1", f.relay.fromUser[0].MessageID)

	require.NoError(t, f.handler.Handle(ctx, reaction))
	require.Len(t, f.relay.fromUser, 1)
}

func TestSelectionExpires(t *testing.T) {
	f := newHandlerFixture(t, support, appeals)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.handler.now = func() time.Time { return start }

	require.NoError(t, f.handler.Handle(ctx, dm("m-1", "hi")))
	f.handler.now = func() time.Time { return start.Add(selectionTTL + time.Second) }

	require.NoError(t, f.handler.Handle(ctx, GatewayEvent{Type: EventReactionAdd, ChannelID: "dm", MessageID: "dm-1", Emoji: "🛟", Author: alice}))
	require.Empty(t, f.threads.opened)
	require.Equal(t, "Selection expired", f.platform.direct[alice.ID][1].Title)
}

func TestDirectMessageLeadingEmojiPicksCategory(t *testing.T) {
	f := newHandlerFixture(t, support, appeals)

	require.NoError(t, f.handler.Handle(context.Background(), dm("m-1", "📮 please review my ban")))
	require.Equal(t, []int64{2}, f.threads.opened)
	require.Empty(t, f.platform.direct[alice.ID])
}

func TestDirectMessageMutedUserIsTold(t *testing.T) {
	f := newHandlerFixture(t, support)
	f.threads.openErr = fmt.Errorf("open: %w", service.ErrUserMuted)

	require.NoError(t, f.handler.Handle(context.Background(), dm("m-1", "hi")))
	require.Empty(t, f.relay.fromUser)
	require.Equal(t, "Muted", f.platform.direct[alice.ID][0].Title)
}

func TestDirectMessageWithoutCategories(t *testing.T) {
	f := newHandlerFixture(t)

	require.NoError(t, f.handler.Handle(context.Background(), dm("m-1", "hi")))
	require.Empty(t, f.threads.opened)
	require.Equal(t, "Unavailable", f.platform.direct[alice.ID][0].Title)
}

func TestBotEventsAreIgnored(t *testing.T) {
	f := newHandlerFixture(t, support)
	event := dm("m-1", "echo")
	event.Author = &Author{ID: "999", Bot: true}

	require.NoError(t, f.handler.Handle(context.Background(), event))
	require.Empty(t, f.relay.fromUser)
	require.Empty(t, f.threads.opened)
}

func TestGuildMessagesDispatchCommands(t *testing.T) {
	f := newHandlerFixture(t, support)
	ctx := context.Background()
	staff := &Author{ID: "2001", Name: "Sam"}

	event := GatewayEvent{
		Type: EventMessageCreate, GuildID: "g1", ChannelID: "ch-1", MessageID: "c-1",
		Content: "=ping", Author: staff, Member: &Member{Role: models.RoleMod, RoleName: "Moderator"},
	}
	require.NoError(t, f.handler.Handle(ctx, event))
	require.Len(t, f.pinged, 1)
	require.Equal(t, models.RoleMod, f.pinged[0].Role)
	require.Equal(t, "Moderator", f.pinged[0].RoleName)
	require.Equal(t, "pong", f.platform.channel["ch-1"][0].Content)

	event.Member = nil
	require.NoError(t, f.handler.Handle(ctx, event))
	require.Len(t, f.pinged, 1)
	require.Equal(t, "You don't have permission to do that.", f.platform.channel["ch-1"][1].Content)

	event.Author = &Author{ID: "1", Name: "Owner"}
	require.NoError(t, f.handler.Handle(ctx, event))
	require.Len(t, f.pinged, 2)
	require.True(t, f.pinged[1].Owner)

	event.Content = "just chatting"
	require.NoError(t, f.handler.Handle(ctx, event))
	require.Len(t, f.platform.channel["ch-1"], 3)
}

func TestEditsAndDeletesPropagate(t *testing.T) {
	f := newHandlerFixture(t, support)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, GatewayEvent{Type: EventMessageUpdate, ChannelID: "dm", MessageID: "m-1", Content: "fixed", Author: alice}))
	require.NoError(t, f.handler.Handle(ctx, GatewayEvent{Type: EventMessageUpdate, ChannelID: "dm", MessageID: "unknown", Content: "x"}))
	require.NoError(t, f.handler.Handle(ctx, GatewayEvent{Type: EventMessageDelete, ChannelID: "dm", MessageID: "m-1"}))

	require.Equal(t, []string{"m-1:fixed"}, f.relay.edits)
	require.Equal(t, []string{"m-1"}, f.relay.deletes)
}

func TestSubscriberDeliverDecodesAndQueues(t *testing.T) {
	decoder, err := NewDecoder()
	require.NoError(t, err)

	received := make(chan GatewayEvent, 1)
	dispatcher := NewDispatcher(func(_ context.Context, event GatewayEvent) error {
		received <- event
		return nil
	}, time.Second, zerolog.Nop())
	subscriber := NewSubscriber(nil, "modmail", decoder, dispatcher, zerolog.Nop())
	require.Equal(t, "modmail.gateway.events", subscriber.Subject())

	require.ErrorIs(t, subscriber.Deliver([]byte(`{"type":"nope"}`)), ErrInvalidEvent)
	require.NoError(t, subscriber.Deliver([]byte(`{"type":"message_delete","channel_id":"dm","message_id":"m-1"}`)))

	select {
	case event := <-received:
		require.Equal(t, "m-1", event.MessageID)
	case <-time.After(time.Second):
		t.Fatal("event was not dispatched")
	}
	require.NoError(t, dispatcher.Shutdown(context.Background()))
}

// bufferedSub hands its pending payloads to the subscriber only after Drain,
// the way a NATS subscription flushes its buffer.
type bufferedSub struct {
	subscriber *Subscriber
	pending    [][]byte
	valid      atomic.Bool
	stuck      bool
}

func (b *bufferedSub) Drain() error {
	if b.stuck {
		return nil
	}
	go func() {
		for _, data := range b.pending {
			time.Sleep(5 * time.Millisecond)
			_ = b.subscriber.Deliver(data)
		}
		b.valid.Store(false)
	}()
	return nil
}

func (b *bufferedSub) IsValid() bool { return b.valid.Load() }

func TestSubscriberStopFlushesBufferedEventsBeforeDispatcherShutdown(t *testing.T) {
	decoder, err := NewDecoder()
	require.NoError(t, err)

	var handled atomic.Int32
	dispatcher := NewDispatcher(func(_ context.Context, _ GatewayEvent) error {
		handled.Add(1)
		return nil
	}, time.Second, zerolog.Nop())
	subscriber := NewSubscriber(nil, "modmail", decoder, dispatcher, zerolog.Nop())
	subscriber.drainPoll = time.Millisecond

	sub := &bufferedSub{subscriber: subscriber}
	for _, id := range []string{"m-1", "m-2", "m-3"} {
		sub.pending = append(sub.pending, []byte(`{"type":"message_delete","channel_id":"dm","message_id":"`+id+`"}`))
	}
	sub.valid.Store(true)
	subscriber.sub = sub

	require.NoError(t, subscriber.Stop(context.Background()))
	require.NoError(t, dispatcher.Shutdown(context.Background()))
	require.Equal(t, int32(3), handled.Load())
}

func TestSubscriberStopGivesUpWithContext(t *testing.T) {
	subscriber := NewSubscriber(nil, "modmail", nil, nil, zerolog.Nop())
	require.NoError(t, subscriber.Stop(context.Background()))

	sub := &bufferedSub{stuck: true}
	sub.valid.Store(true)
	subscriber.sub = sub

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, subscriber.Stop(ctx), context.DeadlineExceeded)
}
