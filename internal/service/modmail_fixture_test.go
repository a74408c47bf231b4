package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/newcircuit/modmail/internal/dto"
	"github.com/newcircuit/modmail/internal/models"
	"github.com/newcircuit/modmail/internal/platform"
	"github.com/newcircuit/modmail/internal/render"
	"github.com/newcircuit/modmail/internal/repository"
)

type sequenceIDs struct {
	next atomic.Int64
}

func (s *sequenceIDs) Next() int64 {
	return s.next.Add(1)
}

type sentMessage struct {
	ID   string
	Dest platform.Destination
	Msg  render.Message
}

type editedMessage struct {
	Dest platform.Destination
	ID   string
	Msg  render.Message
}

// platformStub records every platform call. Failure hooks return an error to
// simulate an unreachable destination.
type platformStub struct {
	mu        sync.Mutex
	seq       int
	sent      []sentMessage
	edited    []editedMessage
	deleted   []string
	reactions []string
	channels  []platform.ChannelSpec
	removed   []string
	users     map[string]platform.User
	files     map[string][]byte

	failDirect   error
	failCreate   error
	failSend     func(channelID string, msg render.Message) error
	failDownload error
}

func newPlatformStub() *platformStub {
	return &platformStub{users: map[string]platform.User{}, files: map[string][]byte{}}
}

func (p *platformStub) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

func (p *platformStub) SendToChannel(ctx context.Context, channelID string, msg render.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSend != nil {
		if err := p.failSend(channelID, msg); err != nil {
			return "", err
		}
	}
	id := p.nextID("cm")
	p.sent = append(p.sent, sentMessage{ID: id, Dest: platform.InChannel(channelID), Msg: msg})
	return id, nil
}

func (p *platformStub) SendDirect(ctx context.Context, userID string, msg render.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDirect != nil {
		return "", p.failDirect
	}
	id := p.nextID("dm")
	p.sent = append(p.sent, sentMessage{ID: id, Dest: platform.Direct(userID), Msg: msg})
	return id, nil
}

func (p *platformStub) EditMessage(ctx context.Context, dest platform.Destination, messageID string, msg render.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edited = append(p.edited, editedMessage{Dest: dest, ID: messageID, Msg: msg})
	return nil
}

func (p *platformStub) DeleteMessage(ctx context.Context, dest platform.Destination, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, messageID)
	return nil
}

func (p *platformStub) ReactTo(ctx context.Context, dest platform.Destination, messageID, emoji string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reactions = append(p.reactions, messageID+":"+emoji)
	return nil
}

func (p *platformStub) FetchChannel(ctx context.Context, channelID string) (platform.Channel, error) {
	return platform.Channel{ID: channelID}, nil
}

func (p *platformStub) CreateChannel(ctx context.Context, spec platform.ChannelSpec) (platform.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreate != nil {
		return platform.Channel{}, p.failCreate
	}
	p.channels = append(p.channels, spec)
	return platform.Channel{ID: fmt.Sprintf("ch-%d", len(p.channels)), GuildID: spec.GuildID, ParentID: spec.ParentID, Name: spec.Name}, nil
}

func (p *platformStub) DeleteChannel(ctx context.Context, channelID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, channelID)
	return nil
}

func (p *platformStub) FetchUser(ctx context.Context, userID string) (platform.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	user, ok := p.users[userID]
	if !ok {
		return platform.User{}, platform.ErrNotFound
	}
	return user, nil
}

func (p *platformStub) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDownload != nil {
		return nil, p.failDownload
	}
	data, ok := p.files[url]
	if !ok {
		return nil, platform.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// sentTo returns the cards posted to dest in order.
func (p *platformStub) sentTo(dest platform.Destination) []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []sentMessage
	for _, s := range p.sent {
		if s.Dest == dest {
			out = append(out, s)
		}
	}
	return out
}

func (p *platformStub) removedChannels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.removed...)
}

// fixture wires every service against one in-memory database and platform stub.
type fixture struct {
	db         *gorm.DB
	platform   *platformStub
	categories CategoryService
	threads    ThreadService
	relay      RelayService
	forward    ForwardService
	query      QueryService
	stores     RelayStores
	catRepo    repository.CategoryRepository
	muteRepo   repository.MuteRepository
}

func setupModmailTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Category{}, &models.Thread{}, &models.Message{}, &models.Edit{}, &models.Attachment{}, &models.Mute{}, &models.StandardReply{}))
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupModmailTestDB(t)
	ids := &sequenceIDs{}
	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())
	stub := newPlatformStub()
	locker := NewMemoryThreadLocker()

	catRepo := repository.NewCategoryRepository(db, ids)
	muteRepo := repository.NewMuteRepository(db, ids)
	stores := RelayStores{
		Threads:     repository.NewThreadRepository(db, ids),
		Messages:    repository.NewMessageRepository(db, ids),
		Edits:       repository.NewEditRepository(db, ids),
		Attachments: repository.NewAttachmentRepository(db, ids),
		Users:       repository.NewUserRepository(db),
	}

	categories := NewCategoryService(catRepo, muteRepo, validate, logger)
	threads := NewThreadService(stores.Threads, stores.Users, categories, stub, locker, nil, ThreadConfig{CloseDelay: 0}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = threads.Shutdown(ctx)
	})

	return &fixture{
		db:         db,
		platform:   stub,
		categories: categories,
		threads:    threads,
		relay:      NewRelayService(stores, stub, nil, locker, nil, logger),
		forward: NewForwardService(threads, categories, ForwardStores{
			Messages:    stores.Messages,
			Edits:       stores.Edits,
			Attachments: stores.Attachments,
		}, stub, locker, nil, logger),
		query: NewQueryService(QueryStores{
			Categories:  catRepo,
			Threads:     stores.Threads,
			Messages:    stores.Messages,
			Edits:       stores.Edits,
			Attachments: stores.Attachments,
		}, validate, logger),
		stores:   stores,
		catRepo:  catRepo,
		muteRepo: muteRepo,
	}
}

func (f *fixture) createCategory(t *testing.T, guildID, name, emoji, channelID string) models.Category {
	t.Helper()
	category, err := f.categories.Create(context.Background(), dto.CategoryCreateRequest{
		GuildID:   guildID,
		Name:      name,
		Emoji:     emoji,
		ChannelID: channelID,
	})
	require.NoError(t, err)
	return category
}

func (f *fixture) openThread(t *testing.T, user render.Person, category models.Category) models.Thread {
	t.Helper()
	thread, created, err := f.threads.OpenOrGet(context.Background(), user, category.ID)
	require.NoError(t, err)
	require.True(t, created)
	return thread
}
