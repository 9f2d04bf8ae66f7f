package chat

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"parley/internal/models"
	"parley/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	notified chan string
}

func (m *mockNotifier) Notify(_ context.Context, userID string, _ models.Message) error {
	m.notified <- userID
	return nil
}

func newTestService(t *testing.T) (*Service, *storage.BboltStorage) {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(Config{Store: store}), store
}

func addUser(t *testing.T, store *storage.BboltStorage, name string) models.User {
	t.Helper()
	user, err := store.CreateUser(context.Background(), models.User{UserName: name}, "hash")
	require.NoError(t, err)
	return user
}

func privateWith(t *testing.T, svc *Service, from, to models.User) ChannelResult {
	t.Helper()
	res, err := svc.CreateOrGetChannel(context.Background(), from.ID, CreateChannelRequest{
		TargetUserIDs: []string{to.ID},
		Type:          models.ChannelTypePrivate,
	})
	require.NoError(t, err)
	return res
}

func TestFirstMessageScenario(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	admin := addUser(t, store, "admin")
	root := addUser(t, store, "root")

	res := privateWith(t, svc, admin, root)
	assert.True(t, res.Created)
	assert.Equal(t, "root", res.Summary.Name)
	assert.ElementsMatch(t, []string{admin.ID, root.ID}, res.MemberIDs)

	msg, err := svc.SendMessage(ctx, admin.ID, res.Summary.ID, "hi")
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.Equal(t, "<p>hi</p>", msg.HTML)
	require.NotNil(t, msg.FromUser)
	assert.Equal(t, "admin", msg.FromUser.UserName)

	channels, err := svc.ListChannelsFor(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, res.Summary.ID, channels[0].ID)
	assert.Equal(t, "admin", channels[0].Name)
	assert.Equal(t, 1, channels[0].UnreadCount)
	require.NotNil(t, channels[0].LatestMessage)
	assert.Equal(t, "hi", channels[0].LatestMessage.Content)

	require.NoError(t, svc.MarkChannelRead(ctx, root.ID, res.Summary.ID))

	channels, err = svc.ListChannelsFor(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, channels[0].UnreadCount)
	require.NotNil(t, channels[0].ClientOffsetID)
	assert.Equal(t, msg.ID, *channels[0].ClientOffsetID)
}

func TestUnreadCount(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	a := addUser(t, store, "a")
	b := addUser(t, store, "b")
	ch := privateWith(t, svc, a, b).Summary.ID

	for i := 0; i < 3; i++ {
		_, err := svc.SendMessage(ctx, a.ID, ch, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	summary, err := svc.ChannelSummaryFor(ctx, b.ID, ch)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.UnreadCount, "null watermark counts everything")

	require.NoError(t, svc.MarkChannelRead(ctx, b.ID, ch))
	_, err = svc.SendMessage(ctx, a.ID, ch, "later")
	require.NoError(t, err)

	summary, err = svc.ChannelSummaryFor(ctx, b.ID, ch)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.UnreadCount)
	assert.Equal(t, "later", summary.LatestMessage.Content)
}

func TestCreateOrGetPrivateChannel(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	a := addUser(t, store, "a")
	b := addUser(t, store, "b")

	first := privateWith(t, svc, a, b)
	again := privateWith(t, svc, a, b)
	reverse := privateWith(t, svc, b, a)

	assert.Equal(t, first.Summary.ID, again.Summary.ID)
	assert.Equal(t, first.Summary.ID, reverse.Summary.ID)
	assert.False(t, again.Created)
	assert.False(t, reverse.Created)
	assert.Equal(t, "a", reverse.Summary.Name)

	memberships, err := store.ListMemberships(ctx, a.ID, 0)
	require.NoError(t, err)
	assert.Len(t, memberships, 1)

	t.Run("Validation", func(t *testing.T) {
		_, err := svc.CreateOrGetChannel(ctx, a.ID, CreateChannelRequest{Type: models.ChannelTypePrivate})
		require.ErrorIs(t, err, ErrPrivateTargets)

		_, err = svc.CreateOrGetChannel(ctx, a.ID, CreateChannelRequest{
			Type:          models.ChannelTypePrivate,
			TargetUserIDs: []string{a.ID, b.ID},
		})
		require.ErrorIs(t, err, ErrPrivateTargets)
		assert.Equal(t, "private channels must have exactly one target user", err.Error())

		_, err = svc.CreateOrGetChannel(ctx, a.ID, CreateChannelRequest{
			Type:          models.ChannelTypePrivate,
			TargetUserIDs: []string{a.ID},
		})
		require.ErrorIs(t, err, models.ErrInvalidInput)

		_, err = svc.CreateOrGetChannel(ctx, a.ID, CreateChannelRequest{
			Type:          models.ChannelTypePrivate,
			TargetUserIDs: []string{"ghost"},
		})
		require.ErrorIs(t, err, ErrUnknownTarget)

		_, err = svc.CreateOrGetChannel(ctx, a.ID, CreateChannelRequest{Type: "secret"})
		require.ErrorIs(t, err, models.ErrInvalidInput)
	})
}

func TestCreateOrGetPrivateChannel_Concurrent(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	a := addUser(t, store, "a")
	b := addUser(t, store, "b")

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]struct{}{}
	)
	for i := 0; i < 20; i++ {
		from, to := a, b
		if i%2 == 1 {
			from, to = b, a
		}
		wg.Go(func() {
			res, err := svc.CreateOrGetChannel(ctx, from.ID, CreateChannelRequest{
				TargetUserIDs: []string{to.ID},
				Type:          models.ChannelTypePrivate,
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[res.Summary.ID] = struct{}{}
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	memberships, err := store.ListMemberships(ctx, b.ID, 0)
	require.NoError(t, err)
	assert.Len(t, memberships, 1)
}

func TestCreatePublicChannel(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	a := addUser(t, store, "a")
	b := addUser(t, store, "b")

	res, err := svc.CreateOrGetChannel(ctx, a.ID, CreateChannelRequest{
		Type:          models.ChannelTypePublic,
		Name:          "  general ",
		TargetUserIDs: []string{b.ID, b.ID, a.ID},
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "general", res.Summary.Name)
	assert.Nil(t, res.Summary.ClientOffsetID)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, res.MemberIDs)

	_, err = svc.CreateOrGetChannel(ctx, b.ID, CreateChannelRequest{Type: models.ChannelTypePublic, Name: "general"})
	require.ErrorIs(t, err, ErrGroupExists)
	require.ErrorIs(t, err, models.ErrConflict)

	_, err = svc.CreateOrGetChannel(ctx, b.ID, CreateChannelRequest{Type: models.ChannelTypePublic, Name: "   "})
	require.ErrorIs(t, err, ErrEmptyGroupName)

	_, err = svc.CreateOrGetChannel(ctx, b.ID, CreateChannelRequest{
		Type:          models.ChannelTypePublic,
		Name:          "ghosts",
		TargetUserIDs: []string{"ghost"},
	})
	require.ErrorIs(t, err, ErrUnknownTarget)

	channels, err := svc.ListChannelsFor(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, channels, 1, "failed creations leave nothing behind")
}

func TestListChannelsForOrdering(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	u := addUser(t, store, "u")

	var ids []string
	for i := 0; i < ChannelsPageSize+2; i++ {
		res, err := svc.CreateOrGetChannel(ctx, u.ID, CreateChannelRequest{
			Type: models.ChannelTypePublic,
			Name: fmt.Sprintf("group-%02d", i),
		})
		require.NoError(t, err)
		ids = append(ids, res.Summary.ID)
		time.Sleep(2 * time.Millisecond)
	}

	_, err := svc.SendMessage(ctx, u.ID, ids[0], "read me")
	require.NoError(t, err)
	require.NoError(t, svc.MarkChannelRead(ctx, u.ID, ids[0]))

	channels, err := svc.ListChannelsFor(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, channels, ChannelsPageSize)
	assert.Equal(t, ids[len(ids)-1], channels[0].ID, "never-read channels first, newest first")
	for _, ch := range channels {
		assert.NotEqual(t, ids[0], ch.ID, "read channel ranks after unread ones")
	}
}

func TestPagination(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	a := addUser(t, store, "a")
	b := addUser(t, store, "b")
	ch := privateWith(t, svc, a, b).Summary.ID

	page, err := svc.InitialPage(ctx, a.ID, ch)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)

	var sent []int64
	for i := 0; i < 2*MessagesPageSize; i++ {
		msg, err := svc.SendMessage(ctx, a.ID, ch, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		sent = append(sent, msg.ID)
	}

	page, err = svc.InitialPage(ctx, b.ID, ch)
	require.NoError(t, err)
	require.Len(t, page.Messages, MessagesPageSize)
	assert.True(t, page.HasMore)
	assert.Equal(t, sent[MessagesPageSize], page.Messages[0].ID, "chronological order")
	assert.Equal(t, sent[len(sent)-1], page.Messages[MessagesPageSize-1].ID)

	// Walk back to the beginning and rebuild the history.
	history := page.Messages
	for page.HasMore {
		page, err = svc.OlderPage(ctx, b.ID, ch, history[0].ID)
		require.NoError(t, err)
		history = append(page.Messages, history...)
	}

	require.Len(t, history, len(sent))
	for i, msg := range history {
		assert.Equal(t, sent[i], msg.ID)
	}
	// An exact multiple of the page size costs one extra empty page.
	assert.Empty(t, page.Messages)

	_, err = svc.OlderPage(ctx, b.ID, ch, 0)
	require.ErrorIs(t, err, ErrBadCursor)
}

func TestMembershipRequired(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	a := addUser(t, store, "a")
	b := addUser(t, store, "b")
	c := addUser(t, store, "c")
	ch := privateWith(t, svc, a, b).Summary.ID

	_, err := svc.SendMessage(ctx, c.ID, ch, "intrude")
	require.ErrorIs(t, err, ErrNotMember)

	_, err = svc.InitialPage(ctx, c.ID, ch)
	require.ErrorIs(t, err, ErrNotMember)

	_, err = svc.ChannelMemberIDs(ctx, c.ID, ch)
	require.ErrorIs(t, err, ErrNotMember)

	ok, err := svc.CanJoinRoom(ctx, c.ID, ch)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.CanJoinRoom(ctx, a.ID, ch)
	require.NoError(t, err)
	assert.True(t, ok)

	ids, err := svc.ChannelMemberIDs(ctx, a.ID, ch)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
}

func TestSendMessageValidation(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	a := addUser(t, store, "a")
	b := addUser(t, store, "b")
	ch := privateWith(t, svc, a, b).Summary.ID

	for _, text := range []string{"", "   ", "<script>alert(1)</script>"} {
		_, err := svc.SendMessage(ctx, a.ID, ch, text)
		require.ErrorIs(t, err, ErrEmptyMessage, "content %q", text)
	}

	page, err := svc.InitialPage(ctx, a.ID, ch)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func TestMarkChannelRead(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	a := addUser(t, store, "a")
	b := addUser(t, store, "b")
	ch := privateWith(t, svc, a, b).Summary.ID

	require.NoError(t, svc.MarkChannelRead(ctx, b.ID, ch), "empty channel is a no-op")
	m, err := store.GetMembership(ctx, b.ID, ch)
	require.NoError(t, err)
	assert.Nil(t, m.ClientOffsetID)

	msg, err := svc.SendMessage(ctx, a.ID, ch, "one")
	require.NoError(t, err)
	require.NoError(t, svc.MarkChannelRead(ctx, b.ID, ch))
	require.NoError(t, svc.MarkChannelRead(ctx, b.ID, ch))

	m, err = store.GetMembership(ctx, b.ID, ch)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, *m.ClientOffsetID)

	c := addUser(t, store, "c")
	require.ErrorIs(t, svc.MarkChannelRead(ctx, c.ID, ch), ErrNotMember)
}

func TestPresenceReferenceCounting(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	u := addUser(t, store, "u")
	addUser(t, store, "v")

	user, roster, err := svc.Connect(ctx, u.ID, "conn-1", nil)
	require.NoError(t, err)
	assert.True(t, user.Online)
	require.Len(t, roster, 2)
	assert.Equal(t, "u", roster[0].UserName)

	_, _, err = svc.Connect(ctx, u.ID, "conn-2", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, svc.Presence().Connections(u.ID))

	_, offline, err := svc.Disconnect(ctx, u.ID, "conn-1", nil)
	require.NoError(t, err)
	assert.False(t, offline)
	stored, err := store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, stored.Online)

	user, offline, err = svc.Disconnect(ctx, u.ID, "conn-2", nil)
	require.NoError(t, err)
	assert.True(t, offline)
	assert.False(t, user.Online)

	_, offline, err = svc.Disconnect(ctx, u.ID, "conn-2", nil)
	require.NoError(t, err)
	assert.False(t, offline, "offline transition fires once")

	stored, err = store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, stored.Online)
}

func TestOfflineNotification(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	notifier := &mockNotifier{notified: make(chan string, 10)}
	svc := New(Config{Store: store, Notifier: notifier})

	a := addUser(t, store, "a")
	b := addUser(t, store, "b")
	c := addUser(t, store, "c")
	res, err := svc.CreateOrGetChannel(ctx, a.ID, CreateChannelRequest{
		Type:          models.ChannelTypePublic,
		Name:          "team",
		TargetUserIDs: []string{b.ID, c.ID},
	})
	require.NoError(t, err)

	_, _, err = svc.Connect(ctx, b.ID, "b-conn", nil)
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, a.ID, res.Summary.ID, "ping")
	require.NoError(t, err)

	select {
	case id := <-notifier.notified:
		assert.Equal(t, c.ID, id)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for notification")
	}

	select {
	case id := <-notifier.notified:
		t.Errorf("unexpected notification for %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPresenceAnnouncementsFollowStoredOrder(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	u := addUser(t, store, "u")

	var (
		mu        sync.Mutex
		announced []bool
	)
	announce := func(user models.User) {
		mu.Lock()
		defer mu.Unlock()
		announced = append(announced, user.Online)
	}

	_, _, err := svc.Connect(ctx, u.ID, "conn-0", announce)
	require.NoError(t, err)

	// Each round hands over from one connection to the next while the
	// previous one closes.
	for i := 1; i <= 50; i++ {
		var wg sync.WaitGroup
		wg.Go(func() {
			_, _, err := svc.Disconnect(ctx, u.ID, fmt.Sprintf("conn-%d", i-1), announce)
			assert.NoError(t, err)
		})
		wg.Go(func() {
			_, _, err := svc.Connect(ctx, u.ID, fmt.Sprintf("conn-%d", i), announce)
			assert.NoError(t, err)
		})
		wg.Wait()

		stored, err := store.GetUser(ctx, u.ID)
		require.NoError(t, err)
		mu.Lock()
		last := announced[len(announced)-1]
		mu.Unlock()
		assert.True(t, stored.Online)
		assert.Equal(t, stored.Online, last, "round %d: last announcement must match storage", i)
	}
}

type flakyPresenceStore struct {
	*storage.BboltStorage
	failures int
}

func (s *flakyPresenceStore) SetPresence(ctx context.Context, userID string, online bool, at time.Time) (models.User, error) {
	if !online && s.failures > 0 {
		s.failures--
		return models.User{}, fmt.Errorf("disk full")
	}
	return s.BboltStorage.SetPresence(ctx, userID, online, at)
}

func TestDisconnectRetriesOfflineWrite(t *testing.T) {
	ctx := context.Background()
	_, bolt := newTestService(t)
	u := addUser(t, bolt, "u")

	t.Run("Recovers", func(t *testing.T) {
		store := &flakyPresenceStore{BboltStorage: bolt, failures: presenceWriteAttempts - 1}
		svc := New(Config{Store: store})

		_, _, err := svc.Connect(ctx, u.ID, "conn", nil)
		require.NoError(t, err)
		user, offline, err := svc.Disconnect(ctx, u.ID, "conn", nil)
		require.NoError(t, err)
		assert.True(t, offline)
		assert.False(t, user.Online)
	})

	t.Run("GivesUp", func(t *testing.T) {
		store := &flakyPresenceStore{BboltStorage: bolt, failures: presenceWriteAttempts}
		svc := New(Config{Store: store})

		_, _, err := svc.Connect(ctx, u.ID, "conn", nil)
		require.NoError(t, err)
		_, offline, err := svc.Disconnect(ctx, u.ID, "conn", func(models.User) {
			t.Error("nothing must be announced when the write fails")
		})
		require.Error(t, err)
		assert.False(t, offline)
		assert.Zero(t, svc.Presence().Connections(u.ID))

		stored, err := bolt.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.True(t, stored.Online)

		// A restart clears the stale record.
		require.NoError(t, New(Config{Store: bolt}).ResetPresence(ctx))
		stored, err = bolt.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.False(t, stored.Online)
	})
}

func TestResetPresenceKeepsLiveUsers(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	live := addUser(t, store, "live")
	stale := addUser(t, store, "stale")

	_, err := store.SetPresence(ctx, stale.ID, true, time.Now())
	require.NoError(t, err)
	_, _, err = svc.Connect(ctx, live.ID, "conn", nil)
	require.NoError(t, err)

	require.NoError(t, svc.ResetPresence(ctx))

	u, err := store.GetUser(ctx, live.ID)
	require.NoError(t, err)
	assert.True(t, u.Online)
	u, err = store.GetUser(ctx, stale.ID)
	require.NoError(t, err)
	assert.False(t, u.Online)
}
