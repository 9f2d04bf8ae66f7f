// Package client keeps a local mirror of the chat state for one session
// and reconciles it with server events and optimistic local intents.
package client

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"parley/internal/models"
	"parley/internal/protocol"

	"github.com/google/uuid"
)

type SendState int

const (
	Sent SendState = iota
	Pending
	Failed
)

func (s SendState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	default:
		return "sent"
	}
}

// FeedMessage is a message of the open channel. Optimistic messages carry a
// negative id and the correlation id of their send request until acked.
type FeedMessage struct {
	models.Message
	State         SendState
	CorrelationID string
}

type ChangeKind int

const (
	ChangeSession ChangeKind = iota
	ChangeChannels
	ChangeUsers
	ChangeOnlineCount
	// ChangeFeedReset replaces the whole feed.
	ChangeFeedReset
	ChangeFeedAppended
	// ChangeFeedPrepended carries Prepended and AnchorID so a view can keep
	// its scroll position.
	ChangeFeedPrepended
	ChangeFeedUpdated
)

type Change struct {
	Kind      ChangeKind
	ChannelID string
	Prepended int
	// AnchorID is the id of the message that was first before prepending.
	AnchorID int64
}

type Store struct {
	mu sync.Mutex

	self        models.UserRef
	synced      bool
	channels    []models.ChannelSummary
	users       map[string]models.User
	openID      string
	feed        []FeedMessage
	hasMore     bool
	memberIDs   []string
	onlineCount int
	nextTempID  int64

	// unread holds, per channel not open, the ids already counted as unread
	// since the channel was last read. latest is the highest id previewed.
	unread map[string]map[int64]struct{}
	latest map[string]int64

	subs    map[int]func(Change)
	nextSub int
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		users:  make(map[string]models.User),
		subs:   make(map[int]func(Change)),
		unread: make(map[string]map[int64]struct{}),
		latest: make(map[string]int64),
		now:    time.Now,
	}
}

// Subscribe registers fn for every change. Callbacks run outside the store
// lock, so they may read the store.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// update runs fn under the lock and notifies subscribers about the changes
// it returned.
func (s *Store) update(fn func() []Change) {
	s.mu.Lock()
	changes := fn()
	subs := make([]func(Change), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, ch := range changes {
		for _, sub := range subs {
			sub(ch)
		}
	}
}

func (s *Store) Self() models.UserRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Synced reports whether the channel directory has been received. It is the
// last frame of the initial sync.
func (s *Store) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

func (s *Store) Channels() []models.ChannelSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.channels)
}

func (s *Store) Channel(id string) (models.ChannelSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.channelIndex(id)
	if i < 0 {
		return models.ChannelSummary{}, false
	}
	return s.channels[i], true
}

func (s *Store) User(id string) (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *Store) OpenChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openID
}

func (s *Store) Feed() []FeedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.feed)
}

func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *Store) OnlineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineCount
}

// OldestID is the cursor for the next backfill: the first acknowledged
// message of the feed, or 0 when there is none.
func (s *Store) OldestID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.feed {
		if m.ID > 0 {
			return m.ID
		}
	}
	return 0
}

// ApplyEvent folds a server event into the store and returns the requests
// the client should send in response.
func (s *Store) ApplyEvent(ev protocol.Event) []protocol.Request {
	var followups []protocol.Request
	s.update(func() []Change {
		switch e := ev.(type) {
		case protocol.Session:
			s.self = models.UserRef{ID: e.UserID, UserName: e.UserName}
			return []Change{{Kind: ChangeSession}}
		case protocol.ChannelList:
			s.channels = slices.Clone(e.Channels)
			s.synced = true
			// The directory carries authoritative unread counts.
			clear(s.unread)
			clear(s.latest)
			return []Change{{Kind: ChangeChannels}}
		case protocol.ChannelAdded:
			if s.channelIndex(e.Channel.ID) >= 0 {
				return nil
			}
			s.channels = slices.Insert(s.channels, 0, e.Channel)
			followups = append(followups, protocol.JoinChannelRoom{ChannelID: e.Channel.ID})
			return []Change{{Kind: ChangeChannels, ChannelID: e.Channel.ID}}
		case protocol.UserList:
			s.users = make(map[string]models.User, len(e.Users))
			for _, u := range e.Users {
				s.users[u.ID] = u
			}
			return append([]Change{{Kind: ChangeUsers}}, s.recountOnline()...)
		case protocol.UserUpdated:
			s.users[e.User.ID] = e.User
			return append([]Change{{Kind: ChangeUsers}}, s.recountOnline()...)
		case protocol.MessageNew:
			changes, markRead := s.receive(e.Message)
			if markRead {
				followups = append(followups, protocol.MarkRead{ChannelID: e.Message.ChannelID})
			}
			return changes
		default:
			slog.Warn("unhandled event", "type", ev.EventType())
			return nil
		}
	})
	return followups
}

// receive handles a message pushed by the server. Deliveries may repeat or
// arrive out of id order.
func (s *Store) receive(msg models.Message) (changes []Change, markRead bool) {
	i := s.channelIndex(msg.ChannelID)
	if i < 0 {
		slog.Warn("message for unknown channel", "channel_id", msg.ChannelID)
		return nil, false
	}
	ch := s.channels[i]

	if msg.ChannelID == s.openID {
		if s.feedContains(msg.ID) {
			return nil, false
		}
		s.insertSorted(FeedMessage{Message: msg})
		changes = append(changes, Change{Kind: ChangeFeedAppended, ChannelID: msg.ChannelID})
		ch.UnreadCount = 0
		delete(s.unread, ch.ID)
		raiseOffset(&ch, msg.ID)
		markRead = true
	} else {
		if ch.ClientOffsetID != nil && msg.ID <= *ch.ClientOffsetID {
			return nil, false
		}
		counted := s.unread[ch.ID]
		if _, ok := counted[msg.ID]; ok {
			return nil, false
		}
		if counted == nil {
			counted = make(map[int64]struct{})
			s.unread[ch.ID] = counted
		}
		counted[msg.ID] = struct{}{}
		ch.UnreadCount++
	}

	if msg.ID >= s.latest[ch.ID] {
		s.latest[ch.ID] = msg.ID
		ch.LatestMessage = &models.MessagePreview{Content: msg.Content, CreatedAt: msg.CreatedAt}
	}

	s.moveToFront(i, ch)
	return append(changes, Change{Kind: ChangeChannels, ChannelID: msg.ChannelID}), markRead
}

// UpsertChannel adds a channel returned by create-or-get at the front
// unless it is already listed.
func (s *Store) UpsertChannel(ch models.ChannelSummary) {
	s.update(func() []Change {
		if s.channelIndex(ch.ID) >= 0 {
			return nil
		}
		s.channels = slices.Insert(s.channels, 0, ch)
		return []Change{{Kind: ChangeChannels, ChannelID: ch.ID}}
	})
}

// SelectChannel makes channelID the open channel with an empty feed.
// Selecting resets hasMore.
func (s *Store) SelectChannel(channelID string) {
	s.update(func() []Change {
		s.openID = channelID
		s.feed = nil
		s.hasMore = true
		s.memberIDs = nil
		s.onlineCount = 0
		return []Change{{Kind: ChangeFeedReset, ChannelID: channelID}}
	})
}

// SetInitialPage installs the first page of the open channel. Messages
// delivered live while the page was in flight, and pending sends, stay
// after it. The server marks the channel read when it is joined.
func (s *Store) SetInitialPage(channelID string, page models.Page) {
	s.update(func() []Change {
		if channelID != s.openID {
			return nil
		}
		var last int64
		if n := len(page.Messages); n > 0 {
			last = page.Messages[n-1].ID
		}

		feed := make([]FeedMessage, 0, len(page.Messages)+len(s.feed))
		for _, m := range page.Messages {
			feed = append(feed, FeedMessage{Message: m})
		}
		for _, m := range s.feed {
			if m.ID < 0 || m.ID > last {
				feed = append(feed, m)
			}
		}
		s.feed = feed
		s.hasMore = page.HasMore
		delete(s.unread, channelID)

		changes := []Change{{Kind: ChangeFeedReset, ChannelID: channelID}}
		if i := s.channelIndex(channelID); i >= 0 {
			ch := s.channels[i]
			ch.UnreadCount = 0
			raiseOffset(&ch, last)
			s.channels[i] = ch
			changes = append(changes, Change{Kind: ChangeChannels, ChannelID: channelID})
		}
		return changes
	})
}

// PrependPage adds an older page in front of the feed.
func (s *Store) PrependPage(channelID string, page models.Page) {
	s.update(func() []Change {
		if channelID != s.openID {
			return nil
		}
		var anchor int64
		if len(s.feed) > 0 {
			anchor = s.feed[0].ID
		}

		older := make([]FeedMessage, 0, len(page.Messages))
		for _, m := range page.Messages {
			if !s.feedContains(m.ID) {
				older = append(older, FeedMessage{Message: m})
			}
		}
		s.feed = append(older, s.feed...)
		// Once exhausted the history stays exhausted until reselected.
		s.hasMore = s.hasMore && page.HasMore

		return []Change{{
			Kind:      ChangeFeedPrepended,
			ChannelID: channelID,
			Prepended: len(older),
			AnchorID:  anchor,
		}}
	})
}

// AddPending appends an optimistic message to the open channel and returns
// the correlation id to reconcile it with.
func (s *Store) AddPending(channelID, text string) string {
	correlationID := uuid.NewString()
	s.update(func() []Change {
		s.nextTempID--
		msg := models.Message{
			ID:         s.nextTempID,
			ChannelID:  channelID,
			Content:    text,
			FromUserID: s.self.ID,
			FromUser:   &models.UserRef{ID: s.self.ID, UserName: s.self.UserName},
			CreatedAt:  s.now(),
		}
		if u, ok := s.users[s.self.ID]; ok {
			msg.FromUser.UserName = u.UserName
		}

		var changes []Change
		if channelID == s.openID {
			s.feed = append(s.feed, FeedMessage{Message: msg, State: Pending, CorrelationID: correlationID})
			changes = append(changes, Change{Kind: ChangeFeedAppended, ChannelID: channelID})
		}
		if i := s.channelIndex(channelID); i >= 0 {
			ch := s.channels[i]
			ch.LatestMessage = &models.MessagePreview{Content: text, CreatedAt: msg.CreatedAt}
			s.moveToFront(i, ch)
			changes = append(changes, Change{Kind: ChangeChannels, ChannelID: channelID})
		}
		return changes
	})
	return correlationID
}

// ConfirmPending replaces the optimistic message with the stored one.
func (s *Store) ConfirmPending(correlationID string, msg models.Message) {
	s.update(func() []Change {
		i := s.pendingIndex(correlationID)
		if i < 0 {
			return nil
		}
		if s.feedContains(msg.ID) {
			s.feed = slices.Delete(s.feed, i, i+1)
		} else {
			s.feed[i] = FeedMessage{Message: msg}
		}
		if j := s.channelIndex(msg.ChannelID); j >= 0 && msg.ChannelID == s.openID {
			raiseOffset(&s.channels[j], msg.ID)
		}
		return []Change{{Kind: ChangeFeedUpdated, ChannelID: msg.ChannelID}}
	})
}

// FailPending keeps the optimistic message visible in the failed state.
func (s *Store) FailPending(correlationID string) {
	s.update(func() []Change {
		i := s.pendingIndex(correlationID)
		if i < 0 {
			return nil
		}
		s.feed[i].State = Failed
		return []Change{{Kind: ChangeFeedUpdated, ChannelID: s.feed[i].ChannelID}}
	})
}

// SetMembers records the member ids of the open channel and recomputes
// the online count from the cached presence.
func (s *Store) SetMembers(channelID string, memberIDs []string) {
	s.update(func() []Change {
		if channelID != s.openID {
			return nil
		}
		s.memberIDs = slices.Clone(memberIDs)
		changes := s.recountOnline()
		if len(changes) == 0 {
			changes = []Change{{Kind: ChangeOnlineCount, ChannelID: channelID}}
		}
		return changes
	})
}

func (s *Store) recountOnline() []Change {
	count := 0
	for _, id := range s.memberIDs {
		if s.users[id].Online {
			count++
		}
	}
	if count == s.onlineCount {
		return nil
	}
	s.onlineCount = count
	return []Change{{Kind: ChangeOnlineCount, ChannelID: s.openID}}
}

// insertSorted places an acknowledged message before the first newer
// acknowledged one, or at the end.
func (s *Store) insertSorted(m FeedMessage) {
	i := slices.IndexFunc(s.feed, func(f FeedMessage) bool { return f.ID > m.ID })
	if i < 0 {
		s.feed = append(s.feed, m)
		return
	}
	s.feed = slices.Insert(s.feed, i, m)
}

// raiseOffset moves the local read watermark forward only.
func raiseOffset(ch *models.ChannelSummary, id int64) {
	if id <= 0 || (ch.ClientOffsetID != nil && *ch.ClientOffsetID >= id) {
		return
	}
	ch.ClientOffsetID = &id
}

func (s *Store) moveToFront(i int, ch models.ChannelSummary) {
	s.channels = slices.Delete(s.channels, i, i+1)
	s.channels = slices.Insert(s.channels, 0, ch)
}

func (s *Store) channelIndex(id string) int {
	return slices.IndexFunc(s.channels, func(ch models.ChannelSummary) bool { return ch.ID == id })
}

func (s *Store) pendingIndex(correlationID string) int {
	return slices.IndexFunc(s.feed, func(m FeedMessage) bool { return m.CorrelationID == correlationID })
}

func (s *Store) feedContains(id int64) bool {
	return slices.ContainsFunc(s.feed, func(m FeedMessage) bool { return m.ID == id })
}
