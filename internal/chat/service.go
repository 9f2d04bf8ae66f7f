package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"parley/internal/content"
	"parley/internal/models"

	"golang.org/x/sync/singleflight"
)

const (
	MessagesPageSize = 5
	ChannelsPageSize = 10

	presenceWriteAttempts = 3

	unknownUser = "Unknown User"
)

// Error is a failure whose message can be shown to the user as is.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }
func (e *Error) Unwrap() error { return e.Kind }

var (
	ErrPrivateTargets = &Error{models.ErrInvalidInput, "private channels must have exactly one target user"}
	ErrSelfChannel    = &Error{models.ErrInvalidInput, "cannot open a private channel with yourself"}
	ErrUnknownTarget  = &Error{models.ErrInvalidInput, "target user not found"}
	ErrEmptyGroupName = &Error{models.ErrInvalidInput, "group name cannot be empty"}
	ErrGroupExists    = &Error{models.ErrConflict, "group name already exists"}
	ErrBadChannelType = &Error{models.ErrInvalidInput, "unknown channel type"}
	ErrEmptyMessage   = &Error{models.ErrInvalidInput, "message content cannot be empty"}
	ErrBadCursor      = &Error{models.ErrInvalidInput, "beforeId is required"}
	ErrNotMember      = &Error{models.ErrForbidden, "not a channel member"}
)

// Store is the persistence the chat service runs on.
type Store interface {
	GetUser(ctx context.Context, id string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) (models.User, error)

	CreateChannel(ctx context.Context, ch models.Channel, memberIDs []string) (models.Channel, error)
	FindPrivateChannel(ctx context.Context, a, b string) (models.Channel, error)
	FindPublicChannel(ctx context.Context, name string) (models.Channel, error)
	GetChannel(ctx context.Context, id string) (models.Channel, error)

	ListMemberships(ctx context.Context, userID string, limit int) ([]models.Membership, error)
	GetMembership(ctx context.Context, userID, channelID string) (models.Membership, error)
	ListMemberIDs(ctx context.Context, channelID string) ([]string, error)
	AdvanceReadOffset(ctx context.Context, userID, channelID string, offset int64) error

	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	ListMessages(ctx context.Context, channelID string, beforeID int64, limit int) ([]models.Message, error)
	LatestMessage(ctx context.Context, channelID string) (models.Message, error)
	CountMessagesAfter(ctx context.Context, channelID string, afterID int64) (int, error)
}

// Notifier delivers a message to a member that has no live connection.
type Notifier interface {
	Notify(ctx context.Context, userID string, msg models.Message) error
}

type Config struct {
	Store    Store
	Presence *Presence
	// Notifier is optional.
	Notifier Notifier
}

type Service struct {
	store    Store
	presence *Presence
	notifier Notifier
	pairs    singleflight.Group
	now      func() time.Time
}

func New(config Config) *Service {
	presence := config.Presence
	if presence == nil {
		presence = NewPresence()
	}
	return &Service{
		store:    config.Store,
		presence: presence,
		notifier: config.Notifier,
		now:      time.Now,
	}
}

func (s *Service) Presence() *Presence {
	return s.presence
}

// ListChannelsFor returns the user's channel directory: at most
// ChannelsPageSize channels, most recently read first.
func (s *Service) ListChannelsFor(ctx context.Context, userID string) ([]models.ChannelSummary, error) {
	memberships, err := s.store.ListMemberships(ctx, userID, ChannelsPageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}

	summaries := make([]models.ChannelSummary, 0, len(memberships))
	for _, m := range memberships {
		summary, err := s.summarize(ctx, userID, m)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// ChannelSummaryFor returns one channel as seen by userID.
func (s *Service) ChannelSummaryFor(ctx context.Context, userID, channelID string) (models.ChannelSummary, error) {
	m, err := s.membership(ctx, userID, channelID)
	if err != nil {
		return models.ChannelSummary{}, err
	}
	return s.summarize(ctx, userID, m)
}

func (s *Service) summarize(ctx context.Context, viewerID string, m models.Membership) (models.ChannelSummary, error) {
	ch, err := s.store.GetChannel(ctx, m.ChannelID)
	if err != nil {
		return models.ChannelSummary{}, fmt.Errorf("failed to get channel %s: %w", m.ChannelID, err)
	}

	name := ch.Name
	if ch.Type == models.ChannelTypePrivate {
		name, err = s.counterpartName(ctx, viewerID, ch.ID)
		if err != nil {
			return models.ChannelSummary{}, err
		}
	}

	unread, err := s.store.CountMessagesAfter(ctx, ch.ID, m.Offset())
	if err != nil {
		return models.ChannelSummary{}, fmt.Errorf("failed to count unread: %w", err)
	}

	var preview *models.MessagePreview
	latest, err := s.store.LatestMessage(ctx, ch.ID)
	switch {
	case err == nil:
		preview = &models.MessagePreview{Content: latest.Content, CreatedAt: latest.CreatedAt}
	case !errors.Is(err, models.ErrNotFound):
		return models.ChannelSummary{}, fmt.Errorf("failed to get latest message: %w", err)
	}

	return models.ChannelSummary{
		ID:             ch.ID,
		Type:           ch.Type,
		Name:           name,
		CreatedAt:      ch.CreatedAt,
		ClientOffsetID: m.ClientOffsetID,
		UnreadCount:    unread,
		LatestMessage:  preview,
	}, nil
}

func (s *Service) counterpartName(ctx context.Context, viewerID, channelID string) (string, error) {
	ids, err := s.store.ListMemberIDs(ctx, channelID)
	if err != nil {
		return "", fmt.Errorf("failed to list members: %w", err)
	}
	for _, id := range ids {
		if id == viewerID {
			continue
		}
		user, err := s.store.GetUser(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			return unknownUser, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to get user %s: %w", id, err)
		}
		return user.UserName, nil
	}
	return unknownUser, nil
}

type CreateChannelRequest struct {
	TargetUserIDs []string
	Type          models.ChannelType
	Name          string
}

type ChannelResult struct {
	// Summary is the channel as seen by the requester.
	Summary   models.ChannelSummary
	MemberIDs []string
	Created   bool
}

// CreateOrGetChannel returns the private channel between the requester and
// the single target, creating it on first use, or creates a new public
// channel.
func (s *Service) CreateOrGetChannel(ctx context.Context, userID string, req CreateChannelRequest) (ChannelResult, error) {
	var (
		ch      models.Channel
		created bool
		err     error
	)
	switch req.Type {
	case models.ChannelTypePrivate:
		ch, created, err = s.createOrGetPrivate(ctx, userID, req.TargetUserIDs)
	case models.ChannelTypePublic:
		ch, err = s.createPublic(ctx, userID, req.Name, req.TargetUserIDs)
		created = err == nil
	default:
		err = ErrBadChannelType
	}
	if err != nil {
		return ChannelResult{}, err
	}

	summary, err := s.ChannelSummaryFor(ctx, userID, ch.ID)
	if err != nil {
		return ChannelResult{}, err
	}
	memberIDs, err := s.store.ListMemberIDs(ctx, ch.ID)
	if err != nil {
		return ChannelResult{}, fmt.Errorf("failed to list members: %w", err)
	}

	return ChannelResult{Summary: summary, MemberIDs: memberIDs, Created: created}, nil
}

type privateResult struct {
	ch      models.Channel
	created bool
}

func (s *Service) createOrGetPrivate(ctx context.Context, userID string, targets []string) (models.Channel, bool, error) {
	if len(targets) != 1 {
		return models.Channel{}, false, ErrPrivateTargets
	}
	target := targets[0]
	if target == "" {
		return models.Channel{}, false, ErrUnknownTarget
	}
	if target == userID {
		return models.Channel{}, false, ErrSelfChannel
	}

	// Both directions of the same pair share one flight.
	v, err, _ := s.pairs.Do(models.PairKey(userID, target), func() (any, error) {
		ch, err := s.store.FindPrivateChannel(ctx, userID, target)
		if err == nil {
			return privateResult{ch: ch}, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("failed to find private channel: %w", err)
		}

		if _, err := s.store.GetUser(ctx, target); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, ErrUnknownTarget
			}
			return nil, err
		}

		ch, err = s.store.CreateChannel(ctx, models.Channel{
			Type:      models.ChannelTypePrivate,
			CreatedAt: s.now(),
		}, []string{userID, target})
		if errors.Is(err, models.ErrConflict) {
			ch, err = s.store.FindPrivateChannel(ctx, userID, target)
			return privateResult{ch: ch}, err
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create private channel: %w", err)
		}
		return privateResult{ch: ch, created: true}, nil
	})
	if err != nil {
		return models.Channel{}, false, err
	}
	res := v.(privateResult)
	return res.ch, res.created, nil
}

func (s *Service) createPublic(ctx context.Context, userID, name string, targets []string) (models.Channel, error) {
	name = content.Sanitize(name)
	if name == "" {
		return models.Channel{}, ErrEmptyGroupName
	}

	if _, err := s.store.FindPublicChannel(ctx, name); err == nil {
		return models.Channel{}, ErrGroupExists
	} else if !errors.Is(err, models.ErrNotFound) {
		return models.Channel{}, fmt.Errorf("failed to find group: %w", err)
	}

	members := []string{userID}
	for _, id := range targets {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(members, id) {
			members = append(members, id)
		}
	}

	ch, err := s.store.CreateChannel(ctx, models.Channel{
		Type:      models.ChannelTypePublic,
		Name:      name,
		CreatedAt: s.now(),
	}, members)
	switch {
	case errors.Is(err, models.ErrConflict):
		return models.Channel{}, ErrGroupExists
	case errors.Is(err, models.ErrNotFound):
		return models.Channel{}, ErrUnknownTarget
	case err != nil:
		return models.Channel{}, fmt.Errorf("failed to create group: %w", err)
	}
	return ch, nil
}

// CanJoinRoom reports whether userID may subscribe to channelID broadcasts.
func (s *Service) CanJoinRoom(ctx context.Context, userID, channelID string) (bool, error) {
	_, err := s.store.GetMembership(ctx, userID, channelID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) ChannelMemberIDs(ctx context.Context, userID, channelID string) ([]string, error) {
	if _, err := s.membership(ctx, userID, channelID); err != nil {
		return nil, err
	}
	ids, err := s.store.ListMemberIDs(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return ids, nil
}

// InitialPage returns the newest page of channel history in chronological
// order.
func (s *Service) InitialPage(ctx context.Context, userID, channelID string) (models.Page, error) {
	if _, err := s.membership(ctx, userID, channelID); err != nil {
		return models.Page{}, err
	}
	return s.page(ctx, channelID, 0)
}

// OlderPage returns the page of history strictly before beforeID.
func (s *Service) OlderPage(ctx context.Context, userID, channelID string, beforeID int64) (models.Page, error) {
	if beforeID <= 0 {
		return models.Page{}, ErrBadCursor
	}
	if _, err := s.membership(ctx, userID, channelID); err != nil {
		return models.Page{}, err
	}
	return s.page(ctx, channelID, beforeID)
}

// page reports HasMore whenever a full page came back, so a history that is
// an exact multiple of the page size ends with one empty page.
func (s *Service) page(ctx context.Context, channelID string, beforeID int64) (models.Page, error) {
	messages, err := s.store.ListMessages(ctx, channelID, beforeID, MessagesPageSize)
	if err != nil {
		return models.Page{}, fmt.Errorf("failed to list messages: %w", err)
	}
	slices.Reverse(messages)
	for i := range messages {
		messages[i].HTML = content.RenderMarkdown(messages[i].Content)
	}
	return models.Page{
		Messages: messages,
		HasMore:  len(messages) == MessagesPageSize,
	}, nil
}

// SendMessage stores a message from a channel member. Members without a
// live connection are notified in the background.
func (s *Service) SendMessage(ctx context.Context, userID, channelID, text string) (models.Message, error) {
	text = content.Sanitize(text)
	if text == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if _, err := s.membership(ctx, userID, channelID); err != nil {
		return models.Message{}, err
	}

	msg, err := s.store.CreateMessage(ctx, models.Message{
		ChannelID:  channelID,
		FromUserID: userID,
		Content:    text,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to create message: %w", err)
	}
	msg.HTML = content.RenderMarkdown(msg.Content)

	if s.notifier != nil {
		go s.notifyOffline(context.WithoutCancel(ctx), msg)
	}
	return msg, nil
}

func (s *Service) notifyOffline(ctx context.Context, msg models.Message) {
	ids, err := s.store.ListMemberIDs(ctx, msg.ChannelID)
	if err != nil {
		slog.Error("failed to list members for notification", "channel_id", msg.ChannelID, "error", err)
		return
	}
	for _, id := range ids {
		if id == msg.FromUserID || s.presence.Connected(id) {
			continue
		}
		if err := s.notifier.Notify(ctx, id, msg); err != nil {
			slog.Warn("failed to notify offline member", "user_id", id, "channel_id", msg.ChannelID, "error", err)
		}
	}
}

// MarkChannelRead moves the user's watermark to the newest message of the
// channel. A channel without messages is left untouched.
func (s *Service) MarkChannelRead(ctx context.Context, userID, channelID string) error {
	latest, err := s.store.LatestMessage(ctx, channelID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get latest message: %w", err)
	}
	if err := s.store.AdvanceReadOffset(ctx, userID, channelID, latest.ID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ErrNotMember
		}
		return fmt.Errorf("failed to advance read offset: %w", err)
	}
	return nil
}

// Connect registers a live connection, marks the user online and returns
// the updated user with the full roster. announce, when set, receives the
// updated user while the presence lock is held, so transitions of one user
// are announced in the order they were stored.
func (s *Service) Connect(ctx context.Context, userID, connID string, announce func(models.User)) (models.User, []models.User, error) {
	var user models.User
	err := s.presence.Track(userID, connID, func(bool) error {
		var err error
		user, err = s.store.SetPresence(ctx, userID, true, s.now())
		if err != nil {
			return err
		}
		if announce != nil {
			announce(user)
		}
		return nil
	})
	if err != nil {
		return models.User{}, nil, fmt.Errorf("failed to mark user online: %w", err)
	}

	roster, err := s.store.ListUsers(ctx)
	if err != nil {
		return user, nil, fmt.Errorf("failed to list users: %w", err)
	}
	return user, roster, nil
}

// Disconnect removes a live connection. The user goes offline only when
// its last connection is gone, in which case offline is true and announce
// is called under the presence lock.
func (s *Service) Disconnect(ctx context.Context, userID, connID string, announce func(models.User)) (user models.User, offline bool, err error) {
	err = s.presence.Untrack(userID, connID, func(last bool) error {
		if !last {
			return nil
		}
		var err error
		for attempt := range presenceWriteAttempts {
			user, err = s.store.SetPresence(ctx, userID, false, s.now())
			if err == nil {
				break
			}
			slog.Warn("failed to mark user offline", "user_id", userID, "attempt", attempt+1, "error", err)
		}
		if err != nil {
			return fmt.Errorf("failed to mark user %s offline: %w", userID, err)
		}
		offline = true
		if announce != nil {
			announce(user)
		}
		return nil
	})
	return user, offline, err
}

// ResetPresence marks users without a live connection offline. Run it
// before serving, since no connection survives a restart.
func (s *Service) ResetPresence(ctx context.Context) error {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	for _, u := range users {
		if !u.Online || s.presence.Connected(u.ID) {
			continue
		}
		if _, err := s.store.SetPresence(ctx, u.ID, false, s.now()); err != nil {
			return fmt.Errorf("failed to mark user %s offline: %w", u.ID, err)
		}
		slog.Info("reset stale presence", "user_id", u.ID)
	}
	return nil
}

func (s *Service) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.store.ListUsers(ctx)
}

func (s *Service) membership(ctx context.Context, userID, channelID string) (models.Membership, error) {
	m, err := s.store.GetMembership(ctx, userID, channelID)
	if errors.Is(err, models.ErrNotFound) {
		return models.Membership{}, ErrNotMember
	}
	if err != nil {
		return models.Membership{}, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}
