package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"parley/internal/chat"
	"parley/internal/models"
	"parley/internal/protocol"
)

const invalidRequestMessage = "invalid request"

// Session implements the chat protocol on top of the hub and the chat
// service.
type Session struct {
	chat *chat.Service
	hub  *Hub
}

func NewSession(chatService *chat.Service, hub *Hub) *Session {
	return &Session{chat: chatService, hub: hub}
}

// Open marks the user online, sends the initial state and subscribes the
// connection to every listed channel.
func (s *Session) Open(ctx context.Context, c *Connection) error {
	s.hub.Register(c)

	_, roster, err := s.chat.Connect(ctx, c.UserID, c.ID, s.announce(c))
	if err != nil {
		return err
	}

	c.SendEvent(protocol.Session{UserID: c.UserID, UserName: c.UserName})
	c.SendEvent(protocol.UserList{Users: roster})

	channels, err := s.chat.ListChannelsFor(ctx, c.UserID)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}
	for _, ch := range channels {
		s.hub.JoinRoom(ch.ID, c)
	}
	c.SendEvent(protocol.ChannelList{Channels: channels})

	slog.Info("websocket session opened", "user_id", c.UserID, "conn_id", c.ID)
	return nil
}

func (s *Session) Close(ctx context.Context, c *Connection) {
	s.hub.Unregister(c)

	_, offline, err := s.chat.Disconnect(ctx, c.UserID, c.ID, s.announce(c))
	if err != nil {
		slog.Error("failed to process disconnect", "user_id", c.UserID, "conn_id", c.ID, "error", err)
		return
	}
	slog.Info("websocket session closed", "user_id", c.UserID, "conn_id", c.ID, "offline", offline)
}

// announce broadcasts a presence change to every connection but c. The hub
// never blocks on a connection, so it is safe under the presence lock.
func (s *Session) announce(c *Connection) func(models.User) {
	return func(u models.User) {
		s.hub.BroadcastAll(protocol.UserUpdated{User: u}, c.ID)
	}
}

func (s *Session) Handle(ctx context.Context, c *Connection, env protocol.Envelope) {
	req, err := protocol.DecodeRequest(env)
	if err != nil {
		slog.Warn("bad request", "user_id", c.UserID, "conn_id", c.ID, "type", env.Type, "error", err)
		if env.ID != "" {
			c.Send(protocol.NewAckError(env.ID, invalidRequestMessage))
		}
		return
	}

	switch r := req.(type) {
	case protocol.SendMessage:
		s.sendMessage(ctx, c, env.ID, r)
	case protocol.JoinChannel:
		s.joinChannel(ctx, c, env.ID, r)
	case protocol.LoadMore:
		s.loadMore(ctx, c, env.ID, r)
	case protocol.MarkRead:
		s.markRead(ctx, c, r)
	case protocol.GetChannelUserIDs:
		s.channelUserIDs(ctx, c, env.ID, r)
	case protocol.CreateOrGetChannel:
		s.createOrGetChannel(ctx, c, env.ID, r)
	case protocol.JoinChannelRoom:
		s.joinChannelRoom(ctx, c, env.ID, r)
	default:
		slog.Error("unhandled request", "type", req.RequestType())
	}
}

func (s *Session) sendMessage(ctx context.Context, c *Connection, id string, r protocol.SendMessage) {
	msg, err := s.chat.SendMessage(ctx, c.UserID, r.ChannelID, r.Content)
	if err != nil {
		s.fail(c, id, err, "Failed to send message", "channel_id", r.ChannelID)
		return
	}
	s.hub.BroadcastRoom(r.ChannelID, protocol.MessageNew{Message: msg}, c.ID)
	s.ack(c, id, protocol.MessageReply{Message: msg})
}

func (s *Session) joinChannel(ctx context.Context, c *Connection, id string, r protocol.JoinChannel) {
	page, err := s.chat.InitialPage(ctx, c.UserID, r.ChannelID)
	if err != nil {
		s.fail(c, id, err, "Failed to load messages", "channel_id", r.ChannelID)
		return
	}
	s.hub.JoinRoom(r.ChannelID, c)
	s.ack(c, id, page)

	if err := s.chat.MarkChannelRead(ctx, c.UserID, r.ChannelID); err != nil {
		slog.Error("failed to mark channel read", "user_id", c.UserID, "channel_id", r.ChannelID, "error", err)
	}
}

func (s *Session) loadMore(ctx context.Context, c *Connection, id string, r protocol.LoadMore) {
	page, err := s.chat.OlderPage(ctx, c.UserID, r.ChannelID, r.BeforeID)
	if err != nil {
		s.fail(c, id, err, "Failed to load messages", "channel_id", r.ChannelID)
		return
	}
	s.ack(c, id, page)
}

func (s *Session) markRead(ctx context.Context, c *Connection, r protocol.MarkRead) {
	if err := s.chat.MarkChannelRead(ctx, c.UserID, r.ChannelID); err != nil {
		slog.Warn("failed to mark channel read", "user_id", c.UserID, "channel_id", r.ChannelID, "error", err)
	}
}

func (s *Session) channelUserIDs(ctx context.Context, c *Connection, id string, r protocol.GetChannelUserIDs) {
	ids, err := s.chat.ChannelMemberIDs(ctx, c.UserID, r.ChannelID)
	if err != nil {
		s.fail(c, id, err, "Failed to fetch channel user IDs", "channel_id", r.ChannelID)
		return
	}
	s.ack(c, id, protocol.UserIDsReply{UserIDs: ids})
}

func (s *Session) createOrGetChannel(ctx context.Context, c *Connection, id string, r protocol.CreateOrGetChannel) {
	res, err := s.chat.CreateOrGetChannel(ctx, c.UserID, chat.CreateChannelRequest{
		TargetUserIDs: r.TargetUserIDs,
		Type:          r.Type,
		Name:          r.Name,
	})
	if err != nil {
		s.fail(c, id, err, "Failed to create/get channel")
		return
	}

	s.hub.JoinRoom(res.Summary.ID, c)
	s.ack(c, id, protocol.ChannelReply{Channel: res.Summary})

	if !res.Created {
		return
	}
	for _, memberID := range res.MemberIDs {
		if !s.hub.UserConnected(memberID) {
			continue
		}
		summary := res.Summary
		if memberID != c.UserID {
			summary, err = s.chat.ChannelSummaryFor(ctx, memberID, res.Summary.ID)
			if err != nil {
				slog.Error("failed to build channel summary", "user_id", memberID, "channel_id", res.Summary.ID, "error", err)
				continue
			}
		}
		s.hub.SendToUser(memberID, protocol.ChannelAdded{Channel: summary}, c.ID)
	}
}

// joinChannelRoom never answers a non-member, so channel ids cannot be
// probed.
func (s *Session) joinChannelRoom(ctx context.Context, c *Connection, id string, r protocol.JoinChannelRoom) {
	ok, err := s.chat.CanJoinRoom(ctx, c.UserID, r.ChannelID)
	if err != nil {
		slog.Error("failed to check membership", "user_id", c.UserID, "channel_id", r.ChannelID, "error", err)
		return
	}
	if !ok {
		slog.Warn("refused room join", "user_id", c.UserID, "channel_id", r.ChannelID)
		return
	}
	s.hub.JoinRoom(r.ChannelID, c)

	if id == "" {
		return
	}
	summary, err := s.chat.ChannelSummaryFor(ctx, c.UserID, r.ChannelID)
	if err != nil {
		slog.Error("failed to build channel summary", "user_id", c.UserID, "channel_id", r.ChannelID, "error", err)
		return
	}
	s.ack(c, id, protocol.ChannelReply{Channel: summary})
}

func (s *Session) ack(c *Connection, id string, reply any) {
	if id == "" {
		return
	}
	env, err := protocol.NewAck(id, reply)
	if err != nil {
		slog.Error("failed to encode ack", "conn_id", c.ID, "error", err)
		env = protocol.NewAckError(id, "internal error")
	}
	c.Send(env)
}

// fail replies with the error text when it is meant for users and with
// generic otherwise. Storage failures are logged.
func (s *Session) fail(c *Connection, id string, err error, generic string, args ...any) {
	message := generic
	var chatErr *chat.Error
	switch {
	case errors.As(err, &chatErr) && !errors.Is(err, models.ErrForbidden):
		message = chatErr.Msg
	case errors.Is(err, models.ErrForbidden):
		slog.Warn(generic, append(args, "user_id", c.UserID, "error", err)...)
	default:
		slog.Error(generic, append(args, "user_id", c.UserID, "error", err)...)
	}
	if id != "" {
		c.Send(protocol.NewAckError(id, message))
	}
}
