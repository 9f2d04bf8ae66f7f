// Package protocol defines the frames exchanged over the chat websocket.
//
// Every frame is an Envelope. Requests sent by clients and events pushed by
// the server are closed sets of variants: a Request or Event value is always
// one of the types declared in this package, so a type switch over them can
// be exhaustive.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"parley/internal/models"
)

type EventType string

// Server to client.
const (
	EventSession      EventType = "session"
	EventChannelList  EventType = "channel:list"
	EventChannelAdded EventType = "channel:added"
	EventUserList     EventType = "user:list"
	EventUserUpdate   EventType = "user:update"
	EventMessageNew   EventType = "message:new"
	EventAck          EventType = "ack"
)

// Client to server.
const (
	RequestSendMessage        EventType = "message:send"
	RequestJoinChannel        EventType = "channel:join"
	RequestLoadMore           EventType = "message:load_more"
	RequestMarkRead           EventType = "channel:mark_read"
	RequestGetChannelUserIDs  EventType = "channel:get_user_ids"
	RequestCreateOrGetChannel EventType = "channel:create_or_get"
	RequestJoinChannelRoom    EventType = "channel:join_room"
)

var (
	ErrUnknownType = errors.New("unknown frame type")
	ErrMalformed   = errors.New("malformed frame")
)

// Envelope is a single websocket frame. ID correlates a request with its
// ack and is empty for fire-and-forget frames and server events.
type Envelope struct {
	Type  EventType       `json:"type"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type Request interface {
	RequestType() EventType
	isRequest()
}

type SendMessage struct {
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
}

type JoinChannel struct {
	ChannelID string `json:"channelId"`
}

type LoadMore struct {
	ChannelID string `json:"channelId"`
	BeforeID  int64  `json:"beforeId"`
}

type MarkRead struct {
	ChannelID string `json:"channelId"`
}

type GetChannelUserIDs struct {
	ChannelID string `json:"channelId"`
}

type CreateOrGetChannel struct {
	TargetUserIDs []string           `json:"targetUserIds"`
	Type          models.ChannelType `json:"type"`
	Name          string             `json:"name,omitempty"`
}

type JoinChannelRoom struct {
	ChannelID string `json:"channelId"`
}

func (SendMessage) RequestType() EventType        { return RequestSendMessage }
func (JoinChannel) RequestType() EventType        { return RequestJoinChannel }
func (LoadMore) RequestType() EventType           { return RequestLoadMore }
func (MarkRead) RequestType() EventType           { return RequestMarkRead }
func (GetChannelUserIDs) RequestType() EventType  { return RequestGetChannelUserIDs }
func (CreateOrGetChannel) RequestType() EventType { return RequestCreateOrGetChannel }
func (JoinChannelRoom) RequestType() EventType    { return RequestJoinChannelRoom }

func (SendMessage) isRequest()        {}
func (JoinChannel) isRequest()        {}
func (LoadMore) isRequest()           {}
func (MarkRead) isRequest()           {}
func (GetChannelUserIDs) isRequest()  {}
func (CreateOrGetChannel) isRequest() {}
func (JoinChannelRoom) isRequest()    {}

type Event interface {
	EventType() EventType
	isEvent()
}

type Session struct {
	UserID   string `json:"userId"`
	UserName string `json:"username"`
}

type ChannelList struct {
	Channels []models.ChannelSummary `json:"channels"`
}

type ChannelAdded struct {
	Channel models.ChannelSummary `json:"channel"`
}

type UserList struct {
	Users []models.User `json:"users"`
}

type UserUpdated struct {
	User models.User `json:"user"`
}

type MessageNew struct {
	Message models.Message `json:"message"`
}

func (Session) EventType() EventType      { return EventSession }
func (ChannelList) EventType() EventType  { return EventChannelList }
func (ChannelAdded) EventType() EventType { return EventChannelAdded }
func (UserList) EventType() EventType     { return EventUserList }
func (UserUpdated) EventType() EventType  { return EventUserUpdate }
func (MessageNew) EventType() EventType   { return EventMessageNew }

func (Session) isEvent()      {}
func (ChannelList) isEvent()  {}
func (ChannelAdded) isEvent() {}
func (UserList) isEvent()     {}
func (UserUpdated) isEvent()  {}
func (MessageNew) isEvent()   {}

// Ack payloads.

type MessageReply struct {
	Message models.Message `json:"message"`
}

type UserIDsReply struct {
	UserIDs []string `json:"userIds"`
}

type ChannelReply struct {
	Channel models.ChannelSummary `json:"channel"`
}

func DecodeRequest(env Envelope) (Request, error) {
	var (
		req Request
		err error
	)
	switch env.Type {
	case RequestSendMessage:
		req, err = decode[SendMessage](env.Data)
	case RequestJoinChannel:
		req, err = decode[JoinChannel](env.Data)
	case RequestLoadMore:
		req, err = decode[LoadMore](env.Data)
	case RequestMarkRead:
		req, err = decode[MarkRead](env.Data)
	case RequestGetChannelUserIDs:
		req, err = decode[GetChannelUserIDs](env.Data)
	case RequestCreateOrGetChannel:
		req, err = decode[CreateOrGetChannel](env.Data)
	case RequestJoinChannelRoom:
		req, err = decode[JoinChannelRoom](env.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return req, nil
}

func DecodeEvent(env Envelope) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case EventSession:
		ev, err = decode[Session](env.Data)
	case EventChannelList:
		ev, err = decode[ChannelList](env.Data)
	case EventChannelAdded:
		ev, err = decode[ChannelAdded](env.Data)
	case EventUserList:
		ev, err = decode[UserList](env.Data)
	case EventUserUpdate:
		ev, err = decode[UserUpdated](env.Data)
	case EventMessageNew:
		ev, err = decode[MessageNew](env.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return ev, nil
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, errors.New("missing data")
	}
	err := json.Unmarshal(data, &v)
	return v, err
}

func NewRequest(id string, req Request) (Envelope, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: req.RequestType(), ID: id, Data: data}, nil
}

func NewEvent(ev Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: ev.EventType(), Data: data}, nil
}

func NewAck(id string, reply any) (Envelope, error) {
	data, err := json.Marshal(reply)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: EventAck, ID: id, Data: data}, nil
}

func NewAckError(id string, message string) Envelope {
	return Envelope{Type: EventAck, ID: id, Error: message}
}
