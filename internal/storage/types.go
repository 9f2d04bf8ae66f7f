package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"parley/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID           string    `msgpack:"id"`
	UserName     string    `msgpack:"userName"`
	PasswordHash string    `msgpack:"passwordHash"`
	Online       bool      `msgpack:"online"`
	LastPing     time.Time `msgpack:"lastPing"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func (u *DBUser) model() models.User {
	return models.User{
		ID:       u.ID,
		UserName: u.UserName,
		Online:   u.Online,
		LastPing: u.LastPing,
	}
}

type DBChannel struct {
	ID        string    `msgpack:"id"`
	Type      string    `msgpack:"type"`
	Name      string    `msgpack:"name"`
	PairKey   string    `msgpack:"pairKey"`
	CreatedAt time.Time `msgpack:"createdAt"`
}

func (c *DBChannel) Key() []byte {
	return []byte(c.ID)
}

func (c *DBChannel) MarshalBinary() (data []byte, err error) {
	type alias DBChannel
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChannel) UnmarshalBinary(data []byte) error {
	type alias DBChannel
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBChannel) model() models.Channel {
	return models.Channel{
		ID:        c.ID,
		Type:      models.ChannelType(c.Type),
		Name:      c.Name,
		CreatedAt: c.CreatedAt,
	}
}

// DBMembership is stored under memberships/<userID>/<channelID>.
type DBMembership struct {
	UserID         string    `msgpack:"userId"`
	ChannelID      string    `msgpack:"channelId"`
	ClientOffsetID *int64    `msgpack:"clientOffsetId"`
	JoinedAt       time.Time `msgpack:"joinedAt"`
}

func (m *DBMembership) Key() []byte {
	return []byte(m.ChannelID)
}

func (m *DBMembership) MarshalBinary() (data []byte, err error) {
	type alias DBMembership
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMembership) UnmarshalBinary(data []byte) error {
	type alias DBMembership
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMembership) model() models.Membership {
	return models.Membership{
		UserID:         m.UserID,
		ChannelID:      m.ChannelID,
		ClientOffsetID: m.ClientOffsetID,
		JoinedAt:       m.JoinedAt,
	}
}

// DBMessage is stored under messages/<channelID>/<big-endian id>, so a
// cursor walks a channel in id order.
type DBMessage struct {
	ID         int64     `msgpack:"id"`
	ChannelID  string    `msgpack:"channelId"`
	FromUserID string    `msgpack:"fromUserId"`
	Content    string    `msgpack:"content"`
	CreatedAt  time.Time `msgpack:"createdAt"`
}

func (m *DBMessage) Key() []byte {
	return idKey(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) model() models.Message {
	return models.Message{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		FromUserID: m.FromUserID,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}

// DBPushSubscription is stored under push_subscriptions/<userID>/<endpoint>.
type DBPushSubscription struct {
	UserID   string `msgpack:"userId"`
	Endpoint string `msgpack:"endpoint"`
	Auth     string `msgpack:"auth"`
	P256dh   string `msgpack:"p256dh"`
}

func (s *DBPushSubscription) Key() []byte {
	return []byte(s.Endpoint)
}

func (s *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func keyID(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}
