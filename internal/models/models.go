package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// User represents a user in the system.
type User struct {
	ID       string    `json:"id"`
	UserName string    `json:"username"`
	Online   bool      `json:"isOnline"`
	LastPing time.Time `json:"lastPing"`
}

// UserRef is the sender reference attached to delivered messages.
type UserRef struct {
	ID       string `json:"id"`
	UserName string `json:"username"`
}

type ChannelType string

const (
	ChannelTypePublic  ChannelType = "public"
	ChannelTypePrivate ChannelType = "private"
)

func (t ChannelType) Valid() bool {
	return t == ChannelTypePublic || t == ChannelTypePrivate
}

// Channel represents a conversation scope. Private channels have no stored
// name, the display name is resolved per viewer.
type Channel struct {
	ID        string      `json:"id"`
	Type      ChannelType `json:"type"`
	Name      string      `json:"name,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Membership links a user to a channel and carries the user's read watermark.
type Membership struct {
	UserID         string    `json:"userId"`
	ChannelID      string    `json:"channelId"`
	ClientOffsetID *int64    `json:"clientOffsetId"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// Offset returns the read watermark, treating "never read" as 0.
func (m Membership) Offset() int64 {
	if m.ClientOffsetID == nil {
		return 0
	}
	return *m.ClientOffsetID
}

// Message represents a chat message.
type Message struct {
	ID         int64     `json:"id"`
	Content    string    `json:"content"`
	HTML       string    `json:"html,omitempty"`
	FromUserID string    `json:"fromUserId"`
	FromUser   *UserRef  `json:"fromUser,omitempty"`
	ChannelID  string    `json:"channelId"`
	CreatedAt  time.Time `json:"createdAt"`
}

type MessagePreview struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChannelSummary is a channel as seen by one member: display name resolved,
// unread count and latest message attached.
type ChannelSummary struct {
	ID             string          `json:"id"`
	Type           ChannelType     `json:"type"`
	Name           string          `json:"name"`
	CreatedAt      time.Time       `json:"createdAt"`
	ClientOffsetID *int64          `json:"clientOffsetId"`
	UnreadCount    int             `json:"unreadCount"`
	LatestMessage  *MessagePreview `json:"latestMessage"`
}

// Page is one slice of channel history in chronological order.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// PushSubscription is a Web Push endpoint registered by a browser.
type PushSubscription struct {
	UserID   string `json:"userId,omitempty"`
	Endpoint string `json:"endpoint"`
	Auth     string `json:"auth"`
	P256dh   string `json:"p256dh"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
