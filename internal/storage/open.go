package storage

import (
	"context"
	"fmt"
	"time"

	"parley/internal/models"
)

// Storage is the method set shared by both backends.
type Storage interface {
	CreateUser(ctx context.Context, user models.User, passwordHash string) (models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	GetCredentials(ctx context.Context, username string) (models.User, string, error)
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

	SavePushSubscription(ctx context.Context, sub models.PushSubscription) error
	ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error

	Close() error
}

var (
	_ Storage = (*BboltStorage)(nil)
	_ Storage = (*SQLiteStorage)(nil)
)

const (
	BackendBbolt  = "bbolt"
	BackendSQLite = "sqlite"
)

// Open opens the named backend. path is the bbolt file or the SQLite
// database depending on backend.
func Open(ctx context.Context, backend, path string) (Storage, error) {
	switch backend {
	case BackendBbolt:
		return NewBboltStorage(path)
	case BackendSQLite:
		return NewSQLiteStorage(ctx, path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
