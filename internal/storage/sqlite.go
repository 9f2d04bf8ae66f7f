package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"parley/internal/models"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func NewSQLiteStorage(ctx context.Context, path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// One writer at a time, transactions never wait on each other.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStorage{db: db, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrations, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) CreateUser(ctx context.Context, user models.User, passwordHash string) (models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	query, args, err := sq.Insert("users").
		Columns("id", "username", "password_hash", "is_online", "last_ping").
		Values(user.ID, user.UserName, passwordHash, user.Online, toMillis(user.LastPing)).
		ToSql()
	if err != nil {
		return models.User{}, err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return models.User{}, fmt.Errorf("%w: username %q exists", models.ErrConflict, user.UserName)
		}
		return models.User{}, fmt.Errorf("failed to insert user: %w", err)
	}
	return user, nil
}

var userColumns = []string{"id", "username", "password_hash", "is_online", "last_ping"}

func scanUser(row interface{ Scan(...any) error }) (models.User, string, error) {
	var (
		user     models.User
		hash     string
		lastPing int64
	)
	if err := row.Scan(&user.ID, &user.UserName, &hash, &user.Online, &lastPing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, "", models.ErrNotFound
		}
		return models.User{}, "", err
	}
	user.LastPing = fromMillis(lastPing)
	return user, hash, nil
}

func (s *SQLiteStorage) GetUser(ctx context.Context, id string) (models.User, error) {
	return getUser(ctx, s.db, id)
}

func getUser(ctx context.Context, q querier, id string) (models.User, error) {
	query, args, err := sq.Select(userColumns...).From("users").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return models.User{}, err
	}
	user, _, err := scanUser(q.QueryRowContext(ctx, query, args...))
	return user, err
}

func (s *SQLiteStorage) GetCredentials(ctx context.Context, username string) (models.User, string, error) {
	query, args, err := sq.Select(userColumns...).From("users").Where(sq.Eq{"username": username}).ToSql()
	if err != nil {
		return models.User{}, "", err
	}
	return scanUser(s.db.QueryRowContext(ctx, query, args...))
}

func (s *SQLiteStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	query, args, err := sq.Select(userColumns...).From("users").OrderBy("username").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []models.User
	for rows.Next() {
		user, _, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *SQLiteStorage) SetPresence(ctx context.Context, userID string, online bool, at time.Time) (models.User, error) {
	update := sq.Update("users").Set("is_online", online).Where(sq.Eq{"id": userID})
	if online {
		update = update.Set("last_ping", toMillis(at))
	}
	query, args, err := update.ToSql()
	if err != nil {
		return models.User{}, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to update presence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.User{}, models.ErrNotFound
	}
	return s.GetUser(ctx, userID)
}

func (s *SQLiteStorage) CreateChannel(ctx context.Context, ch models.Channel, memberIDs []string) (models.Channel, error) {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = s.now()
	}

	var name, pairKey sql.NullString
	switch ch.Type {
	case models.ChannelTypePublic:
		name = sql.NullString{String: ch.Name, Valid: true}
	case models.ChannelTypePrivate:
		if len(memberIDs) != 2 {
			return models.Channel{}, fmt.Errorf("%w: private channel needs two members", models.ErrInvalidInput)
		}
		pairKey = sql.NullString{String: models.PairKey(memberIDs[0], memberIDs[1]), Valid: true}
	default:
		return models.Channel{}, fmt.Errorf("%w: unknown channel type %q", models.ErrInvalidInput, ch.Type)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		exists := sq.Select("1").From("channels").Limit(1)
		if name.Valid {
			exists = exists.Where(sq.Eq{"type": string(models.ChannelTypePublic), "name": name.String})
		} else {
			exists = exists.Where(sq.Eq{"pair_key": pairKey.String})
		}
		found, err := rowExists(ctx, tx, exists)
		if err != nil {
			return err
		}
		if found {
			if name.Valid {
				return fmt.Errorf("%w: group name already exists", models.ErrConflict)
			}
			return fmt.Errorf("%w: private channel exists", models.ErrConflict)
		}

		for _, id := range memberIDs {
			found, err := rowExists(ctx, tx, sq.Select("1").From("users").Where(sq.Eq{"id": id}))
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
			}
		}

		query, args, err := sq.Insert("channels").
			Columns("id", "type", "name", "pair_key", "created_at").
			Values(ch.ID, string(ch.Type), name, pairKey, toMillis(ch.CreatedAt)).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: channel exists", models.ErrConflict)
			}
			return fmt.Errorf("failed to insert channel: %w", err)
		}

		insert := sq.Insert("memberships").Columns("user_id", "channel_id", "joined_at")
		for _, id := range memberIDs {
			insert = insert.Values(id, ch.ID, toMillis(ch.CreatedAt))
		}
		query, args, err = insert.ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert memberships: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Channel{}, err
	}
	return ch, nil
}

var channelColumns = []string{"id", "type", "name", "created_at"}

func (s *SQLiteStorage) getChannelWhere(ctx context.Context, pred sq.Eq) (models.Channel, error) {
	query, args, err := sq.Select(channelColumns...).From("channels").Where(pred).ToSql()
	if err != nil {
		return models.Channel{}, err
	}
	var (
		ch        models.Channel
		chType    string
		name      sql.NullString
		createdAt int64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&ch.ID, &chType, &name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Channel{}, models.ErrNotFound
	}
	if err != nil {
		return models.Channel{}, err
	}
	ch.Type = models.ChannelType(chType)
	ch.Name = name.String
	ch.CreatedAt = fromMillis(createdAt)
	return ch, nil
}

func (s *SQLiteStorage) FindPrivateChannel(ctx context.Context, a, b string) (models.Channel, error) {
	return s.getChannelWhere(ctx, sq.Eq{"pair_key": models.PairKey(a, b)})
}

func (s *SQLiteStorage) FindPublicChannel(ctx context.Context, name string) (models.Channel, error) {
	return s.getChannelWhere(ctx, sq.Eq{"type": string(models.ChannelTypePublic), "name": name})
}

func (s *SQLiteStorage) GetChannel(ctx context.Context, id string) (models.Channel, error) {
	return s.getChannelWhere(ctx, sq.Eq{"id": id})
}

func scanMembership(row interface{ Scan(...any) error }) (models.Membership, error) {
	var (
		m        models.Membership
		offset   sql.NullInt64
		joinedAt int64
	)
	if err := row.Scan(&m.UserID, &m.ChannelID, &offset, &joinedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Membership{}, models.ErrNotFound
		}
		return models.Membership{}, err
	}
	if offset.Valid {
		m.ClientOffsetID = &offset.Int64
	}
	m.JoinedAt = fromMillis(joinedAt)
	return m, nil
}

var membershipColumns = []string{"user_id", "channel_id", "client_offset_id", "joined_at"}

func (s *SQLiteStorage) ListMemberships(ctx context.Context, userID string, limit int) ([]models.Membership, error) {
	sel := sq.Select(membershipColumns...).
		From("memberships").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("client_offset_id DESC NULLS FIRST", "joined_at DESC", "channel_id")
	if limit > 0 {
		sel = sel.Limit(uint64(limit))
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var memberships []models.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

func (s *SQLiteStorage) GetMembership(ctx context.Context, userID, channelID string) (models.Membership, error) {
	query, args, err := sq.Select(membershipColumns...).
		From("memberships").
		Where(sq.Eq{"user_id": userID, "channel_id": channelID}).
		ToSql()
	if err != nil {
		return models.Membership{}, err
	}
	return scanMembership(s.db.QueryRowContext(ctx, query, args...))
}

func (s *SQLiteStorage) ListMemberIDs(ctx context.Context, channelID string) ([]string, error) {
	query, args, err := sq.Select("user_id").
		From("memberships").
		Where(sq.Eq{"channel_id": channelID}).
		OrderBy("user_id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStorage) AdvanceReadOffset(ctx context.Context, userID, channelID string, offset int64) error {
	query, args, err := sq.Update("memberships").
		Set("client_offset_id", offset).
		Where(sq.Eq{"user_id": userID, "channel_id": channelID}).
		Where(sq.Or{sq.Eq{"client_offset_id": nil}, sq.Lt{"client_offset_id": offset}}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update read offset: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.GetMembership(ctx, userID, channelID)
	return err
}

func (s *SQLiteStorage) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		found, err := rowExists(ctx, tx, sq.Select("1").From("channels").Where(sq.Eq{"id": msg.ChannelID}))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("channel %s: %w", msg.ChannelID, models.ErrNotFound)
		}

		query, args, err := sq.Insert("messages").
			Columns("channel_id", "from_user_id", "content", "created_at").
			Values(msg.ChannelID, msg.FromUserID, msg.Content, toMillis(msg.CreatedAt)).
			ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		if msg.ID, err = res.LastInsertId(); err != nil {
			return err
		}

		if user, err := getUser(ctx, tx, msg.FromUserID); err == nil {
			msg.FromUser = &models.UserRef{ID: user.ID, UserName: user.UserName}
		}
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	// Stored precision is milliseconds.
	msg.CreatedAt = fromMillis(toMillis(msg.CreatedAt))
	return msg, nil
}

func messageSelect() sq.SelectBuilder {
	return sq.Select("m.id", "m.channel_id", "m.from_user_id", "m.content", "m.created_at", "u.username").
		From("messages m").
		LeftJoin("users u ON u.id = m.from_user_id")
}

func scanMessage(row interface{ Scan(...any) error }) (models.Message, error) {
	var (
		msg       models.Message
		createdAt int64
		username  sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.ChannelID, &msg.FromUserID, &msg.Content, &createdAt, &username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, models.ErrNotFound
		}
		return models.Message{}, err
	}
	msg.CreatedAt = fromMillis(createdAt)
	if username.Valid {
		msg.FromUser = &models.UserRef{ID: msg.FromUserID, UserName: username.String}
	}
	return msg, nil
}

func (s *SQLiteStorage) ListMessages(ctx context.Context, channelID string, beforeID int64, limit int) ([]models.Message, error) {
	sel := messageSelect().Where(sq.Eq{"m.channel_id": channelID})
	if beforeID > 0 {
		sel = sel.Where(sq.Lt{"m.id": beforeID})
	}
	query, args, err := sel.OrderBy("m.id DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStorage) LatestMessage(ctx context.Context, channelID string) (models.Message, error) {
	query, args, err := messageSelect().
		Where(sq.Eq{"m.channel_id": channelID}).
		OrderBy("m.id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return models.Message{}, err
	}
	return scanMessage(s.db.QueryRowContext(ctx, query, args...))
}

func (s *SQLiteStorage) CountMessagesAfter(ctx context.Context, channelID string, afterID int64) (int, error) {
	query, args, err := sq.Select("COUNT(*)").
		From("messages").
		Where(sq.Eq{"channel_id": channelID}).
		Where(sq.Gt{"id": afterID}).
		ToSql()
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SQLiteStorage) SavePushSubscription(ctx context.Context, sub models.PushSubscription) error {
	query, args, err := sq.Insert("push_subscriptions").
		Columns("endpoint", "user_id", "auth", "p256dh").
		Values(sub.Endpoint, sub.UserID, sub.Auth, sub.P256dh).
		Suffix("ON CONFLICT (endpoint) DO UPDATE SET user_id = excluded.user_id, auth = excluded.auth, p256dh = excluded.p256dh").
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStorage) ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	query, args, err := sq.Select("endpoint", "user_id", "auth", "p256dh").
		From("push_subscriptions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("endpoint").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []models.PushSubscription
	for rows.Next() {
		var sub models.PushSubscription
		if err := rows.Scan(&sub.Endpoint, &sub.UserID, &sub.Auth, &sub.P256dh); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStorage) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	query, args, err := sq.Delete("push_subscriptions").
		Where(sq.Eq{"user_id": userID, "endpoint": endpoint}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func rowExists(ctx context.Context, q querier, sel sq.SelectBuilder) (bool, error) {
	query, args, err := sel.ToSql()
	if err != nil {
		return false, err
	}
	var one int
	err = q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
