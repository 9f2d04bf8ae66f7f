package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"parley/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers        = []byte("users")
	bucketUsernames    = []byte("usernames")
	bucketChannels     = []byte("channels")
	bucketPublicNames  = []byte("public_names")
	bucketPrivatePairs = []byte("private_pairs")
	bucketMemberships  = []byte("memberships")
	bucketMembers      = []byte("members")
	bucketMessages     = []byte("messages")
	bucketPush         = []byte("push_subscriptions")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketUsernames,
			bucketChannels,
			bucketPublicNames,
			bucketPrivatePairs,
			bucketMemberships,
			bucketMembers,
			bucketMessages,
			bucketPush,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// CreateUser stores a new user. Usernames are unique.
func (s *BboltStorage) CreateUser(ctx context.Context, user models.User, passwordHash string) (models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketUsernames)
		if names.Get([]byte(user.UserName)) != nil {
			return fmt.Errorf("%w: username %q exists", models.ErrConflict, user.UserName)
		}

		dbUser := &DBUser{
			ID:           user.ID,
			UserName:     user.UserName,
			PasswordHash: passwordHash,
			Online:       user.Online,
			LastPing:     user.LastPing,
		}
		if err := put(tx.Bucket(bucketUsers), dbUser); err != nil {
			return err
		}
		return names.Put([]byte(user.UserName), []byte(user.ID))
	})
	return user, err
}

func (s *BboltStorage) GetUser(ctx context.Context, id string) (models.User, error) {
	var dbUser DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketUsers), []byte(id), &dbUser)
	})
	if err != nil {
		return models.User{}, err
	}
	return dbUser.model(), nil
}

// GetCredentials returns the user and password hash stored for username.
func (s *BboltStorage) GetCredentials(ctx context.Context, username string) (models.User, string, error) {
	var dbUser DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsernames).Get([]byte(username))
		if id == nil {
			return models.ErrNotFound
		}
		return get(tx.Bucket(bucketUsers), id, &dbUser)
	})
	if err != nil {
		return models.User{}, "", err
	}
	return dbUser.model(), dbUser.PasswordHash, nil
}

// ListUsers returns all users ordered by username.
func (s *BboltStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return tx.Bucket(bucketUsernames).ForEach(func(_, id []byte) error {
			var dbUser DBUser
			if err := get(b, id, &dbUser); err != nil {
				return err
			}
			users = append(users, dbUser.model())
			return nil
		})
	})
	return users, err
}

// SetPresence updates the online flag. Going online also refreshes LastPing.
func (s *BboltStorage) SetPresence(ctx context.Context, userID string, online bool, at time.Time) (models.User, error) {
	var dbUser DBUser
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if err := get(b, []byte(userID), &dbUser); err != nil {
			return err
		}
		dbUser.Online = online
		if online {
			dbUser.LastPing = at
		}
		return put(b, &dbUser)
	})
	if err != nil {
		return models.User{}, err
	}
	return dbUser.model(), nil
}

// CreateChannel stores a channel with its memberships in one transaction.
// Public names and private member pairs are unique.
func (s *BboltStorage) CreateChannel(ctx context.Context, ch models.Channel, memberIDs []string) (models.Channel, error) {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = s.now()
	}

	dbChannel := &DBChannel{
		ID:        ch.ID,
		Type:      string(ch.Type),
		Name:      ch.Name,
		CreatedAt: ch.CreatedAt,
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		var index *bbolt.Bucket
		var indexKey []byte
		switch ch.Type {
		case models.ChannelTypePublic:
			index, indexKey = tx.Bucket(bucketPublicNames), []byte(ch.Name)
			if index.Get(indexKey) != nil {
				return fmt.Errorf("%w: group name already exists", models.ErrConflict)
			}
		case models.ChannelTypePrivate:
			if len(memberIDs) != 2 {
				return fmt.Errorf("%w: private channel needs two members", models.ErrInvalidInput)
			}
			dbChannel.PairKey = models.PairKey(memberIDs[0], memberIDs[1])
			index, indexKey = tx.Bucket(bucketPrivatePairs), []byte(dbChannel.PairKey)
			if index.Get(indexKey) != nil {
				return fmt.Errorf("%w: private channel exists", models.ErrConflict)
			}
		default:
			return fmt.Errorf("%w: unknown channel type %q", models.ErrInvalidInput, ch.Type)
		}

		users := tx.Bucket(bucketUsers)
		for _, id := range memberIDs {
			if users.Get([]byte(id)) == nil {
				return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
			}
		}

		if err := put(tx.Bucket(bucketChannels), dbChannel); err != nil {
			return err
		}
		if err := index.Put(indexKey, []byte(ch.ID)); err != nil {
			return err
		}

		members, err := tx.Bucket(bucketMembers).CreateBucketIfNotExists([]byte(ch.ID))
		if err != nil {
			return err
		}
		for _, id := range memberIDs {
			userMemberships, err := tx.Bucket(bucketMemberships).CreateBucketIfNotExists([]byte(id))
			if err != nil {
				return err
			}
			m := &DBMembership{UserID: id, ChannelID: ch.ID, JoinedAt: ch.CreatedAt}
			if err := put(userMemberships, m); err != nil {
				return err
			}
			if err := members.Put([]byte(id), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.Channel{}, err
	}
	return ch, nil
}

func (s *BboltStorage) FindPrivateChannel(ctx context.Context, a, b string) (models.Channel, error) {
	var dbChannel DBChannel
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketPrivatePairs).Get([]byte(models.PairKey(a, b)))
		if id == nil {
			return models.ErrNotFound
		}
		return get(tx.Bucket(bucketChannels), id, &dbChannel)
	})
	if err != nil {
		return models.Channel{}, err
	}
	return dbChannel.model(), nil
}

func (s *BboltStorage) FindPublicChannel(ctx context.Context, name string) (models.Channel, error) {
	var dbChannel DBChannel
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketPublicNames).Get([]byte(name))
		if id == nil {
			return models.ErrNotFound
		}
		return get(tx.Bucket(bucketChannels), id, &dbChannel)
	})
	if err != nil {
		return models.Channel{}, err
	}
	return dbChannel.model(), nil
}

func (s *BboltStorage) GetChannel(ctx context.Context, id string) (models.Channel, error) {
	var dbChannel DBChannel
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketChannels), []byte(id), &dbChannel)
	})
	if err != nil {
		return models.Channel{}, err
	}
	return dbChannel.model(), nil
}

// ListMemberships returns up to limit memberships of a user, most recently
// read first. Never-read memberships come first, newest joins before older.
func (s *BboltStorage) ListMemberships(ctx context.Context, userID string, limit int) ([]models.Membership, error) {
	var memberships []models.Membership
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMemberships).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var m DBMembership
			if err := m.UnmarshalBinary(v); err != nil {
				return err
			}
			memberships = append(memberships, m.model())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortMemberships(memberships)
	if limit > 0 && len(memberships) > limit {
		memberships = memberships[:limit]
	}
	return memberships, nil
}

func (s *BboltStorage) GetMembership(ctx context.Context, userID, channelID string) (models.Membership, error) {
	var m DBMembership
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMemberships).Bucket([]byte(userID))
		if b == nil {
			return models.ErrNotFound
		}
		return get(b, []byte(channelID), &m)
	})
	if err != nil {
		return models.Membership{}, err
	}
	return m.model(), nil
}

func (s *BboltStorage) ListMemberIDs(ctx context.Context, channelID string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMembers).Bucket([]byte(channelID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// AdvanceReadOffset moves the watermark forward. Lower offsets are ignored.
func (s *BboltStorage) AdvanceReadOffset(ctx context.Context, userID, channelID string, offset int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMemberships).Bucket([]byte(userID))
		if b == nil {
			return models.ErrNotFound
		}
		var m DBMembership
		if err := get(b, []byte(channelID), &m); err != nil {
			return err
		}
		if m.ClientOffsetID != nil && *m.ClientOffsetID >= offset {
			return nil
		}
		m.ClientOffsetID = &offset
		return put(b, &m)
	})
}

// CreateMessage assigns the next id from the global message sequence and
// stores the message.
func (s *BboltStorage) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketChannels).Get([]byte(msg.ChannelID)) == nil {
			return fmt.Errorf("channel %s: %w", msg.ChannelID, models.ErrNotFound)
		}

		root := tx.Bucket(bucketMessages)
		seq, err := root.NextSequence()
		if err != nil {
			return err
		}
		msg.ID = int64(seq)

		channelBucket, err := root.CreateBucketIfNotExists([]byte(msg.ChannelID))
		if err != nil {
			return fmt.Errorf("failed to create channel bucket: %w", err)
		}

		dbMessage := &DBMessage{
			ID:         msg.ID,
			ChannelID:  msg.ChannelID,
			FromUserID: msg.FromUserID,
			Content:    msg.Content,
			CreatedAt:  msg.CreatedAt,
		}
		if err := put(channelBucket, dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		msg.FromUser = lookupSender(tx, map[string]*models.UserRef{}, msg.FromUserID)
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ListMessages returns up to limit messages with id < beforeID, newest
// first. A beforeID <= 0 starts from the newest message.
func (s *BboltStorage) ListMessages(ctx context.Context, channelID string, beforeID int64, limit int) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages).Bucket([]byte(channelID))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		var k, v []byte
		if beforeID > 0 {
			k, v = c.Seek(idKey(beforeID))
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}

		senders := map[string]*models.UserRef{}
		for ; k != nil && len(messages) < limit; k, v = c.Prev() {
			if keyID(k) >= beforeID && beforeID > 0 {
				continue
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			msg := dbMsg.model()
			msg.FromUser = lookupSender(tx, senders, msg.FromUserID)
			messages = append(messages, msg)
		}
		return nil
	})
	return messages, err
}

func (s *BboltStorage) LatestMessage(ctx context.Context, channelID string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages).Bucket([]byte(channelID))
		if b == nil {
			return models.ErrNotFound
		}
		k, v := b.Cursor().Last()
		if k == nil {
			return models.ErrNotFound
		}
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(v); err != nil {
			return err
		}
		msg = dbMsg.model()
		msg.FromUser = lookupSender(tx, map[string]*models.UserRef{}, msg.FromUserID)
		return nil
	})
	return msg, err
}

// CountMessagesAfter counts messages in a channel with id > afterID.
func (s *BboltStorage) CountMessagesAfter(ctx context.Context, channelID string, afterID int64) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages).Bucket([]byte(channelID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(idKey(afterID + 1)); k != nil; k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *BboltStorage) SavePushSubscription(ctx context.Context, sub models.PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketPush).CreateBucketIfNotExists([]byte(sub.UserID))
		if err != nil {
			return err
		}
		return put(b, &DBPushSubscription{
			UserID:   sub.UserID,
			Endpoint: sub.Endpoint,
			Auth:     sub.Auth,
			P256dh:   sub.P256dh,
		})
	})
}

func (s *BboltStorage) ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPush).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription{
				UserID:   dbSub.UserID,
				Endpoint: dbSub.Endpoint,
				Auth:     dbSub.Auth,
				P256dh:   dbSub.P256dh,
			})
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPush).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(endpoint))
	})
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

func get(b *bbolt.Bucket, key []byte, v Storeable) error {
	data := b.Get(key)
	if data == nil {
		return models.ErrNotFound
	}
	if err := v.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", v, err)
	}
	return nil
}

func lookupSender(tx *bbolt.Tx, cache map[string]*models.UserRef, userID string) *models.UserRef {
	if ref, ok := cache[userID]; ok {
		return ref
	}
	var dbUser DBUser
	var ref *models.UserRef
	if err := get(tx.Bucket(bucketUsers), []byte(userID), &dbUser); err == nil {
		ref = &models.UserRef{ID: dbUser.ID, UserName: dbUser.UserName}
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil
	}
	cache[userID] = ref
	return ref
}

func sortMemberships(memberships []models.Membership) {
	sort.SliceStable(memberships, func(i, j int) bool {
		a, b := memberships[i].ClientOffsetID, memberships[j].ClientOffsetID
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && *a != *b:
			return *a > *b
		}
		return memberships[i].JoinedAt.After(memberships[j].JoinedAt)
	})
}
