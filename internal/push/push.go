package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"parley/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/multierr"
)

const (
	previewLength = 100
	ttlSeconds    = 60 * 60 * 24
)

type Store interface {
	ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error
}

type Config struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Payload is what the service worker receives.
type Payload struct {
	ChannelID string `json:"channelId"`
	From      string `json:"from"`
	Preview   string `json:"preview"`
}

type sendFunc func(ctx context.Context, message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

// Notifier sends Web Push notifications to every subscription of a user.
type Notifier struct {
	config Config
	store  Store
	send   sendFunc
}

func NewNotifier(config Config, store Store) *Notifier {
	return &Notifier{
		config: config,
		store:  store,
		send:   webpush.SendNotificationWithContext,
	}
}

func (n *Notifier) PublicKey() string {
	return n.config.PublicKey
}

func (n *Notifier) Notify(ctx context.Context, userID string, msg models.Message) error {
	subs, err := n.store.ListPushSubscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload := Payload{
		ChannelID: msg.ChannelID,
		Preview:   preview(msg.Content),
	}
	if msg.FromUser != nil {
		payload.From = msg.FromUser.UserName
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		err = multierr.Append(err, n.deliver(ctx, userID, sub, data))
	}
	return err
}

func (n *Notifier) deliver(ctx context.Context, userID string, sub models.PushSubscription, data []byte) error {
	resp, err := n.send(ctx, data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		Subscriber:      n.config.Subject,
		VAPIDPublicKey:  n.config.PublicKey,
		VAPIDPrivateKey: n.config.PrivateKey,
		TTL:             ttlSeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to send push notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		slog.Info("removing expired push subscription", "user_id", userID)
		return n.store.DeletePushSubscription(ctx, userID, sub.Endpoint)
	case resp.StatusCode >= 400:
		return fmt.Errorf("push service responded with %d", resp.StatusCode)
	}
	return nil
}

// GenerateVAPIDKeys returns a fresh key pair for VAPID_PUBLIC_KEY and
// VAPID_PRIVATE_KEY.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLength {
		return text
	}
	return string(runes[:previewLength]) + "…"
}
