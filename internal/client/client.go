package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"parley/internal/models"
	"parley/internal/protocol"

	"github.com/gorilla/websocket"
)

const DefaultRequestTimeout = 10 * time.Second

var (
	ErrTimeout   = errors.New("request timed out")
	ErrClosed    = errors.New("client closed")
	ErrNoChannel = errors.New("no channel open")
)

// RequestError is an error reply from the server.
type RequestError struct {
	Type    protocol.EventType
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Client is a websocket session bound to a Store.
type Client struct {
	conn    *websocket.Conn
	store   *Store
	timeout time.Duration

	writeMu sync.Mutex
	nextID  atomic.Uint64

	waitersMu sync.Mutex
	waiters   map[string]chan protocol.Envelope

	done    chan struct{}
	readErr error
}

type Options struct {
	Token string
	// Timeout bounds every acked request. Defaults to DefaultRequestTimeout.
	Timeout time.Duration
	Dialer  *websocket.Dialer
}

// Dial connects to the websocket endpoint and starts applying server
// events to store.
func Dial(ctx context.Context, url string, store *Store, opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (Status: %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	c := &Client{
		conn:    conn,
		store:   store,
		timeout: timeout,
		waiters: make(map[string]chan protocol.Envelope),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Store() *Store {
	return c.store
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the read loop.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.readErr = err
			return
		}

		if env.Type == protocol.EventAck {
			c.deliver(env)
			continue
		}

		ev, err := protocol.DecodeEvent(env)
		if err != nil {
			slog.Warn("dropping server frame", "type", env.Type, "error", err)
			continue
		}
		for _, req := range c.store.ApplyEvent(ev) {
			if err := c.notify(req); err != nil {
				slog.Warn("failed to send follow-up request", "type", req.RequestType(), "error", err)
			}
		}
	}
}

func (c *Client) deliver(env protocol.Envelope) {
	c.waitersMu.Lock()
	ch, ok := c.waiters[env.ID]
	delete(c.waiters, env.ID)
	c.waitersMu.Unlock()
	if ok {
		ch <- env
	}
}

func (c *Client) write(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteJSON(env)
}

// notify sends a request that expects no reply.
func (c *Client) notify(req protocol.Request) error {
	env, err := protocol.NewRequest("", req)
	if err != nil {
		return err
	}
	return c.write(env)
}

// request sends req and decodes the ack payload into reply.
func (c *Client) request(ctx context.Context, req protocol.Request, reply any) error {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	env, err := protocol.NewRequest(id, req)
	if err != nil {
		return err
	}

	ch := make(chan protocol.Envelope, 1)
	c.waitersMu.Lock()
	c.waiters[id] = ch
	c.waitersMu.Unlock()
	defer func() {
		c.waitersMu.Lock()
		delete(c.waiters, id)
		c.waitersMu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		if ack.Error != "" {
			return &RequestError{Type: req.RequestType(), Message: ack.Error}
		}
		if reply == nil {
			return nil
		}
		return json.Unmarshal(ack.Data, reply)
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrTimeout, req.RequestType())
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenChannel selects a channel, loads its newest page and refreshes the
// online count of its members.
func (c *Client) OpenChannel(ctx context.Context, channelID string) error {
	c.store.SelectChannel(channelID)

	var page models.Page
	if err := c.request(ctx, protocol.JoinChannel{ChannelID: channelID}, &page); err != nil {
		return err
	}
	c.store.SetInitialPage(channelID, page)

	return c.RefreshOnlineCount(ctx)
}

// LoadMore prepends the next older page of the open channel. It does
// nothing once the history is exhausted.
func (c *Client) LoadMore(ctx context.Context) error {
	channelID := c.store.OpenChannelID()
	if channelID == "" {
		return ErrNoChannel
	}
	if !c.store.HasMore() {
		return nil
	}

	var page models.Page
	if err := c.request(ctx, protocol.LoadMore{ChannelID: channelID, BeforeID: c.store.OldestID()}, &page); err != nil {
		return err
	}
	c.store.PrependPage(channelID, page)
	return nil
}

// Send posts text to the open channel. The message shows up immediately as
// pending and is replaced by the stored message once acknowledged, or
// marked failed.
func (c *Client) Send(ctx context.Context, text string) (models.Message, error) {
	channelID := c.store.OpenChannelID()
	if channelID == "" {
		return models.Message{}, ErrNoChannel
	}

	correlationID := c.store.AddPending(channelID, text)

	var reply protocol.MessageReply
	if err := c.request(ctx, protocol.SendMessage{ChannelID: channelID, Content: text}, &reply); err != nil {
		c.store.FailPending(correlationID)
		return models.Message{}, err
	}
	c.store.ConfirmPending(correlationID, reply.Message)
	return reply.Message, nil
}

func (c *Client) MarkRead() error {
	channelID := c.store.OpenChannelID()
	if channelID == "" {
		return ErrNoChannel
	}
	return c.notify(protocol.MarkRead{ChannelID: channelID})
}

func (c *Client) CreateOrGetChannel(ctx context.Context, channelType models.ChannelType, name string, targetUserIDs ...string) (models.ChannelSummary, error) {
	var reply protocol.ChannelReply
	err := c.request(ctx, protocol.CreateOrGetChannel{
		TargetUserIDs: targetUserIDs,
		Type:          channelType,
		Name:          name,
	}, &reply)
	if err != nil {
		return models.ChannelSummary{}, err
	}
	c.store.UpsertChannel(reply.Channel)
	return reply.Channel, nil
}

func (c *Client) RefreshOnlineCount(ctx context.Context) error {
	channelID := c.store.OpenChannelID()
	if channelID == "" {
		return ErrNoChannel
	}
	var reply protocol.UserIDsReply
	if err := c.request(ctx, protocol.GetChannelUserIDs{ChannelID: channelID}, &reply); err != nil {
		return err
	}
	c.store.SetMembers(channelID, reply.UserIDs)
	return nil
}
