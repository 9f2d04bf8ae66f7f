package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"parley/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	outboundBuffer = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var (
	ErrSlowConsumer   = errors.New("client cannot keep up")
	ErrServerShutdown = errors.New("server shutting down")
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// sessionHandler drives one authenticated connection. Open runs before any
// request is read, Handle runs once per request in its own goroutine and
// Close runs after the last Handle returned.
type sessionHandler interface {
	Open(ctx context.Context, c *Connection) error
	Handle(ctx context.Context, c *Connection, env protocol.Envelope)
	Close(ctx context.Context, c *Connection)
}

type Connection struct {
	ID       string
	UserID   string
	UserName string

	ws       wsConnection
	handler  sessionHandler
	outbound chan protocol.Envelope
	errorCh  chan error

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

func NewConnection(
	handler sessionHandler,
	ws wsConnection,
	userID, userName string,
) *Connection {
	return &Connection{
		ID:       uuid.NewString(),
		UserID:   userID,
		UserName: userName,
		ws:       ws,
		handler:  handler,
		outbound: make(chan protocol.Envelope, outboundBuffer),
		errorCh:  make(chan error, 2),
		done:     make(chan struct{}),
	}
}

// Send queues a frame for the client without blocking. A client whose
// buffer is full is disconnected.
func (c *Connection) Send(env protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.outbound <- env:
		return true
	case <-c.done:
		return false
	default:
		slog.Warn("dropping slow websocket client", "conn_id", c.ID, "user_id", c.UserID)
		c.stop(ErrSlowConsumer)
		return false
	}
}

func (c *Connection) SendEvent(ev protocol.Event) bool {
	env, err := protocol.NewEvent(ev)
	if err != nil {
		slog.Error("failed to encode event", "type", ev.EventType(), "error", err)
		return false
	}
	return c.Send(env)
}

func (c *Connection) stop(err error) {
	c.stopOnce.Do(func() {
		c.stopErr = err
		close(c.done)
	})
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		requests sync.WaitGroup
	)
	wg.Go(func() {
		c.errorCh <- c.writeLoop(ctx)
		cancel()
	})

	err := c.handler.Open(ctx, c)
	if err == nil {
		wg.Go(func() {
			c.errorCh <- c.readLoop(ctx, &requests)
			cancel()
		})

		select {
		case err = <-c.errorCh:
		case <-ctx.Done():
		}
	}

	c.stop(context.Canceled)
	cancel()
	_ = c.ws.Close()
	wg.Wait()
	requests.Wait()

	c.handler.Close(context.WithoutCancel(ctx), c)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Connection) readLoop(ctx context.Context, requests *sync.WaitGroup) error {
	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				slog.Warn("dropping malformed frame", "conn_id", c.ID, "error", err)
				continue
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		requests.Go(func() {
			c.handler.Handle(ctx, c, env)
		})
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.outbound:
			if err := c.ws.WriteJSON(env); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-c.done:
			return c.stopErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
