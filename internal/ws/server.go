package ws

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"parley/internal/auth"

	"github.com/gorilla/websocket"
)

type Authenticator interface {
	Authenticate(token string) (auth.Identity, error)
}

type Server struct {
	auth     Authenticator
	session  *Session
	upgrader *websocket.Upgrader
}

// NewServer creates the websocket endpoint. With no allowed origins only
// same-origin upgrades are accepted.
func NewServer(authenticator Authenticator, session *Session, allowedOrigins []string) *Server {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(allowedOrigins) > 0 {
		upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, r.Host) || slices.Contains(allowedOrigins, origin)
		}
	}
	return &Server{
		auth:     authenticator,
		session:  session,
		upgrader: upgrader,
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("error upgrading to websocket", "user_id", identity.UserID, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := NewConnection(s.session, conn, identity.UserID, identity.UserName)
	if err := c.Handle(r.Context()); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Warn("websocket connection closed with error", "user_id", identity.UserID, "conn_id", c.ID, "error", err)
	}
}
