package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"parley/internal/content"
	"parley/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 24 * time.Hour
	TokenCookie        = "token"
	loginFailedMessage = "Login failed"
)

var (
	ErrUserExists   = fmt.Errorf("%w: username exists", models.ErrConflict)
	ErrInvalidToken = fmt.Errorf("%w: invalid token", models.ErrUnauthorized)
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
}

// Identity is what a session token resolves to.
type Identity struct {
	UserID   string
	UserName string
}

// Store is the credential storage used by the auth service.
type Store interface {
	CreateUser(ctx context.Context, user models.User, passwordHash string) (models.User, error)
	GetCredentials(ctx context.Context, username string) (models.User, string, error)
}

// loginState counts consecutive failed login attempts to throttle brute
// force attacks.
type loginState struct {
	FailedLoginAttempts int64
	LastAttemptTime     int64
}

func (s *loginState) reset(now time.Time) {
	s.FailedLoginAttempts = 0
	s.LastAttemptTime = now.Unix()
}

func (s *loginState) increment(now time.Time) {
	s.FailedLoginAttempts++
	s.LastAttemptTime = now.Unix()
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

type tokenClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type AuthService struct {
	Config
	store    Store
	attempts *geche.Locker[string, *loginState]
	// token id -> user id, only tokens in here are accepted
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store Store) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		store:      store,
		attempts:   geche.NewLocker[string, *loginState](geche.NewMapCache[string, *loginState]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// Register creates a user with a bcrypt hashed password.
func (as *AuthService) Register(ctx context.Context, username, password string) (models.User, error) {
	return CreateUser(ctx, as.store, username, password)
}

// CreateUser validates the credentials and stores a new user. It needs no
// token secret, so offline tools can use it.
func CreateUser(ctx context.Context, store Store, username, password string) (models.User, error) {
	if err := content.ValidateUsername(username); err != nil {
		return models.User{}, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if password == "" {
		return models.User{}, fmt.Errorf("%w: password cannot be empty", models.ErrInvalidInput)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := store.CreateUser(ctx, models.User{
		ID:       uuid.NewString(),
		UserName: username,
	}, string(hash))
	if errors.Is(err, models.ErrConflict) {
		return models.User{}, ErrUserExists
	}
	return user, err
}

func (as *AuthService) Login(ctx context.Context, req LoginRequest) (LoginResponse, models.User) {
	now := as.now()
	if wait := as.throttled(req.Username, now); wait > 0 {
		return LoginResponse{
			Success: false,
			Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", wait),
		}, models.User{}
	}

	// The attempts lock is shared by all usernames, so the slow part runs
	// outside of it.
	user, hash, err := as.store.GetCredentials(ctx, req.Username)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("login failed", "username", req.Username, "error", err)
		}
		return LoginResponse{Success: false, Message: loginFailedMessage}, models.User{}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
		as.recordAttempt(req.Username, now, false)
		return LoginResponse{Success: false, Message: loginFailedMessage}, models.User{}
	}

	token, expiresAt, err := as.issueToken(user, now)
	if err != nil {
		slog.Error("login failed", "user_id", user.ID, "error", err)
		return LoginResponse{Success: false, Message: "internal error"}, models.User{}
	}

	as.recordAttempt(req.Username, now, true)

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: expiresAt.Unix(),
	}, user
}

// throttled returns how many seconds username has to wait before the next
// attempt, or 0.
func (as *AuthService) throttled(username string, now time.Time) int64 {
	tx := as.attempts.Lock()
	defer tx.Unlock()

	state, err := tx.Get(username)
	if err != nil || state.FailedLoginAttempts <= 3 {
		return 0
	}
	nextAttempt := state.LastAttemptTime + 30*(state.FailedLoginAttempts*state.FailedLoginAttempts)
	return max(nextAttempt-now.Unix(), 0)
}

func (as *AuthService) recordAttempt(username string, now time.Time, success bool) {
	tx := as.attempts.Lock()
	defer tx.Unlock()

	state, err := tx.Get(username)
	if err != nil {
		state = &loginState{}
	}
	if success {
		state.reset(now)
	} else {
		state.increment(now)
	}
	tx.Set(username, state)
}

func (as *AuthService) issueToken(user models.User, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(as.TokenExpiry)
	jti := uuid.NewString()
	claims := tokenClaims{
		Username: user.UserName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(as.secretBytes)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	as.liveTokens.Set(jti, user.ID)
	return token, expiresAt, nil
}

func (as *AuthService) parse(token string, opts ...jwt.ParserOption) (*tokenClaims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(as.now))
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return as.secretBytes, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Authenticate resolves a session token to the identity it was issued for.
// Revoked and expired tokens are rejected.
func (as *AuthService) Authenticate(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	claims, err := as.parse(token)
	if err != nil {
		return Identity{}, err
	}
	userID, err := as.liveTokens.Get(claims.ID)
	if err != nil || userID != claims.Subject {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.Subject, UserName: claims.Username}, nil
}

// Logoff revokes the token.
func (as *AuthService) Logoff(token string) error {
	claims, err := as.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return err
	}
	return as.liveTokens.Del(claims.ID)
}

// TokenFromRequest extracts a session token from the token header, a
// bearer Authorization header, the token cookie or the token query
// parameter, in that order.
func TokenFromRequest(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && bearer != "" {
		return bearer
	}
	if cookie, err := r.Cookie(TokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}
