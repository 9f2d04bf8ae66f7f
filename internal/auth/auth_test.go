package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"parley/internal/models"
	"parley/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService(t *testing.T) {
	const t0Unix = 1700000000

	createService := func(t *testing.T) (*AuthService, *time.Time) {
		store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "auth.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		cfg := Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte("server-secret")),
			TokenExpiry: time.Hour,
		}
		svc, err := NewAuthService(context.Background(), cfg, store)
		require.NoError(t, err)

		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}
		return svc, &currentTime
	}

	ctx := context.Background()

	t.Run("Register", func(t *testing.T) {
		svc, _ := createService(t)

		u1, err := svc.Register(ctx, "user1", "pass1")
		require.NoError(t, err)
		assert.Equal(t, "user1", u1.UserName)
		assert.NotEmpty(t, u1.ID)

		_, err = svc.Register(ctx, "user1", "pass2")
		require.ErrorIs(t, err, ErrUserExists)

		_, err = svc.Register(ctx, "bad name", "pass")
		require.ErrorIs(t, err, models.ErrInvalidInput)

		_, err = svc.Register(ctx, "user2", "")
		require.ErrorIs(t, err, models.ErrInvalidInput)
	})

	t.Run("Login_Success", func(t *testing.T) {
		svc, now := createService(t)
		registered, err := svc.Register(ctx, "user1", "pass1")
		require.NoError(t, err)

		resp, user := svc.Login(ctx, LoginRequest{Username: "user1", Password: "pass1"})
		require.True(t, resp.Success, resp.Message)
		assert.Equal(t, registered.ID, user.ID)
		assert.Equal(t, now.Add(time.Hour).Unix(), resp.TokenExpiry)

		id, err := svc.Authenticate(resp.Token)
		require.NoError(t, err)
		assert.Equal(t, Identity{UserID: registered.ID, UserName: "user1"}, id)
	})

	t.Run("Login_Failed", func(t *testing.T) {
		svc, _ := createService(t)
		_, err := svc.Register(ctx, "user1", "pass1")
		require.NoError(t, err)

		resp, _ := svc.Login(ctx, LoginRequest{Username: "user1", Password: "wrong"})
		assert.False(t, resp.Success)
		assert.Equal(t, loginFailedMessage, resp.Message)
		assert.Empty(t, resp.Token)

		resp, _ = svc.Login(ctx, LoginRequest{Username: "nobody", Password: "pass1"})
		assert.False(t, resp.Success)
		assert.Equal(t, loginFailedMessage, resp.Message)
	})

	t.Run("Login_Throttle", func(t *testing.T) {
		svc, now := createService(t)
		_, err := svc.Register(ctx, "user1", "pass1")
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			resp, _ := svc.Login(ctx, LoginRequest{Username: "user1", Password: "wrong"})
			require.False(t, resp.Success)
		}

		// 4 failures: locked out for 30*4*4 seconds, even with the right password.
		resp, _ := svc.Login(ctx, LoginRequest{Username: "user1", Password: "pass1"})
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Message, "Too many failed login attempts")

		*now = now.Add(481 * time.Second)
		resp, _ = svc.Login(ctx, LoginRequest{Username: "user1", Password: "pass1"})
		assert.True(t, resp.Success, resp.Message)
	})

	t.Run("Logoff", func(t *testing.T) {
		svc, _ := createService(t)
		_, err := svc.Register(ctx, "user1", "pass1")
		require.NoError(t, err)

		resp, _ := svc.Login(ctx, LoginRequest{Username: "user1", Password: "pass1"})
		require.True(t, resp.Success)

		require.NoError(t, svc.Logoff(resp.Token))
		_, err = svc.Authenticate(resp.Token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Authenticate_Rejects", func(t *testing.T) {
		svc, now := createService(t)
		_, err := svc.Register(ctx, "user1", "pass1")
		require.NoError(t, err)
		resp, _ := svc.Login(ctx, LoginRequest{Username: "user1", Password: "pass1"})
		require.True(t, resp.Success)

		_, err = svc.Authenticate("")
		require.ErrorIs(t, err, ErrInvalidToken)

		_, err = svc.Authenticate("not-a-jwt")
		require.ErrorIs(t, err, ErrInvalidToken)

		other, _ := createService(t)
		other.Secret = base64.StdEncoding.EncodeToString([]byte("other-secret"))
		require.NoError(t, other.Validate())
		_, err = other.Authenticate(resp.Token)
		require.ErrorIs(t, err, ErrInvalidToken, "token signed with another secret")

		*now = now.Add(2 * time.Hour)
		_, err = svc.Authenticate(resp.Token)
		require.ErrorIs(t, err, ErrInvalidToken, "expired token")
	})
}

// gatedStore blocks credential lookups for one username until released.
type gatedStore struct {
	Store
	username string
	entered  chan struct{}
	release  chan struct{}
}

func (s *gatedStore) GetCredentials(ctx context.Context, username string) (models.User, string, error) {
	if username == s.username {
		close(s.entered)
		<-s.release
	}
	return s.Store.GetCredentials(ctx, username)
}

func TestLoginDoesNotSerializeUsers(t *testing.T) {
	ctx := context.Background()
	bolt, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	store := &gatedStore{Store: bolt, username: "slow", entered: make(chan struct{}), release: make(chan struct{})}
	svc, err := NewAuthService(ctx, Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte("server-secret")),
		TokenExpiry: time.Hour,
	}, store)
	require.NoError(t, err)

	_, err = svc.Register(ctx, "slow", "pass1")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "fast", "pass2")
	require.NoError(t, err)

	slowDone := make(chan LoginResponse, 1)
	go func() {
		resp, _ := svc.Login(ctx, LoginRequest{Username: "slow", Password: "pass1"})
		slowDone <- resp
	}()
	<-store.entered

	fastDone := make(chan LoginResponse, 1)
	go func() {
		resp, _ := svc.Login(ctx, LoginRequest{Username: "fast", Password: "pass2"})
		fastDone <- resp
	}()

	select {
	case resp := <-fastDone:
		assert.True(t, resp.Success, resp.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("login of one user waited for another user's credential check")
	}

	close(store.release)
	resp := <-slowDone
	assert.True(t, resp.Success, resp.Message)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.Validate())

	cfg = Config{Secret: "%%%"}
	require.Error(t, cfg.Validate())

	cfg = Config{Secret: base64.StdEncoding.EncodeToString([]byte("s"))}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultTokenExpiry, cfg.TokenExpiry)
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{"Header", func(r *http.Request) { r.Header.Set("token", "h") }, "h"},
		{"Bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer b") }, "b"},
		{"Cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: TokenCookie, Value: "c"}) }, "c"},
		{"Query", func(r *http.Request) { r.URL.RawQuery = "token=q" }, "q"},
		{"Header wins", func(r *http.Request) {
			r.Header.Set("token", "h")
			r.AddCookie(&http.Cookie{Name: TokenCookie, Value: "c"})
		}, "h"},
		{"None", func(r *http.Request) {}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
			tt.setup(r)
			assert.Equal(t, tt.want, TokenFromRequest(r))
		})
	}
}
