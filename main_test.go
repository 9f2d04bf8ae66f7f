package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/client"
	"parley/internal/config"
	"parley/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	api   *httptest.Server
	admin *httptest.Server
}

func startServer(t *testing.T, backend string) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dir := t.TempDir()
	cfg := &config.Config{
		Storage:     backend,
		DBFile:      filepath.Join(dir, "parley.db"),
		SQLiteFile:  filepath.Join(dir, "parley.sqlite"),
		AuthSecret:  "very-secure-test-secret",
		TokenExpiry: time.Hour,
		LogFormat:   "text",
	}
	require.NoError(t, cfg.Validate(false))

	a, err := newApp(ctx, cfg)
	require.NoError(t, err)

	ts := &testServer{
		api:   httptest.NewServer(a.api.Handler()),
		admin: httptest.NewServer(a.admin.Handler()),
	}
	t.Cleanup(func() {
		a.hub.Close()
		ts.api.Close()
		ts.admin.Close()
		_ = a.store.Close()
	})
	return ts
}

func (ts *testServer) register(t *testing.T, username, password string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(ts.api.URL+"/api/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func (ts *testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(ts.api.URL+"/api/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loginResp auth.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginResp))
	require.True(t, loginResp.Success)
	return loginResp.Token
}

func (ts *testServer) connect(t *testing.T, token string) *client.Client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.api.URL, "http") + "/api/ws"
	c, err := client.Dial(context.Background(), url, client.NewStore(), client.Options{Token: token, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	waitFor(t, "initial sync", c.Store().Synced)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("Timeout waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestIntegration(t *testing.T) {
	for _, backend := range []string{config.StorageBbolt, config.StorageSQLite} {
		t.Run(backend, func(t *testing.T) {
			testIntegration(t, backend)
		})
	}
}

func testIntegration(t *testing.T, backend string) {
	ctx := context.Background()
	ts := startServer(t, backend)

	ts.register(t, "admin", "admin")
	ts.register(t, "root", "root")

	adminClient := ts.connect(t, ts.login(t, "admin", "admin"))
	rootClient := ts.connect(t, ts.login(t, "root", "root"))
	adminStore, rootStore := adminClient.Store(), rootClient.Store()

	rootID := rootStore.Self().ID
	adminID := adminStore.Self().ID
	require.NotEmpty(t, rootID)
	require.NotEmpty(t, adminID)

	waitFor(t, "root online for admin", func() bool {
		u, ok := adminStore.User(rootID)
		return ok && u.Online
	})

	// Step 1: admin opens a private channel with root, root is told about it.
	ch, err := adminClient.CreateOrGetChannel(ctx, models.ChannelTypePrivate, "", rootID)
	require.NoError(t, err)
	assert.Equal(t, "root", ch.Name)

	again, err := adminClient.CreateOrGetChannel(ctx, models.ChannelTypePrivate, "", rootID)
	require.NoError(t, err)
	assert.Equal(t, ch.ID, again.ID, "create-or-get is idempotent")

	waitFor(t, "channel:added for root", func() bool {
		_, ok := rootStore.Channel(ch.ID)
		return ok
	})
	rootView, _ := rootStore.Channel(ch.ID)
	assert.Equal(t, "admin", rootView.Name)

	// Root subscribes to the channel, then looks elsewhere.
	require.NoError(t, rootClient.OpenChannel(ctx, ch.ID))
	assert.Empty(t, rootStore.Feed())
	rootStore.SelectChannel("")

	// Step 2: admin says hi.
	require.NoError(t, adminClient.OpenChannel(ctx, ch.ID))
	assert.Equal(t, 2, adminStore.OnlineCount())

	sent, err := adminClient.Send(ctx, "hi")
	require.NoError(t, err)
	assert.Positive(t, sent.ID)
	feed := adminStore.Feed()
	require.Len(t, feed, 1)
	assert.Equal(t, client.Sent, feed[0].State)
	assert.Equal(t, sent.ID, feed[0].ID)

	// Step 3: root sees one unread message with the preview.
	waitFor(t, "unread for root", func() bool {
		c, _ := rootStore.Channel(ch.ID)
		return c.UnreadCount == 1
	})
	rootView, _ = rootStore.Channel(ch.ID)
	require.NotNil(t, rootView.LatestMessage)
	assert.Equal(t, "hi", rootView.LatestMessage.Content)
	assert.Equal(t, ch.ID, rootStore.Channels()[0].ID)

	// Step 4: root opens the channel and reads it.
	require.NoError(t, rootClient.OpenChannel(ctx, ch.ID))
	rootFeed := rootStore.Feed()
	require.Len(t, rootFeed, 1)
	assert.Equal(t, "hi", rootFeed[0].Content)
	assert.Equal(t, "<p>hi</p>", rootFeed[0].HTML)
	require.NotNil(t, rootFeed[0].FromUser)
	assert.Equal(t, "admin", rootFeed[0].FromUser.UserName)
	assert.False(t, rootStore.HasMore())
	rootView, _ = rootStore.Channel(ch.ID)
	assert.Zero(t, rootView.UnreadCount)

	// Step 5: an exact multiple of the page size still reports more.
	for i := 2; i <= 5; i++ {
		_, err := adminClient.Send(ctx, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}
	waitFor(t, "live delivery to root", func() bool { return len(rootStore.Feed()) == 5 })

	require.NoError(t, rootClient.OpenChannel(ctx, ch.ID))
	assert.Len(t, rootStore.Feed(), 5)
	assert.True(t, rootStore.HasMore())
	require.NoError(t, rootClient.LoadMore(ctx))
	assert.Len(t, rootStore.Feed(), 5)
	assert.False(t, rootStore.HasMore())

	// Step 6: presence is counted per connection.
	secondRoot := ts.connect(t, ts.login(t, "root", "root"))
	require.NoError(t, secondRoot.Close())
	time.Sleep(50 * time.Millisecond)
	u, _ := adminStore.User(rootID)
	assert.True(t, u.Online, "root still has a connection")

	resp, err := http.Get(ts.admin.URL + "/admin/online")
	require.NoError(t, err)
	var online api.OnlineResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&online))
	_ = resp.Body.Close()
	assert.ElementsMatch(t, []string{adminID, rootID}, online.UserIDs)

	require.NoError(t, rootClient.Close())
	waitFor(t, "root offline for admin", func() bool {
		u, _ := adminStore.User(rootID)
		return !u.Online
	})
}
