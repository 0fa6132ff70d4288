package handlers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dapidd12/hexhs/internal/config"
	"github.com/dapidd12/hexhs/internal/fanout"
	"github.com/dapidd12/hexhs/internal/logging"
	"github.com/dapidd12/hexhs/internal/session"
	"github.com/dapidd12/hexhs/internal/store"
	"github.com/dapidd12/hexhs/internal/transport"
)

type fixture struct {
	router   *gin.Engine
	users    *store.UserStore
	sessions *store.SessionStore
	registry *session.Registry
	fanout   *fanout.Fanout
	sup      *session.Supervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)

	cfg := config.Settings{
		JWTSecret:         []byte("test-secret"),
		SessionTTL:        time.Hour,
		HeartbeatInterval: 50 * time.Millisecond,
	}

	users := store.NewUserStore(t.TempDir(), logger)
	sessions := store.NewSessionStore(t.TempDir(), t.TempDir(), logger)
	registry := session.NewRegistry()
	fan := fanout.New(logger, nil)

	provider := transport.NewMemoryProvider()
	provider.OpenDelay = 10 * time.Millisecond
	supCfg := session.Config{
		PairingGraceDelay: 10 * time.Millisecond,
		ConnectTimeout:    2 * time.Second,
		ReconnectDelays:   []time.Duration{10 * time.Millisecond},
		MaxReconnects:     1,
	}
	sup := session.NewSupervisor(provider, registry, fan, sessions, supCfg, logger, nil)
	t.Cleanup(sup.Shutdown)

	router := gin.New()
	New(sup, registry, fan, users, sessions, cfg, logger).RegisterRoutes(router)

	return &fixture{
		router:   router,
		users:    users,
		sessions: sessions,
		registry: registry,
		fanout:   fan,
		sup:      sup,
	}
}

func (f *fixture) seedUser(t *testing.T, username, key, role string) {
	t.Helper()
	require.NoError(t, f.users.Create(store.User{Username: username, Key: key, Role: role}))
}

func (f *fixture) login(t *testing.T, username, key string) string {
	t.Helper()
	body, _ := json.Marshal(gin.H{"username": username, "key": key})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, "login response: %s", w.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func (f *fixture) do(method, path, token string, payload interface{}) *httptest.ResponseRecorder {
	var body io.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		body = bytes.NewReader(b)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	f.router.ServeHTTP(w, req)
	return w
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", "SECRET12", store.RoleUser)

	t.Run("success", func(t *testing.T) {
		token := f.login(t, "alice", "SECRET12")
		assert.NotEmpty(t, token)
	})

	t.Run("wrong key", func(t *testing.T) {
		w := f.do("POST", "/api/login", "", gin.H{"username": "alice", "key": "WRONG"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired key", func(t *testing.T) {
		require.NoError(t, f.users.Create(store.User{
			Username: "old",
			Key:      "OLDKEY12",
			Role:     store.RoleUser,
			Expired:  time.Now().Add(-time.Hour).UnixMilli(),
		}))
		w := f.do("POST", "/api/login", "", gin.H{"username": "old", "key": "OLDKEY12"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "expired")
	})

	t.Run("missing fields", func(t *testing.T) {
		w := f.do("POST", "/api/login", "", gin.H{"username": "alice"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDeviceLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", "SECRET12", store.RoleUser)
	token := f.login(t, "alice", "SECRET12")

	t.Run("rejects short number", func(t *testing.T) {
		w := f.do("POST", "/api/devices", token, gin.H{"number": "123"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("requires auth", func(t *testing.T) {
		w := f.do("GET", "/api/devices", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("add and list", func(t *testing.T) {
		w := f.do("POST", "/api/devices", token, gin.H{"number": "+62 812-3456-7890"})
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, w.Body.String(), `"628123456789`)

		require.Eventually(t, func() bool {
			return f.registry.Size() == 1
		}, 3*time.Second, 10*time.Millisecond, "device should connect")

		w = f.do("GET", "/api/devices", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Devices []deviceInfo `json:"devices"`
			Total   int          `json:"total"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Total)
		assert.Equal(t, "6281234567890", resp.Devices[0].Number)
		assert.True(t, resp.Devices[0].Connected)
		assert.Equal(t, "Indonesia", resp.Devices[0].Country)
	})

	t.Run("delete", func(t *testing.T) {
		w := f.do("DELETE", "/api/devices/6281234567890", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 0, f.registry.Size())
		assert.Empty(t, f.sessions.Numbers("alice"))

		// Idempotent.
		w = f.do("DELETE", "/api/devices/6281234567890", token, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", "SECRET12", store.RoleUser)
	token := f.login(t, "alice", "SECRET12")

	w := f.do("GET", "/api/stats", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "active_sessions")
	assert.Contains(t, resp, "registered_sessions")
	assert.Contains(t, resp, "tenants")
}

func TestUserAdministration(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "boss", "BOSSKEY1", store.RoleOwner)
	f.seedUser(t, "pleb", "PLEBKEY1", store.RoleUser)
	bossToken := f.login(t, "boss", "BOSSKEY1")
	plebToken := f.login(t, "pleb", "PLEBKEY1")

	t.Run("requires admin role", func(t *testing.T) {
		w := f.do("GET", "/api/users", plebToken, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("create with generated key", func(t *testing.T) {
		w := f.do("POST", "/api/users", bossToken, gin.H{"username": "newbie", "duration": "30d"})
		require.Equal(t, http.StatusCreated, w.Code)
		var resp struct {
			Key     string `json:"key"`
			Role    string `json:"role"`
			Expired int64  `json:"expired"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Key, 8)
		assert.Equal(t, store.RoleUser, resp.Role)
		assert.Greater(t, resp.Expired, time.Now().UnixMilli())
	})

	t.Run("cannot grant own role or above", func(t *testing.T) {
		w := f.do("POST", "/api/users", bossToken, gin.H{
			"username": "rival", "role": store.RoleOwner, "duration": "30d",
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("rejects bad duration", func(t *testing.T) {
		w := f.do("POST", "/api/users", bossToken, gin.H{"username": "x", "duration": "soon"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("duplicate username", func(t *testing.T) {
		w := f.do("POST", "/api/users", bossToken, gin.H{"username": "pleb", "duration": "1d"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("list", func(t *testing.T) {
		w := f.do("GET", "/api/users", bossToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "newbie")
	})

	t.Run("delete respects ranking", func(t *testing.T) {
		f.seedUser(t, "rival-owner", "RIVAL123", store.RoleOwner)
		w := f.do("DELETE", "/api/users/rival-owner", bossToken, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = f.do("DELETE", "/api/users/newbie", bossToken, nil)
		assert.Equal(t, http.StatusOK, w.Code)

		w = f.do("DELETE", "/api/users/newbie", bossToken, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestEventStreamSSE(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", "SECRET12", store.RoleUser)
	token := f.login(t, "alice", "SECRET12")

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events?token=" + token)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readData := func() fanout.Event {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				var ev fanout.Event
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
				return ev
			}
		}
	}

	hello := readData()
	assert.Equal(t, fanout.TypeConnected, hello.Type)

	// Wait for the subscription to be the one the handler registered.
	require.Eventually(t, func() bool { return f.fanout.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	f.fanout.Publish("alice", fanout.Event{Type: fanout.TypeStatus, Status: fanout.StatusConnecting, Number: "628001"})

	ev := readData()
	assert.Equal(t, fanout.TypeStatus, ev.Type)
	assert.Equal(t, "628001", ev.Number)
}

func TestEventStreamWebSocket(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "alice", "SECRET12", store.RoleUser)
	token := f.login(t, "alice", "SECRET12")

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?token=" + token
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello fanout.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, fanout.TypeConnected, hello.Type)

	require.Eventually(t, func() bool { return f.fanout.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	f.fanout.Publish("alice", fanout.Event{Type: fanout.TypeSuccess, Status: fanout.StatusConnected, Number: "628001"})

	var ev fanout.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, fanout.TypeSuccess, ev.Type)
	assert.Equal(t, "628001", ev.Number)

	// Unauthenticated upgrade is rejected before the handshake.
	_, resp, err := gorilla.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/events", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}
