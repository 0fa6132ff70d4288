// Package handlers contains the HTTP surface of the session panel: login,
// device management, event streams and account administration.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dapidd12/hexhs/internal/auth"
	"github.com/dapidd12/hexhs/internal/config"
	"github.com/dapidd12/hexhs/internal/countries"
	"github.com/dapidd12/hexhs/internal/fanout"
	"github.com/dapidd12/hexhs/internal/logging"
	"github.com/dapidd12/hexhs/internal/session"
	"github.com/dapidd12/hexhs/internal/store"
	"github.com/dapidd12/hexhs/internal/websocket"
)

const minNumberDigits = 8

// Handlers contains the HTTP handlers for the service
type Handlers struct {
	sup       *session.Supervisor
	registry  *session.Registry
	fanout    *fanout.Fanout
	streamer  *websocket.Streamer
	users     *store.UserStore
	sessions  *store.SessionStore
	cfg       config.Settings
	logger    logging.Logger
	startTime time.Time
}

// New creates a new handlers instance
func New(sup *session.Supervisor, registry *session.Registry, fan *fanout.Fanout, users *store.UserStore, sessions *store.SessionStore, cfg config.Settings, logger logging.Logger) *Handlers {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Handlers{
		sup:       sup,
		registry:  registry,
		fanout:    fan,
		streamer:  websocket.NewStreamer(fan, logger),
		users:     users,
		sessions:  sessions,
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
	}
}

// RegisterRoutes mounts the API on the router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	authRequired := auth.JWTAuthMiddleware(h.cfg.JWTSecret)

	api := router.Group("/api")
	api.POST("/login", h.HandleLogin)

	protected := api.Group("", authRequired)
	protected.GET("/devices", h.HandleListDevices)
	protected.POST("/devices", h.HandleAddDevice)
	protected.DELETE("/devices/:number", h.HandleDeleteDevice)
	protected.GET("/events", h.HandleEvents)
	protected.GET("/stats", h.HandleStats)

	admin := protected.Group("", auth.RequireRole(store.RoleAdmin))
	admin.GET("/users", h.HandleListUsers)
	admin.POST("/users", h.HandleCreateUser)
	admin.DELETE("/users/:username", h.HandleDeleteUser)

	router.GET("/ws/events", authRequired, h.HandleWebSocketEvents)
}

// HandleLogin exchanges a username/key pair for a web session token.
func (h *Handlers) HandleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Key      string `json:"key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and key are required"})
		return
	}

	user, err := h.users.Authenticate(req.Username, req.Key, time.Now())
	if err != nil {
		msg := "Invalid username or key"
		if err == store.ErrKeyExpired {
			msg = "Access key expired"
		}
		h.logger.WithFields(logging.Fields{
			"username": req.Username,
			"reason":   err.Error(),
		}).Warn("Login rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": msg})
		return
	}

	token, err := auth.GenerateJWT(user.Username, user.Role, h.cfg.SessionTTL, h.cfg.JWTSecret)
	if err != nil {
		h.logger.WithError(err).Error("Failed to sign session token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}

	c.SetCookie("access_token", token, int(h.cfg.SessionTTL.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"role":  user.Role,
	})
}

type deviceInfo struct {
	Number    string `json:"number"`
	Connected bool   `json:"connected"`
	Country   string `json:"country"`
}

// HandleListDevices lists the tenant's registered devices with their live
// connection state.
func (h *Handlers) HandleListDevices(c *gin.Context) {
	tenantID := auth.TenantID(c)
	numbers := h.sessions.Numbers(tenantID)

	devices := make([]deviceInfo, 0, len(numbers))
	for _, number := range numbers {
		_, connected := h.registry.Get(session.DeviceKey{TenantID: tenantID, Number: number})
		devices = append(devices, deviceInfo{
			Number:    number,
			Connected: connected,
			Country:   countries.Lookup(number),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"total":   len(devices),
	})
}

// HandleAddDevice starts a connect for a new (or re-pairing) device. The
// call returns immediately; pairing codes and progress arrive on the
// tenant's event stream.
func (h *Handlers) HandleAddDevice(c *gin.Context) {
	var req struct {
		Number string `json:"number" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "number is required"})
		return
	}

	number := normalizeNumber(req.Number)
	if len(number) < minNumberDigits {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Phone number is too short"})
		return
	}

	tenantID := auth.TenantID(c)
	h.logger.WithFields(logging.Fields{
		"tenant_id": tenantID,
		"number":    number,
	}).Info("Device connect requested")

	go func() {
		if err := h.sup.Connect(context.Background(), tenantID, number); err != nil {
			h.logger.WithError(err).WithFields(logging.Fields{
				"tenant_id": tenantID,
				"number":    number,
			}).Error("Device connect failed")
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Connection started, watch the event stream for the pairing code",
		"number":  number,
	})
}

// HandleDeleteDevice removes a device: live handle, membership and
// credentials. Deleting an unknown device succeeds.
func (h *Handlers) HandleDeleteDevice(c *gin.Context) {
	tenantID := auth.TenantID(c)
	number := normalizeNumber(c.Param("number"))
	if number == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "number is required"})
		return
	}

	if err := h.sup.Delete(tenantID, number); err != nil {
		h.logger.WithError(err).WithFields(logging.Fields{
			"tenant_id": tenantID,
			"number":    number,
		}).Error("Device delete failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete device"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Device removed",
		"number":  number,
	})
}

// HandleEvents serves the tenant's lifecycle events over SSE. A tenant has
// one stream; opening another replaces this one.
func (h *Handlers) HandleEvents(c *gin.Context) {
	tenantID := auth.TenantID(c)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming unsupported"})
		return
	}

	events := h.fanout.Subscribe(tenantID)
	defer h.fanout.Unsubscribe(tenantID, events)

	if !h.writeSSE(c, fanout.Event{
		Type:      fanout.TypeConnected,
		Message:   "Event stream connected",
		Timestamp: time.Now().UTC(),
	}) {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return

		case ev, open := <-events:
			if !open {
				// Replaced by a newer stream for the same tenant.
				return
			}
			if !h.writeSSE(c, ev) {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handlers) writeSSE(c *gin.Context, ev fanout.Event) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal event")
		return true
	}
	_, err = fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	return err == nil
}

// HandleWebSocketEvents serves the same event stream over WebSocket.
func (h *Handlers) HandleWebSocketEvents(c *gin.Context) {
	h.streamer.ServeWS(c.Writer, c.Request, auth.TenantID(c))
}

// HandleStats reports service-level counters.
func (h *Handlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active_sessions":     h.registry.Size(),
		"registered_sessions": h.sessions.Count(),
		"tenants":             len(h.sessions.Tenants()),
		"subscribers":         h.fanout.Subscribers(),
		"uptime":              time.Since(h.startTime).String(),
	})
}

type userInfo struct {
	Username string `json:"username"`
	Key      string `json:"key"`
	Role     string `json:"role"`
	Expired  int64  `json:"expired"`
	Active   bool   `json:"active"`
}

// HandleListUsers lists all operator accounts.
func (h *Handlers) HandleListUsers(c *gin.Context) {
	now := time.Now()
	users := h.users.List()
	out := make([]userInfo, 0, len(users))
	for _, u := range users {
		out = append(out, userInfo{
			Username: u.Username,
			Key:      u.Key,
			Role:     u.Role,
			Expired:  u.Expired,
			Active:   !u.IsExpired(now),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"users": out,
		"total": len(out),
	})
}

// HandleCreateUser creates an operator account. The caller can only grant
// roles strictly below their own; the access key is generated when omitted.
func (h *Handlers) HandleCreateUser(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Key      string `json:"key"`
		Role     string `json:"role"`
		Duration string `json:"duration" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and duration are required"})
		return
	}

	role := req.Role
	if role == "" {
		role = store.RoleUser
	}
	if auth.RoleLevel(role) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown role"})
		return
	}
	if auth.RoleLevel(role) >= auth.RoleLevel(auth.Role(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Cannot grant a role at or above your own"})
		return
	}

	ttl, err := auth.ParseDuration(req.Duration)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid duration, use forms like 30d, 12h or 45m"})
		return
	}

	key := req.Key
	if key == "" {
		key, err = auth.GenerateKey(auth.DefaultKeyLength)
		if err != nil {
			h.logger.WithError(err).Error("Failed to generate access key")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate key"})
			return
		}
	}

	user := store.User{
		Username: req.Username,
		Key:      key,
		Role:     role,
		Expired:  time.Now().Add(ttl).UnixMilli(),
	}
	if err := h.users.Create(user); err != nil {
		if err == store.ErrUserExists {
			c.JSON(http.StatusConflict, gin.H{"error": "Username already taken"})
			return
		}
		h.logger.WithError(err).Error("Failed to create user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
		return
	}

	h.logger.WithFields(logging.Fields{
		"username":   req.Username,
		"role":       role,
		"granted_by": auth.TenantID(c),
	}).Info("User created")
	c.JSON(http.StatusCreated, gin.H{
		"username": user.Username,
		"key":      user.Key,
		"role":     user.Role,
		"expired":  user.Expired,
	})
}

// HandleDeleteUser removes an operator account. The caller must outrank
// the account being removed.
func (h *Handlers) HandleDeleteUser(c *gin.Context) {
	username := c.Param("username")

	target, err := h.users.Find(username)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	if auth.RoleLevel(target.Role) >= auth.RoleLevel(auth.Role(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Cannot remove a user at or above your own role"})
		return
	}

	if err := h.users.Delete(username); err != nil {
		h.logger.WithError(err).Error("Failed to delete user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete user"})
		return
	}

	h.logger.WithFields(logging.Fields{
		"username":   username,
		"removed_by": auth.TenantID(c),
	}).Info("User deleted")
	c.JSON(http.StatusOK, gin.H{"message": "User removed", "username": username})
}

// normalizeNumber strips everything but digits from a phone number.
func normalizeNumber(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
