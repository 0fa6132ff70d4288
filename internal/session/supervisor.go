package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dapidd12/hexhs/internal/fanout"
	"github.com/dapidd12/hexhs/internal/logging"
	"github.com/dapidd12/hexhs/internal/metrics"
	"github.com/dapidd12/hexhs/internal/store"
	"github.com/dapidd12/hexhs/internal/transport"
)

var (
	// ErrLoggedOut means the account was unlinked on the provider side; the
	// device needs a fresh pairing before it can connect again.
	ErrLoggedOut = errors.New("device logged out, pairing required")

	// ErrConnectTimeout means neither Open nor a classified close was
	// reached within the connect window.
	ErrConnectTimeout = errors.New("connect attempt timed out")

	// ErrMaxReconnects means the per-device reconnect ceiling was exhausted.
	ErrMaxReconnects = errors.New("max reconnect attempts reached")
)

// Config tunes the per-device state machine.
type Config struct {
	PairingGraceDelay time.Duration
	ConnectTimeout    time.Duration
	ReconnectDelays   []time.Duration
	MaxReconnects     int
}

// DefaultConfig returns the schedule the panel has always shipped with.
func DefaultConfig() Config {
	return Config{
		PairingGraceDelay: 3 * time.Second,
		ConnectTimeout:    120 * time.Second,
		ReconnectDelays: []time.Duration{
			2 * time.Second, 5 * time.Second, 10 * time.Second,
			20 * time.Second, 30 * time.Second,
		},
		MaxReconnects: 5,
	}
}

// Supervisor owns one state machine per device: connect, await pairing,
// open, monitor, reconnect with backoff, or terminal logout. Device
// machines run as independent goroutines and coordinate only through the
// Registry, the durable membership store, and the event fanout.
type Supervisor struct {
	provider transport.Provider
	registry *Registry
	fanout   *fanout.Fanout
	store    *store.SessionStore
	cfg      Config
	logger   logging.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	tasks map[DeviceKey]*deviceTask
}

type deviceTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor wires the supervisor to its collaborators.
func NewSupervisor(provider transport.Provider, registry *Registry, fan *fanout.Fanout, sessions *store.SessionStore, cfg Config, logger logging.Logger, m *metrics.Metrics) *Supervisor {
	if len(cfg.ReconnectDelays) == 0 {
		cfg.ReconnectDelays = DefaultConfig().ReconnectDelays
	}
	return &Supervisor{
		provider: provider,
		registry: registry,
		fanout:   fan,
		store:    sessions,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		tasks:    make(map[DeviceKey]*deviceTask),
	}
}

// Connect starts (or restarts) the state machine for a device and blocks
// until the first Open or a terminal failure of this connect request. The
// request settles exactly once; all intermediate states are delivered as
// events. The machine itself outlives the call, monitoring the connection
// and reconnecting on transient drops.
func (s *Supervisor) Connect(ctx context.Context, tenantID, number string) error {
	key := DeviceKey{TenantID: tenantID, Number: number}

	taskCtx, cancel := context.WithCancel(context.Background())
	task := &deviceTask{cancel: cancel, done: make(chan struct{})}

	// A new connect attempt replaces any machine (and handle) for the key.
	// The slot is claimed under the lock, so two concurrent connects can
	// never both run a machine; the loser of each round stops whatever task
	// holds the slot and tries again.
	for {
		s.mu.Lock()
		old := s.tasks[key]
		if old == nil {
			s.tasks[key] = task
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		old.cancel()
		<-old.done
	}

	settle := make(chan error, 1)
	go func() {
		defer close(task.done)
		defer s.clearTask(key, task)
		defer cancel()
		s.runDevice(taskCtx, key, settle)
	}()

	select {
	case err := <-settle:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delete tears down a device: its machine is stopped, the live handle
// closed, durable membership and credential material removed. Idempotent.
func (s *Supervisor) Delete(tenantID, number string) error {
	key := DeviceKey{TenantID: tenantID, Number: number}
	s.stopTask(key)

	if conn, ok := s.registry.Get(key); ok {
		conn.Close()
		if s.registry.RemoveConn(key, conn) {
			s.metrics.SetActiveSessions(s.registry.Size())
		}
	}

	if err := s.store.Remove(tenantID, number); err != nil {
		return err
	}
	s.metrics.SetRegisteredSessions(s.store.Count())
	return s.store.PurgeCredentials(tenantID, number)
}

// Shutdown stops every device machine, closing all live handles.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	keys := make([]DeviceKey, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	for _, k := range keys {
		s.stopTask(k)
	}
}

func (s *Supervisor) stopTask(key DeviceKey) {
	s.mu.Lock()
	task := s.tasks[key]
	s.mu.Unlock()
	if task == nil {
		return
	}
	task.cancel()
	<-task.done
}

func (s *Supervisor) clearTask(key DeviceKey, task *deviceTask) {
	s.mu.Lock()
	if s.tasks[key] == task {
		delete(s.tasks, key)
	}
	s.mu.Unlock()
}

// runDevice drives the state machine until a terminal condition. The
// reconnect counter is the single bounded loop variable; it resets on every
// successful Open.
func (s *Supervisor) runDevice(ctx context.Context, key DeviceKey, settle chan<- error) {
	log := s.logger.WithFields(logging.Fields{
		"tenant_id": key.TenantID,
		"number":    key.Number,
	})

	settled := false
	resolve := func(err error) {
		if !settled {
			settled = true
			settle <- err
		}
	}

	attempts := 0
	for {
		conn, reason, err := s.connectCycle(ctx, key, log)
		if ctx.Err() != nil {
			resolve(ctx.Err())
			return
		}

		if err == nil {
			// Open. The connect request is settled; keep monitoring.
			resolve(nil)
			attempts = 0
			s.metrics.RecordConnectAttempt("connected")

			reason = s.monitor(ctx, key, conn)
			if ctx.Err() != nil {
				return
			}

			switch {
			case reason == transport.ReasonLoggedOut:
				s.handleLoggedOut(key, log)
				return
			case reason.Transient():
				log.WithField("reason", reason.String()).Info("Connection dropped, reconnecting")
			default:
				log.WithField("reason", reason.String()).Warn("Connection closed, not retrying")
				return
			}
		} else {
			switch {
			case errors.Is(err, ErrConnectTimeout):
				s.metrics.RecordConnectAttempt("timeout")
				resolve(err)
				return
			case reason == transport.ReasonLoggedOut:
				s.metrics.RecordConnectAttempt("logged_out")
				s.handleLoggedOut(key, log)
				resolve(ErrLoggedOut)
				return
			case reason.Transient():
				log.WithError(err).WithField("reason", reason.String()).Info("Connect attempt failed, retrying")
			default:
				s.metrics.RecordConnectAttempt("failed")
				log.WithError(err).Error("Connect attempt failed")
				s.emit(key, fanout.Event{
					Type:    fanout.TypeError,
					Message: fmt.Sprintf("Connection failed: %v", err),
					Status:  fanout.StatusFailed,
				})
				resolve(err)
				return
			}
		}

		// Transient drop path: schedule re-entry into Connecting.
		if attempts >= s.cfg.MaxReconnects {
			s.metrics.RecordConnectAttempt("max_attempts")
			s.emit(key, fanout.Event{
				Type:    fanout.TypeError,
				Message: "Max reconnect attempts reached. Please restart the connection.",
				Status:  fanout.StatusFailed,
			})
			resolve(ErrMaxReconnects)
			return
		}
		delay := s.delayFor(attempts)
		attempts++
		s.metrics.RecordReconnect()
		s.emit(key, fanout.Event{
			Type:    fanout.TypeStatus,
			Message: fmt.Sprintf("Reconnecting... (%d/%d)", attempts, s.cfg.MaxReconnects),
			Status:  fanout.StatusReconnecting,
		})
		log.WithFields(logging.Fields{
			"attempt": attempts,
			"max":     s.cfg.MaxReconnects,
			"delay":   delay,
		}).Info("Reconnect scheduled")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			resolve(ctx.Err())
			return
		}
	}
}

// connectCycle performs one dial and consumes provider updates until the
// connection opens, closes, or the connect window expires. On Open the
// handle is registered, durable membership recorded, and a success event
// emitted before returning.
func (s *Supervisor) connectCycle(ctx context.Context, key DeviceKey, log *logging.Entry) (transport.Conn, transport.Reason, error) {
	s.emit(key, fanout.Event{
		Type:    fanout.TypeStatus,
		Message: "Starting WhatsApp connection...",
		Status:  fanout.StatusConnecting,
	})

	credsDir, err := s.store.DeviceDir(key.TenantID, key.Number)
	if err != nil {
		return nil, transport.ReasonNone, err
	}
	hasCreds := s.store.HasCredentials(key.TenantID, key.Number)

	conn, err := s.provider.Dial(ctx, transport.DialConfig{
		TenantID: key.TenantID,
		Number:   key.Number,
		CredsDir: credsDir,
	})
	if err != nil {
		return nil, transport.ReasonNone, fmt.Errorf("dial transport: %w", err)
	}

	timeout := time.NewTimer(s.cfg.ConnectTimeout)
	defer timeout.Stop()

	type pairingResult struct {
		code string
		err  error
	}
	var grace <-chan time.Time
	pairing := make(chan pairingResult, 1)
	codeRequested := false

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, transport.ReasonNone, ctx.Err()

		case <-timeout.C:
			s.emit(key, fanout.Event{
				Type:    fanout.TypeError,
				Message: fmt.Sprintf("Timeout - could not complete connection within %s", s.cfg.ConnectTimeout),
				Status:  fanout.StatusTimeout,
			})
			conn.Close()
			return nil, transport.ReasonNone, ErrConnectTimeout

		case <-grace:
			grace = nil
			s.emit(key, fanout.Event{
				Type:    fanout.TypeStatus,
				Message: "Requesting pairing code...",
				Status:  fanout.StatusRequestingCode,
			})
			go func() {
				code, err := conn.RequestPairingCode(ctx, key.Number)
				pairing <- pairingResult{code: code, err: err}
			}()

		case res := <-pairing:
			if res.err != nil {
				// The cycle may still succeed if the provider completes the
				// handshake out-of-band; no second pairing attempt is made.
				log.WithError(res.err).Error("Pairing code request failed")
				s.emit(key, fanout.Event{
					Type:    fanout.TypeError,
					Message: fmt.Sprintf("Failed to request pairing code: %v", res.err),
					Status:  fanout.StatusCodeError,
				})
				continue
			}
			code := FormatPairingCode(res.code)
			s.metrics.RecordPairingCode()
			log.WithField("code", code).Info("Pairing code generated")
			s.emit(key, fanout.Event{
				Type:    fanout.TypePairingCode,
				Message: "Pairing code generated",
				Code:    code,
				Status:  fanout.StatusWaitingPairing,
				Instructions: []string{
					"1. Open WhatsApp on your phone",
					"2. Tap Settings > Linked Devices > Link a Device",
					"3. Enter the pairing code:",
					fmt.Sprintf("CODE: %s", code),
					"4. The code is valid for 30 seconds",
				},
			})

		case u, ok := <-conn.Updates():
			if !ok {
				conn.Close()
				return nil, transport.ReasonConnectionLost, errors.New("provider update stream ended")
			}
			if u.QR != "" {
				s.emit(key, fanout.Event{
					Type:    fanout.TypeQR,
					Message: "Scan the QR code to link this device",
					QR:      u.QR,
					Status:  fanout.StatusWaitingQR,
				})
			}
			switch u.State {
			case transport.StateConnecting:
				s.emit(key, fanout.Event{
					Type:    fanout.TypeStatus,
					Message: "Connecting to WhatsApp...",
					Status:  fanout.StatusConnecting,
				})
				// One pairing-code request per connect attempt, after a
				// short grace so we don't race the provider handshake.
				if !hasCreds && !codeRequested {
					codeRequested = true
					grace = time.After(s.cfg.PairingGraceDelay)
				}

			case transport.StateOpen:
				s.registry.Put(key, conn)
				s.metrics.SetActiveSessions(s.registry.Size())
				if _, err := s.store.Add(key.TenantID, key.Number); err != nil {
					log.WithError(err).Error("Failed to persist session membership")
				}
				s.metrics.SetRegisteredSessions(s.store.Count())
				log.Info("Device connected")
				s.emit(key, fanout.Event{
					Type:    fanout.TypeSuccess,
					Message: "Successfully connected to WhatsApp!",
					Status:  fanout.StatusConnected,
				})
				return conn, transport.ReasonNone, nil

			case transport.StateClosed:
				conn.Close()
				return nil, u.Reason, fmt.Errorf("connection closed: %s", u.Reason)
			}
		}
	}
}

// monitor watches an open connection until it closes, the stream ends, or
// the machine is cancelled. The registry entry is removed immediately on
// close, before the reason is acted upon; only this machine's own handle is
// removed, never a replacement's.
func (s *Supervisor) monitor(ctx context.Context, key DeviceKey, conn transport.Conn) transport.Reason {
	defer func() {
		if s.registry.RemoveConn(key, conn) {
			s.metrics.SetActiveSessions(s.registry.Size())
		}
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return transport.ReasonNone
		case u, ok := <-conn.Updates():
			if !ok {
				return transport.ReasonConnectionLost
			}
			if u.State == transport.StateClosed {
				return u.Reason
			}
		}
	}
}

// handleLoggedOut purges all local credential material for the device and
// notifies the tenant that a fresh pairing is required. Durable membership
// is kept; only explicit deletion removes it.
func (s *Supervisor) handleLoggedOut(key DeviceKey, log *logging.Entry) {
	if err := s.store.PurgeCredentials(key.TenantID, key.Number); err != nil {
		log.WithError(err).Error("Failed to purge credentials after logout")
	}
	log.Warn("Device logged out, credentials purged")
	s.emit(key, fanout.Event{
		Type:    fanout.TypeError,
		Message: "Device logged out, please pair again",
		Status:  fanout.StatusLoggedOut,
	})
}

func (s *Supervisor) delayFor(attempt int) time.Duration {
	if attempt < len(s.cfg.ReconnectDelays) {
		return s.cfg.ReconnectDelays[attempt]
	}
	return s.cfg.ReconnectDelays[len(s.cfg.ReconnectDelays)-1]
}

func (s *Supervisor) emit(key DeviceKey, ev fanout.Event) {
	ev.Number = key.Number
	s.fanout.Publish(key.TenantID, ev)
}

// FormatPairingCode groups a raw pairing code into blocks of four, the way
// it is shown on the linking screen (e.g. "ABCD-EFGH").
func FormatPairingCode(code string) string {
	if code == "" {
		return code
	}
	var groups []string
	for len(code) > 4 {
		groups = append(groups, code[:4])
		code = code[4:]
	}
	groups = append(groups, code)
	return strings.Join(groups, "-")
}
