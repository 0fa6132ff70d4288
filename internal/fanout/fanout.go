// Package fanout delivers supervisor lifecycle events to web clients. Each
// tenant owns at most one push channel; delivery is best-effort and
// at-most-once, events are never queued for replay.
package fanout

import (
	"sync"
	"time"

	"github.com/dapidd12/hexhs/internal/logging"
	"github.com/dapidd12/hexhs/internal/metrics"
)

// Event types emitted by the session supervisor.
const (
	TypeStatus      = "status"
	TypeQR          = "qr"
	TypePairingCode = "pairing_code"
	TypeSuccess     = "success"
	TypeError       = "error"
	TypeConnected   = "connected" // stream-attached marker, emitted by the delivery layer
)

// Status tags carried by events.
const (
	StatusConnecting     = "connecting"
	StatusRequestingCode = "requesting_code"
	StatusWaitingPairing = "waiting_pairing"
	StatusWaitingQR      = "waiting_qr"
	StatusReconnecting   = "reconnecting"
	StatusConnected      = "connected"
	StatusLoggedOut      = "logged_out"
	StatusFailed         = "failed"
	StatusTimeout        = "timeout"
	StatusCodeError      = "code_error"
)

// Event is one lifecycle notification in transit from the supervisor to a
// tenant's event stream. It exists only in transit and is never persisted.
type Event struct {
	Type         string    `json:"type"`
	Number       string    `json:"number,omitempty"`
	Message      string    `json:"message,omitempty"`
	Status       string    `json:"status,omitempty"`
	Code         string    `json:"code,omitempty"`
	QR           string    `json:"qr,omitempty"`
	Instructions []string  `json:"instructions,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const channelBuffer = 64

// Fanout routes events to per-tenant subscriber channels.
type Fanout struct {
	mu      sync.Mutex
	subs    map[string]chan Event
	logger  logging.Logger
	metrics *metrics.Metrics
}

// New creates an empty fanout.
func New(logger logging.Logger, m *metrics.Metrics) *Fanout {
	return &Fanout{
		subs:    make(map[string]chan Event),
		logger:  logger,
		metrics: m,
	}
}

// Subscribe registers the tenant's event channel, replacing and closing any
// previous one so a stale subscriber never leaks.
func (f *Fanout) Subscribe(tenantID string) <-chan Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	if old, ok := f.subs[tenantID]; ok {
		close(old)
	}
	ch := make(chan Event, channelBuffer)
	f.subs[tenantID] = ch
	f.metrics.SetEventSubscribers(len(f.subs))
	f.logger.WithFields(logging.Fields{
		"tenant_id":   tenantID,
		"subscribers": len(f.subs),
	}).Info("Event subscriber attached")
	return ch
}

// Unsubscribe removes the tenant's channel, but only when ch is still the
// active one; a replaced subscriber's late unsubscribe must not tear down
// its successor.
func (f *Fanout) Unsubscribe(tenantID string, ch <-chan Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, ok := f.subs[tenantID]
	if !ok || (<-chan Event)(cur) != ch {
		return
	}
	delete(f.subs, tenantID)
	close(cur)
	f.metrics.SetEventSubscribers(len(f.subs))
	f.logger.WithFields(logging.Fields{
		"tenant_id":   tenantID,
		"subscribers": len(f.subs),
	}).Info("Event subscriber detached")
}

// Publish delivers an event to the tenant's subscriber if one is attached.
// Without a subscriber, or with a full channel, the event is dropped.
func (f *Fanout) Publish(tenantID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.subs[tenantID]
	if !ok {
		f.metrics.RecordEventDropped()
		return
	}
	select {
	case ch <- ev:
		f.metrics.RecordEvent(ev.Type)
	default:
		f.metrics.RecordEventDropped()
		f.logger.WithFields(logging.Fields{
			"tenant_id":  tenantID,
			"event_type": ev.Type,
		}).Warn("Subscriber channel full, dropping event")
	}
}

// Subscribers returns the number of attached tenants.
func (f *Fanout) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
