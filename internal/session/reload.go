package session

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dapidd12/hexhs/internal/logging"
	"github.com/dapidd12/hexhs/internal/metrics"
	"github.com/dapidd12/hexhs/internal/store"
)

// ReloadConfig tunes the reconciliation schedule.
type ReloadConfig struct {
	StartupDelay   time.Duration
	ObserveDelay   time.Duration
	MaxAttempts    int
	HealthInterval time.Duration
}

// DefaultReloadConfig returns the stock reconciliation schedule.
func DefaultReloadConfig() ReloadConfig {
	return ReloadConfig{
		StartupDelay:   15 * time.Second,
		ObserveDelay:   30 * time.Second,
		MaxAttempts:    3,
		HealthInterval: 10 * time.Minute,
	}
}

// Reloader reconciles durable session membership with the live registry.
// It runs once after startup and again whenever the periodic health sweep
// finds registered devices but no live handles. Concurrent triggers share a
// single reconciliation run.
type Reloader struct {
	sup      *Supervisor
	registry *Registry
	store    *store.SessionStore
	cfg      ReloadConfig
	logger   logging.Logger
	metrics  *metrics.Metrics
	group    singleflight.Group
}

// NewReloader wires the reload coordinator.
func NewReloader(sup *Supervisor, registry *Registry, sessions *store.SessionStore, cfg ReloadConfig, logger logging.Logger, m *metrics.Metrics) *Reloader {
	return &Reloader{
		sup:      sup,
		registry: registry,
		store:    sessions,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
}

// Run blocks until ctx is cancelled, driving the startup reload and the
// periodic health sweep.
func (r *Reloader) Run(ctx context.Context) {
	select {
	case <-time.After(r.cfg.StartupDelay):
		r.Reload(ctx, "startup")
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if r.store.Count() > 0 && r.registry.Size() == 0 {
				r.logger.Warn("Registered sessions present but no live connections, reloading")
				r.Reload(ctx, "health")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Reload runs one bounded reconciliation: restart every registered device
// that still has credentials, observe, and retry up to the attempt ceiling
// while nothing comes up. Concurrent callers coalesce onto the same run.
func (r *Reloader) Reload(ctx context.Context, trigger string) {
	r.group.Do("reload", func() (interface{}, error) {
		r.metrics.RecordReload(trigger)
		r.reconcile(ctx, trigger)
		return nil, nil
	})
}

func (r *Reloader) reconcile(ctx context.Context, trigger string) {
	for attempt := 1; ; attempt++ {
		attempted := r.reloadOnce(ctx)
		if attempted == 0 {
			r.logger.WithField("trigger", trigger).Info("No sessions to reload")
			return
		}
		r.logger.WithFields(logging.Fields{
			"trigger":   trigger,
			"attempt":   attempt,
			"max":       r.cfg.MaxAttempts,
			"attempted": attempted,
		}).Info("Session reload started")

		select {
		case <-time.After(r.cfg.ObserveDelay):
		case <-ctx.Done():
			return
		}

		if live := r.registry.Size(); live > 0 {
			r.logger.WithFields(logging.Fields{
				"trigger": trigger,
				"live":    live,
			}).Info("Session reload succeeded")
			return
		}
		if attempt >= r.cfg.MaxAttempts {
			r.logger.WithFields(logging.Fields{
				"trigger":  trigger,
				"attempts": attempt,
			}).Error("Session reload failed, manual intervention required")
			return
		}
		r.logger.WithField("attempt", attempt).Warn("No sessions came up, retrying reload")
	}
}

// reloadOnce starts a connect for every registered device that still has
// credential material and no live handle. Returns how many were attempted.
func (r *Reloader) reloadOnce(ctx context.Context) int {
	attempted := 0
	for _, tenantID := range r.store.Tenants() {
		for _, number := range r.store.Numbers(tenantID) {
			key := DeviceKey{TenantID: tenantID, Number: number}
			if _, live := r.registry.Get(key); live {
				continue
			}
			if !r.store.HasCredentials(tenantID, number) {
				r.logger.WithFields(logging.Fields{
					"tenant_id": tenantID,
					"number":    number,
				}).Warn("Skipping reload, no credentials on disk")
				continue
			}
			attempted++
			go func(k DeviceKey) {
				if err := r.sup.Connect(ctx, k.TenantID, k.Number); err != nil {
					r.logger.WithError(err).WithFields(logging.Fields{
						"tenant_id": k.TenantID,
						"number":    k.Number,
					}).Error("Session reload connect failed")
				}
			}(key)
		}
	}
	return attempted
}
