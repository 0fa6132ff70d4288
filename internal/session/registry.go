// Package session implements the device-session lifecycle core: the
// registry of live connection handles, the per-device supervisor state
// machine, and the reload coordinator that reconciles durable membership
// with the registry after restarts.
package session

import (
	"sync"

	"github.com/dapidd12/hexhs/internal/transport"
)

// DeviceKey identifies one device session.
type DeviceKey struct {
	TenantID string
	Number   string
}

func (k DeviceKey) String() string {
	return k.TenantID + "/" + k.Number
}

// Registry is the single source of truth for which devices currently hold a
// live connection handle. It is safe for concurrent use by any number of
// device tasks plus the health check and reload coordinator.
type Registry struct {
	mu    sync.RWMutex
	conns map[DeviceKey]transport.Conn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[DeviceKey]transport.Conn)}
}

// Put stores the handle for a device, replacing any existing one. Closing a
// replaced handle is the caller's responsibility.
func (r *Registry) Put(key DeviceKey, conn transport.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[key] = conn
}

// Remove drops the handle for a device; a no-op when absent.
func (r *Registry) Remove(key DeviceKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, key)
}

// RemoveConn drops the handle for a device only while it still maps to conn.
// A machine tearing down uses this so it can never evict a replacement's
// live handle. Reports whether an entry was removed.
func (r *Registry) RemoveConn(key DeviceKey, conn transport.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[key]; ok && cur == conn {
		delete(r.conns, key)
		return true
	}
	return false
}

// Get returns the live handle for a device, if any.
func (r *Registry) Get(key DeviceKey) (transport.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[key]
	return conn, ok
}

// Size returns the number of live handles.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Keys returns the devices currently holding a live handle.
func (r *Registry) Keys() []DeviceKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]DeviceKey, 0, len(r.conns))
	for k := range r.conns {
		keys = append(keys, k)
	}
	return keys
}
