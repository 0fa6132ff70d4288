package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MemoryProvider is an in-process transport driver. It simulates the
// pairing handshake and connection lifecycle without touching the network:
// a device with credential material opens immediately, a fresh device opens
// once a pairing code has been requested. Dev deployments and tests use it;
// production wires a real driver behind the same interface.
type MemoryProvider struct {
	// OpenDelay is how long the simulated handshake takes.
	OpenDelay time.Duration

	mu    sync.Mutex
	conns map[string]*memoryConn // keyed by device number
}

// NewMemoryProvider returns a provider with a short simulated handshake.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		OpenDelay: 50 * time.Millisecond,
		conns:     make(map[string]*memoryConn),
	}
}

// Dial opens a simulated connection.
func (p *MemoryProvider) Dial(ctx context.Context, cfg DialConfig) (Conn, error) {
	if cfg.Number == "" {
		return nil, errors.New("memory transport: device number required")
	}
	c := &memoryConn{
		provider: p,
		cfg:      cfg,
		updates:  make(chan Update, 16),
		paired:   make(chan struct{}),
		stop:     make(chan struct{}),
	}
	p.mu.Lock()
	p.conns[cfg.Number] = c
	p.mu.Unlock()

	go c.run()
	return c, nil
}

// Disconnect force-closes the live connection for a device number with the
// given reason, simulating a provider-side drop.
func (p *MemoryProvider) Disconnect(number string, reason Reason) bool {
	p.mu.Lock()
	c, ok := p.conns[number]
	p.mu.Unlock()
	if !ok {
		return false
	}
	c.drop(reason)
	return true
}

type memoryConn struct {
	provider *MemoryProvider
	cfg      DialConfig
	updates  chan Update

	pairOnce sync.Once
	paired   chan struct{}

	closeOnce sync.Once
	stop      chan struct{}
}

func (c *memoryConn) run() {
	c.send(Update{State: StateConnecting})

	if !c.hasCreds() {
		// Fresh device: wait for the pairing code to be requested before
		// completing the handshake.
		select {
		case <-c.paired:
		case <-c.stop:
			return
		}
	}

	select {
	case <-time.After(c.provider.OpenDelay):
	case <-c.stop:
		return
	}

	if err := c.persistCreds(); err != nil {
		c.send(Update{State: StateClosed, Reason: ReasonUnknown})
		return
	}
	c.send(Update{State: StateOpen})

	<-c.stop
}

func (c *memoryConn) send(u Update) {
	select {
	case c.updates <- u:
	case <-c.stop:
	}
}

func (c *memoryConn) drop(reason Reason) {
	select {
	case <-c.stop:
		return
	default:
	}
	select {
	case c.updates <- Update{State: StateClosed, Reason: reason}:
	default:
	}
	c.Close()
}

func (c *memoryConn) hasCreds() bool {
	_, err := os.Stat(filepath.Join(c.cfg.CredsDir, "creds.json"))
	return err == nil
}

func (c *memoryConn) persistCreds() error {
	if c.cfg.CredsDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.cfg.CredsDir, 0o755); err != nil {
		return err
	}
	payload := fmt.Sprintf(`{"number":%q,"paired_at":%q}`, c.cfg.Number, time.Now().Format(time.RFC3339))
	return os.WriteFile(filepath.Join(c.cfg.CredsDir, "creds.json"), []byte(payload), 0o600)
}

func (c *memoryConn) Updates() <-chan Update {
	return c.updates
}

func (c *memoryConn) RequestPairingCode(ctx context.Context, number string) (string, error) {
	if number != c.cfg.Number {
		return "", fmt.Errorf("memory transport: pairing code for unknown number %s", number)
	}
	code, err := randomCode(8)
	if err != nil {
		return "", err
	}
	c.pairOnce.Do(func() { close(c.paired) })
	return code, nil
}

func (c *memoryConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.provider.mu.Lock()
		if c.provider.conns[c.cfg.Number] == c {
			delete(c.provider.conns, c.cfg.Number)
		}
		c.provider.mu.Unlock()
	})
	return nil
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func randomCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
