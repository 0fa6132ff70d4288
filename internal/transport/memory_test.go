package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForState(t *testing.T, conn Conn, want State) Update {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-conn.Updates():
			if u.State == want {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestMemoryProviderPairingFlow(t *testing.T) {
	p := NewMemoryProvider()
	p.OpenDelay = time.Millisecond

	dir := t.TempDir()
	conn, err := p.Dial(context.Background(), DialConfig{TenantID: "alice", Number: "628001", CredsDir: dir})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitForState(t, conn, StateConnecting)

	code, err := conn.RequestPairingCode(context.Background(), "628001")
	if err != nil {
		t.Fatalf("pairing code: %v", err)
	}
	if len(code) != 8 {
		t.Fatalf("expected 8-char code, got %q", code)
	}

	waitForState(t, conn, StateOpen)

	if _, err := os.Stat(filepath.Join(dir, "creds.json")); err != nil {
		t.Fatalf("expected credentials persisted after open: %v", err)
	}
}

func TestMemoryProviderReconnectWithCreds(t *testing.T) {
	p := NewMemoryProvider()
	p.OpenDelay = time.Millisecond

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "creds.json"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	conn, err := p.Dial(context.Background(), DialConfig{TenantID: "alice", Number: "628001", CredsDir: dir})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Opens without any pairing-code request.
	waitForState(t, conn, StateConnecting)
	waitForState(t, conn, StateOpen)
}

func TestMemoryProviderDisconnect(t *testing.T) {
	p := NewMemoryProvider()
	p.OpenDelay = time.Millisecond

	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "creds.json"), []byte("{}"), 0o600)

	conn, _ := p.Dial(context.Background(), DialConfig{TenantID: "alice", Number: "628001", CredsDir: dir})
	waitForState(t, conn, StateOpen)

	if !p.Disconnect("628001", ReasonConnectionLost) {
		t.Fatal("expected live connection to drop")
	}
	u := waitForState(t, conn, StateClosed)
	if u.Reason != ReasonConnectionLost {
		t.Fatalf("expected connection_lost, got %s", u.Reason)
	}
	if p.Disconnect("628001", ReasonConnectionLost) {
		t.Fatal("second disconnect should find nothing")
	}
}

func TestReasonClassification(t *testing.T) {
	transient := []Reason{ReasonRestartRequired, ReasonTimedOut, ReasonConnectionLost}
	for _, r := range transient {
		if !r.Transient() {
			t.Fatalf("%s should be transient", r)
		}
	}
	for _, r := range []Reason{ReasonLoggedOut, ReasonUnknown, ReasonNone} {
		if r.Transient() {
			t.Fatalf("%s should not be transient", r)
		}
	}
}
