package fanout

import (
	"fmt"
	"testing"
	"time"

	"github.com/dapidd12/hexhs/internal/logging"
)

func TestPublishWithoutSubscriberIsDropped(t *testing.T) {
	f := New(logging.NewLogger(), nil)
	// Must not block or panic.
	f.Publish("alice", Event{Type: TypeStatus, Status: StatusConnecting})
	if f.Subscribers() != 0 {
		t.Fatal("no subscriber expected")
	}
}

func TestDeliveryPreservesOrder(t *testing.T) {
	f := New(logging.NewLogger(), nil)
	ch := f.Subscribe("alice")

	for i := 0; i < 10; i++ {
		f.Publish("alice", Event{Type: TypeStatus, Message: fmt.Sprintf("ev-%d", i)})
	}

	for i := 0; i < 10; i++ {
		select {
		case ev := <-ch:
			if want := fmt.Sprintf("ev-%d", i); ev.Message != want {
				t.Fatalf("event %d out of order: got %q", i, ev.Message)
			}
			if ev.Timestamp.IsZero() {
				t.Fatal("expected timestamp to be stamped on publish")
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestEventsAreTenantScoped(t *testing.T) {
	f := New(logging.NewLogger(), nil)
	alice := f.Subscribe("alice")
	bob := f.Subscribe("bob")

	f.Publish("alice", Event{Type: TypeSuccess, Number: "628001"})

	select {
	case ev := <-alice:
		if ev.Number != "628001" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("alice should receive her event")
	}

	select {
	case ev := <-bob:
		t.Fatalf("bob should not receive alice's event, got %+v", ev)
	default:
	}
}

func TestResubscribeReplacesAndClosesOldChannel(t *testing.T) {
	f := New(logging.NewLogger(), nil)
	old := f.Subscribe("alice")
	replacement := f.Subscribe("alice")

	if _, open := <-old; open {
		t.Fatal("previous channel should be closed on resubscribe")
	}
	if f.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", f.Subscribers())
	}

	f.Publish("alice", Event{Type: TypeStatus})
	select {
	case <-replacement:
	case <-time.After(time.Second):
		t.Fatal("replacement channel should receive events")
	}
}

func TestLateUnsubscribeDoesNotAffectSuccessor(t *testing.T) {
	f := New(logging.NewLogger(), nil)
	old := f.Subscribe("alice")
	f.Subscribe("alice")

	// The replaced subscriber cleans up after noticing its channel closed.
	f.Unsubscribe("alice", old)

	if f.Subscribers() != 1 {
		t.Fatal("successor subscription should survive the old unsubscribe")
	}
}

func TestFullChannelDropsInsteadOfBlocking(t *testing.T) {
	f := New(logging.NewLogger(), nil)
	f.Subscribe("alice")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < channelBuffer+10; i++ {
			f.Publish("alice", Event{Type: TypeStatus})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish must never block on a slow subscriber")
	}
}
