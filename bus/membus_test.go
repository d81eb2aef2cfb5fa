package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/toolconn/connection"
)

func change(toolID string, status connection.Status) connection.StatusChange {
	return connection.StatusChange{
		ToolID:         toolID,
		Status:         status,
		PreviousStatus: connection.StatusDisconnected,
		At:             time.Now().UTC(),
	}
}

func TestMemBus_PublishSubscribe(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("tool-1")
	defer sub.Close()

	b.Publish(change("tool-1", connection.StatusConnecting))

	select {
	case received := <-sub.Events():
		if received.Status != connection.StatusConnecting {
			t.Errorf("got status %v, want %v", received.Status, connection.StatusConnecting)
		}
		if received.ToolID != "tool-1" {
			t.Errorf("got ToolID %q, want %q", received.ToolID, "tool-1")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}
}

func TestMemBus_NotifyPublishes(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.SubscribeAll()
	defer sub.Close()

	var notifier connection.Notifier = b
	notifier.Notify(context.Background(), change("tool-1", connection.StatusConnected))

	select {
	case received := <-sub.Events():
		if received.Status != connection.StatusConnected {
			t.Errorf("got status %v, want connected", received.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}
}

func TestMemBus_FanOut(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	subs := []Subscription{b.Subscribe("tool-1"), b.Subscribe("tool-1"), b.Subscribe("tool-1")}
	for _, sub := range subs {
		defer sub.Close()
	}

	b.Publish(change("tool-1", connection.StatusError))

	for i, sub := range subs {
		select {
		case e := <-sub.Events():
			if e.Status != connection.StatusError {
				t.Errorf("sub%d: got status %v, want error", i, e.Status)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub%d: timed out", i)
		}
	}
}

func TestMemBus_ToolIsolation(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub1 := b.Subscribe("tool-1")
	defer sub1.Close()
	sub2 := b.Subscribe("tool-2")
	defer sub2.Close()

	b.Publish(change("tool-1", connection.StatusConnecting))

	select {
	case <-sub1.Events():
	case <-time.After(time.Second):
		t.Fatal("sub1 should receive tool-1 changes")
	}

	select {
	case <-sub2.Events():
		t.Fatal("sub2 should NOT receive tool-1 changes")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemBus_SubscribeAllWithToolSpecific(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	toolSub := b.Subscribe("tool-1")
	defer toolSub.Close()
	globalSub := b.SubscribeAll()
	defer globalSub.Close()

	b.Publish(change("tool-1", connection.StatusConnecting))
	b.Publish(change("tool-2", connection.StatusConnecting))

	select {
	case <-toolSub.Events():
	case <-time.After(time.Second):
		t.Fatal("tool subscriber should receive change")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-globalSub.Events():
		case <-time.After(time.Second):
			t.Fatalf("global subscriber missed change %d", i)
		}
	}
}

func TestMemBus_CloseSubscriptionDetaches(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("tool-1")
	global := b.SubscribeAll()
	if got := b.Subscribers(); got != 2 {
		t.Fatalf("Subscribers() = %d, want 2", got)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("first Close returned error: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	_ = global.Close()

	if got := b.Subscribers(); got != 0 {
		t.Fatalf("Subscribers() after Close = %d, want 0", got)
	}

	// Publishing after subscription close should not panic.
	b.Publish(change("tool-1", connection.StatusConnecting))
}

func TestMemBus_ClosedBus(t *testing.T) {
	b := NewMemBus(MemBusConfig{})

	sub := b.Subscribe("tool-1")
	b.Close()

	b.Publish(change("tool-1", connection.StatusConnecting))

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected channel to be closed after bus Close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for closed channel")
	}
	_ = sub.Close()

	late := b.SubscribeAll()
	if _, ok := <-late.Events(); ok {
		t.Fatal("subscription on closed bus should be closed")
	}
}

func TestMemBus_DefaultBufferSize(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	if b.bufSize != 256 {
		t.Errorf("default buffer size = %d, want 256", b.bufSize)
	}
}

func TestMemBus_BufferOverflow(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 2})
	defer b.Close()

	sub := b.Subscribe("tool-1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(change("tool-1", connection.StatusRetrying))
	}

	count := 0
	for {
		select {
		case <-sub.Events():
			count++
		case <-time.After(50 * time.Millisecond):
			goto done
		}
	}
done:
	if count != 2 {
		t.Errorf("received %d changes, want 2 (buffer size)", count)
	}
	if got := b.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}

func TestMemBus_ConcurrentSubscribePublish(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 100})
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := b.Subscribe("tool-1")
			defer sub.Close()
			b.Publish(change("tool-1", connection.StatusConnecting))
		}()
		go func() {
			defer wg.Done()
			sub := b.SubscribeAll()
			defer sub.Close()
			b.Publish(change("tool-2", connection.StatusConnected))
		}()
	}
	wg.Wait()

	if got := b.Subscribers(); got != 0 {
		t.Fatalf("Subscribers() = %d, want 0", got)
	}
}
