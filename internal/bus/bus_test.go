package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestFactory(t *testing.T) {
	t.Run("channel", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 10})
		if err != nil {
			t.Fatalf("factory failed: %v", err)
		}
		defer b.Close()
		if _, ok := b.(*ChannelBus); !ok {
			t.Errorf("expected ChannelBus, got %T", b)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unknown bus type")
		}
	})
}

func TestChannelBusPublishSubscribe(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	received := make(chan *domain.Message, 1)
	sub, err := b.Subscribe(ctx, domain.TopicAssessRequested, func(ctx context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if sub.Topic() != domain.TopicAssessRequested {
		t.Errorf("unexpected subscription topic: %q", sub.Topic())
	}

	if err := b.Publish(ctx, domain.TopicAssessRequested, []byte(`{"requestId":"r-1"}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Topic != domain.TopicAssessRequested {
			t.Errorf("unexpected topic: %q", msg.Topic)
		}
		if string(msg.Payload) != `{"requestId":"r-1"}` {
			t.Errorf("unexpected payload: %s", msg.Payload)
		}
		if msg.ID == "" {
			t.Error("message should carry an id")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestChannelBusTopicIsolation(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	alerts := make(chan *domain.Message, 1)
	sub, err := b.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, domain.TopicAssessCompleted, []byte("other")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-alerts:
		t.Errorf("received message from wrong topic: %s", msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelBusFanOut(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		done := false
		var mu sync.Mutex
		_, err := b.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			mu.Lock()
			defer mu.Unlock()
			if !done {
				done = true
				wg.Done()
			}
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
	}

	if err := b.Publish(ctx, domain.TopicAlert, []byte("alert")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("not all subscribers received the message")
	}
}

func TestChannelBusCloseDuringPublish(t *testing.T) {
	b := NewChannelBus(1)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := b.Subscribe(ctx, domain.TopicAlert, func(context.Context, *domain.Message) error { return nil }); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
	}

	// Publishers racing Close must never panic on a subscriber channel.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := b.Publish(ctx, domain.TopicAlert, []byte("x")); err != nil {
					return
				}
			}
		}()
	}

	time.Sleep(time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	wg.Wait()
}

func TestChannelBusClose(t *testing.T) {
	b := NewChannelBus(10)
	ctx := context.Background()

	if err := b.Ping(ctx); err != nil {
		t.Fatalf("ping failed on open bus: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("double close should be a no-op: %v", err)
	}

	if err := b.Publish(ctx, domain.TopicAlert, []byte("x")); err == nil {
		t.Error("publish on closed bus should fail")
	}
	if _, err := b.Subscribe(ctx, domain.TopicAlert, func(context.Context, *domain.Message) error { return nil }); err == nil {
		t.Error("subscribe on closed bus should fail")
	}
	if err := b.Ping(ctx); err == nil {
		t.Error("ping on closed bus should fail")
	}
}
