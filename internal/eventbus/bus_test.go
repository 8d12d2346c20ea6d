package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBus_DeliversInOrderPerSubscriber(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	err := b.Subscribe(ctx, Subscription{
		ID:     "sub1",
		Topics: []Topic{TopicTransactionValidated},
		Mode:   QueueBounded,
		Handler: func(_ context.Context, evt Event) error {
			mu.Lock()
			got = append(got, evt.Payload.(int))
			if len(got) == 5 {
				close(done)
			}
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		b.Publish(TopicTransactionValidated, i)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Errorf("got[%d] = %d, want %d (order not preserved)", i, v, i)
		}
	}
	b.Stop()
}

func TestBus_BoundedDropsOldestOnOverflow(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	block := make(chan struct{})
	var handled []int
	var mu sync.Mutex

	err := b.Subscribe(ctx, Subscription{
		ID:       "slow",
		Topics:   []Topic{TopicDisputeOpened},
		Mode:     QueueBounded,
		Capacity: 2,
		Handler: func(_ context.Context, evt Event) error {
			<-block
			mu.Lock()
			handled = append(handled, evt.Payload.(int))
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// First publish is picked up immediately by the worker and blocks on
	// <-block, leaving the queue empty for the next three.
	b.Publish(TopicDisputeOpened, 0)
	time.Sleep(20 * time.Millisecond)

	b.Publish(TopicDisputeOpened, 1)
	b.Publish(TopicDisputeOpened, 2)
	b.Publish(TopicDisputeOpened, 3) // capacity 2: should evict payload 1

	stats := b.Stats()
	if len(stats) != 1 {
		t.Fatalf("Stats() len = %d, want 1", len(stats))
	}
	if stats[0].Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats[0].Dropped)
	}

	close(block)
	time.Sleep(50 * time.Millisecond)
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	for _, v := range handled {
		if v == 1 {
			t.Errorf("payload 1 should have been dropped, but was handled: %v", handled)
		}
	}
}

func TestBus_UnboundedBackpressureBlocksPublish(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{}, 1)

	err := b.Subscribe(ctx, Subscription{
		ID:       "trust",
		Topics:   []Topic{TopicTrustUpdated},
		Mode:     QueueUnboundedBackpressure,
		Capacity: 1,
		Handler: func(_ context.Context, _ Event) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.Publish(TopicTrustUpdated, 0) // picked up by worker immediately, blocks on release
	<-started
	b.Publish(TopicTrustUpdated, 1) // fills the one-slot queue

	publishDone := make(chan struct{})
	go func() {
		b.Publish(TopicTrustUpdated, 2) // should block until the worker drains
		close(publishDone)
	}()

	select {
	case <-publishDone:
		t.Fatal("Publish returned before backpressure should have blocked it")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-publishDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish never unblocked after queue drained")
	}

	b.Stop()
}
