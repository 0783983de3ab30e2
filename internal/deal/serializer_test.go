package deal

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSerializerFIFOPerKey(t *testing.T) {
	s := NewSerializer()
	ctx := context.Background()
	var mu sync.Mutex
	var order []int
	var active, maxActive int

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Do(ctx, "deal-1", func(context.Context) error {
			close(started)
			<-release
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil
		})
	}()
	<-started

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_ = s.Do(ctx, "deal-1", func(context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				order = append(order, i)
				active--
				mu.Unlock()
				return nil
			})
		}()
		// wait until the submission is queued so arrival order is fixed
		deadline := time.Now().Add(time.Second)
		for s.Depth("deal-1") < i+1 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	close(release)
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("out of order execution: %v", order)
		}
	}
	if maxActive > 1 {
		t.Fatalf("concurrent execution for one key")
	}
}

func TestSerializerIndependentKeys(t *testing.T) {
	s := NewSerializer()
	ctx := context.Background()
	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Do(ctx, "a", func(context.Context) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started
	done := make(chan error, 1)
	go func() { done <- s.Do(ctx, "b", func(context.Context) error { return nil }) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("key b blocked behind key a")
	}
	close(block)
}

func TestSerializerContextCancelled(t *testing.T) {
	s := NewSerializer()
	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), "k", func(context.Context) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Do(ctx, "k", func(ctx context.Context) error { return ctx.Err() }); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(block)
}
