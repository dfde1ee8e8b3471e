package health

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(time.Second)
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("sweeper", Running(func() bool { return true }))
	r.Register("processor", NoOpenCircuits(func() []string { return []string{"refund", "transfer"} }))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "sweeper" || !statuses[0].Healthy {
		t.Fatalf("unexpected first status %+v", statuses[0])
	}
	if statuses[1].Name != "processor" || statuses[1].Detail != "open: refund,transfer" {
		t.Fatalf("unexpected second status %+v", statuses[1])
	}
}

func TestRegistryCheckerTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		select {
		case <-ctx.Done():
			return Status{Healthy: false, Detail: ctx.Err().Error()}
		case <-time.After(time.Second):
			return Status{Healthy: true}
		}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("slow checker should time out unhealthy")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("CheckAll did not honor the per-check timeout")
	}
	if statuses[0].Detail == "" {
		t.Fatal("expected timeout detail")
	}
}

func TestRunning(t *testing.T) {
	st := Running(func() bool { return false })(context.Background())
	if st.Healthy || st.Detail != "not running" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry(time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("x", func(context.Context) Status { return Status{Healthy: true} })
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy || len(statuses) != 20 {
		t.Fatalf("expected 20 healthy statuses, got %d (healthy=%v)", len(statuses), healthy)
	}
}
