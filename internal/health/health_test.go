package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Healthy: true}
	})
	r.Register("escrow_sweep", func(_ context.Context) Status {
		return Status{Detail: "not running"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy critical checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Name != "escrow_sweep" || statuses[1].Detail != "not running" {
		t.Fatalf("unexpected status %+v", statuses[1])
	}
	if !statuses[1].Critical {
		t.Fatal("Register should mark the checker critical")
	}
}

func TestRegistryOptionalDoesNotFail(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Healthy: true}
	})
	r.RegisterOptional("gateway", func(_ context.Context) Status {
		return Status{Detail: "open: transfer"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("optional failure should not make the service unhealthy")
	}
	if statuses[1].Healthy || statuses[1].Critical {
		t.Fatalf("unexpected optional status %+v", statuses[1])
	}
}

func TestRegistryTimeoutReachesChecker(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Detail: ctx.Err().Error()}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed out checker should be unhealthy")
	}
	if statuses[0].Detail != context.DeadlineExceeded.Error() {
		t.Fatalf("detail = %q", statuses[0].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func TestPing(t *testing.T) {
	if st := Ping(fakePinger{})(context.Background()); !st.Healthy {
		t.Fatalf("expected healthy, got %+v", st)
	}
	st := Ping(fakePinger{err: errors.New("connection refused")})(context.Background())
	if st.Healthy || st.Detail != "connection refused" {
		t.Fatalf("unexpected status %+v", st)
	}
}

type fakeLoop struct {
	running bool
	last    time.Time
}

func (l fakeLoop) Running() bool        { return l.running }
func (l fakeLoop) LastSweep() time.Time { return l.last }

func TestSweeping(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name    string
		loop    fakeLoop
		healthy bool
	}{
		{"stopped", fakeLoop{}, false},
		{"first sweep pending", fakeLoop{running: true}, true},
		{"recent sweep", fakeLoop{running: true, last: now.Add(-10 * time.Minute)}, true},
		{"stalled", fakeLoop{running: true, last: now.Add(-2 * time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Sweeping(tt.loop, 45*time.Minute, clock)(context.Background())
			if st.Healthy != tt.healthy {
				t.Fatalf("healthy = %v, want %v (%s)", st.Healthy, tt.healthy, st.Detail)
			}
		})
	}
}

func TestRunning(t *testing.T) {
	if st := Running(fakeLoop{running: true})(context.Background()); !st.Healthy {
		t.Fatal("running loop should be healthy")
	}
	if st := Running(fakeLoop{})(context.Background()); st.Healthy {
		t.Fatal("stopped loop should be unhealthy")
	}
}

type fakeCircuit []string

func (c fakeCircuit) OpenKeys() []string { return c }

func TestBreaker(t *testing.T) {
	if st := Breaker(fakeCircuit(nil))(context.Background()); !st.Healthy {
		t.Fatal("closed breaker should be healthy")
	}
	st := Breaker(fakeCircuit{"transfer", "refund"})(context.Background())
	if st.Healthy {
		t.Fatal("open breaker should be unhealthy")
	}
	if st.Detail != "open: refund,transfer" {
		t.Fatalf("detail = %q", st.Detail)
	}
}
