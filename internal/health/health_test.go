package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(0)
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
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("scheduler", func(_ context.Context) Status {
		return Status{Healthy: false, Detail: "not running"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Name != "scheduler" {
		t.Fatalf("expected registered name to fill blank status name, got %q", statuses[1].Name)
	}
}

func TestRegistryAppliesTimeout(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Healthy: false, Detail: ctx.Err().Error()}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed out check should be unhealthy")
	}
	if statuses[0].Detail != context.DeadlineExceeded.Error() {
		t.Fatalf("unexpected detail %q", statuses[0].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry(0)
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
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestDatabaseChecker(t *testing.T) {
	if st := DatabaseChecker(fakePinger{})(context.Background()); !st.Healthy {
		t.Fatal("expected healthy")
	}
	st := DatabaseChecker(fakePinger{err: errors.New("refused")})(context.Background())
	if st.Healthy || st.Detail != "refused" {
		t.Fatalf("unexpected status %+v", st)
	}
}

type fakeLoop struct {
	running bool
	last    time.Time
}

func (f fakeLoop) Running() bool       { return f.running }
func (f fakeLoop) LastTick() time.Time { return f.last }

func TestLoopChecker(t *testing.T) {
	ctx := context.Background()
	if st := LoopChecker("scheduler", fakeLoop{}, time.Minute)(ctx); st.Healthy {
		t.Fatal("stopped loop should be unhealthy")
	}
	if st := LoopChecker("scheduler", fakeLoop{running: true}, time.Minute)(ctx); !st.Healthy {
		t.Fatal("loop without a tick yet should be healthy")
	}
	if st := LoopChecker("scheduler", fakeLoop{running: true, last: time.Now()}, time.Minute)(ctx); !st.Healthy {
		t.Fatal("fresh loop should be healthy")
	}
	if st := LoopChecker("scheduler", fakeLoop{running: true, last: time.Now().Add(-time.Hour)}, time.Minute)(ctx); st.Healthy {
		t.Fatal("stale loop should be unhealthy")
	}
}
