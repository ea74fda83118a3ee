package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStartHandlesJobsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jobs := make(chan int, 3)
	var got []int
	done := Start(StartOptions[int]{
		Ctx:    ctx,
		Jobs:   jobs,
		Handle: func(_ context.Context, j int) { got = append(got, j) },
	})
	for i := 1; i <= 3; i++ {
		if err := Enqueue(nil, ctx, jobs, i); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	close(jobs)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not exit after jobs closed")
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("handled = %v, want [1 2 3]", got)
	}
}

func TestStartExitsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	jobs := make(chan int)
	done := Start(StartOptions[int]{Ctx: ctx, Jobs: jobs, Handle: func(context.Context, int) {}})
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not exit after cancel")
	}
	if err := Enqueue(context.Background(), ctx, jobs, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("Enqueue() after cancel error = %v, want context.Canceled", err)
	}
}

func TestStartRunsOneJobAtATime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jobs := make(chan int, 4)
	var live, peak atomic.Int32
	finished := make(chan struct{}, 4)
	done := Start(StartOptions[int]{
		Ctx:  ctx,
		Jobs: jobs,
		Handle: func(context.Context, int) {
			n := live.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			live.Add(-1)
			finished <- struct{}{}
		},
	})
	for i := 0; i < 4; i++ {
		jobs <- i
	}
	for i := 0; i < 4; i++ {
		<-finished
	}
	close(jobs)
	<-done
	if got := peak.Load(); got != 1 {
		t.Fatalf("concurrent jobs = %d, want 1", got)
	}
}
