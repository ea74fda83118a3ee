package worker

import "context"

// StartOptions configures a job loop. Jobs run one at a time on the loop
// goroutine.
type StartOptions[J any] struct {
	Ctx    context.Context
	Jobs   <-chan J
	Handle func(context.Context, J)
}

// Start runs Handle for each job in order until Ctx is done or Jobs is
// closed. The returned channel is closed when the loop has exited.
func Start[J any](opts StartOptions[J]) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-opts.Ctx.Done():
				return
			case job, ok := <-opts.Jobs:
				if !ok {
					return
				}
				opts.Handle(opts.Ctx, job)
			}
		}
	}()
	return done
}

func Enqueue[J any](ctx, workersCtx context.Context, jobs chan<- J, job J) error {
	if ctx == nil {
		ctx = workersCtx
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-workersCtx.Done():
		return workersCtx.Err()
	case jobs <- job:
		return nil
	}
}
