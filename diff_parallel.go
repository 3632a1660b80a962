package amt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	cid "github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// ParallelDiff is like Diff but compares subtrees on up to workers
// goroutines. The order of the returned changes is not defined.
func ParallelDiff(ctx context.Context, prevBs, curBs cbor.IpldStore, prev, cur cid.Cid, workers int64, opts ...Option) ([]*Change, error) {
	if workers < 1 {
		return nil, xerrors.Errorf("parallel diff needs at least one worker, got %d", workers)
	}
	start := time.Now()

	var changes []*Change
	root, err := loadDiffRoots(ctx, prevBs, curBs, prev, cur, func(ch *Change) error {
		changes = append(changes, ch)
		return nil
	}, opts)
	if err != nil || root == nil {
		return changes, err
	}

	out := make(chan *Change)
	differ, ctx := newDiffScheduler(ctx, workers, root)
	differ.startScheduler(ctx)
	differ.startWorkers(ctx, out)

	done := make(chan struct{})
	go func() {
		for change := range out {
			changes = append(changes, change)
		}
		close(done)
	}()

	err = differ.grp.Wait()
	close(out)
	<-done
	if err != nil {
		return nil, err
	}

	log.Infow("parallel diff", "duration", time.Since(start), "tasks", differ.tasks.Load(), "changes", len(changes))
	return changes, nil
}

func newDiffScheduler(ctx context.Context, numWorkers int64, rootTasks ...*task) (*diffScheduler, context.Context) {
	grp, ctx := errgroup.WithContext(ctx)
	s := &diffScheduler{
		numWorkers: numWorkers,
		stack:      rootTasks,
		in:         make(chan *task, numWorkers),
		out:        make(chan *task, numWorkers),
		grp:        grp,
	}
	s.taskWg.Add(len(rootTasks))
	return s, ctx
}

type diffScheduler struct {
	// number of worker routine to spawn
	numWorkers int64
	// buffer holds tasks until they are processed
	stack []*task
	// inbound and outbound tasks
	in, out chan *task
	// tracks number of inflight tasks
	taskWg sync.WaitGroup
	// launches workers and collects errors if any occur
	grp *errgroup.Group
	// number of tasks processed
	tasks atomic.Int64
}

func (s *diffScheduler) enqueueTask(task *task) {
	s.taskWg.Add(1)
	s.in <- task
}

func (s *diffScheduler) startScheduler(ctx context.Context) {
	s.grp.Go(func() error {
		defer func() {
			close(s.out)
			// Because the workers may have exited early (due to the context being canceled).
			for range s.out {
				s.taskWg.Done()
			}
			// Because the workers may have enqueued additional tasks.
			for range s.in {
				s.taskWg.Done()
			}
			// now, the waitgroup should be at 0, and the goroutine that was _waiting_ on it should have exited.
		}()
		go func() {
			s.taskWg.Wait()
			close(s.in)
		}()
		for {
			if n := len(s.stack) - 1; n >= 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case newJob, ok := <-s.in:
					if !ok {
						return nil
					}
					s.stack = append(s.stack, newJob)
				case s.out <- s.stack[n]:
					s.stack[n] = nil
					s.stack = s.stack[:n]
				}
			} else {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case newJob, ok := <-s.in:
					if !ok {
						return nil
					}
					s.stack = append(s.stack, newJob)
				}
			}
		}
	})
}

func (s *diffScheduler) startWorkers(ctx context.Context, out chan *Change) {
	for i := int64(0); i < s.numWorkers; i++ {
		s.grp.Go(func() error {
			for task := range s.out {
				if err := s.work(ctx, task, out); err != nil {
					return err
				}
			}
			return nil
		})
	}
}

func (s *diffScheduler) work(ctx context.Context, todo *task, results chan *Change) error {
	defer s.taskWg.Done()
	s.tasks.Add(1)

	emit := func(ch *Change) error {
		select {
		case results <- ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return diffNode(ctx, todo, emit, func(t *task) error {
		s.enqueueTask(t)
		return nil
	})
}
