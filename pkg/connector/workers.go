package connector

import (
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// WorkerPool runs blocking jobs off the event loop. A job returns a function
// that is posted back to the loop, so results are applied like any other event.
type WorkerPool struct {
	log     zerolog.Logger
	group   errgroup.Group
	waiting sync.WaitGroup
	post    func(func()) bool
}

func NewWorkerPool(size int, post func(func()) bool, log zerolog.Logger) *WorkerPool {
	p := &WorkerPool{log: log, post: post}
	p.group.SetLimit(max(size, 1))
	return p
}

// Submit never blocks. When every worker is busy the job waits in its own
// goroutine for a free slot.
func (p *WorkerPool) Submit(name string, job func() func()) {
	run := func() error {
		apply := job()
		if apply != nil && !p.post(apply) {
			p.log.Debug().Str("job", name).Msg("Dropping worker result after event loop stopped")
		}
		return nil
	}
	if p.group.TryGo(run) {
		return
	}
	p.waiting.Add(1)
	go func() {
		defer p.waiting.Done()
		p.group.Go(run)
	}()
}

// Wait blocks until every submitted job has finished.
func (p *WorkerPool) Wait() {
	p.waiting.Wait()
	_ = p.group.Wait()
}
