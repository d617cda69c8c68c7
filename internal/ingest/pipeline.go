package ingest

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// job is one frame travelling through the pipeline. done is closed once
// payload or err is set.
type job struct {
	payload []byte
	err     error
	done    chan struct{}
}

// pipeline decompresses frames concurrently and emits results in submission
// order. A single emitter goroutine waits on jobs head-first, so frame N is
// always emitted before frame N+1 regardless of which finishes inflating first.
type pipeline struct {
	ctx      context.Context
	sem      *semaphore.Weighted
	decode   func([]byte) ([]byte, error)
	emit     func([]byte)
	fail     func(error)
	jobs     chan *job
	finished chan struct{}
}

func newPipeline(ctx context.Context, depth int, sem *semaphore.Weighted, decode func([]byte) ([]byte, error), emit func([]byte), fail func(error)) *pipeline {
	p := &pipeline{
		ctx:      ctx,
		sem:      sem,
		decode:   decode,
		emit:     emit,
		fail:     fail,
		jobs:     make(chan *job, depth),
		finished: make(chan struct{}),
	}
	go p.run()
	return p
}

// submit queues a frame for decompression. It blocks while depth frames are
// already in flight and returns false once ctx is cancelled.
func (p *pipeline) submit(frame []byte) bool {
	if p.ctx.Err() != nil {
		return false
	}
	j := &job{done: make(chan struct{})}

	select {
	case p.jobs <- j:
	case <-p.ctx.Done():
		return false
	}

	go func() {
		defer close(j.done)
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			j.err = err
			return
		}
		defer p.sem.Release(1)
		j.payload, j.err = p.decode(frame)
	}()
	return true
}

func (p *pipeline) run() {
	defer close(p.finished)

	for j := range p.jobs {
		<-j.done
		if j.err != nil {
			p.fail(j.err)
			continue
		}
		p.emit(j.payload)
	}
}

// close stops accepting frames and waits for queued ones to be emitted or
// dropped. Must not be called concurrently with submit.
func (p *pipeline) close() {
	close(p.jobs)
	<-p.finished
}
