package executor

import (
	"context"
	"sync"

	"github.com/jholhewres/herdctl/pkg/herdctl/logstream"
)

// jobBuffer retains a job's structured log entries so StreamJobOutput can be
// attached late and still replay everything from the beginning. The sequence
// is finite: it closes when the job reaches a terminal outcome.
type jobBuffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []logstream.Entry
	done    bool
	closed  chan struct{}
}

func newJobBuffer() *jobBuffer {
	b := &jobBuffer{closed: make(chan struct{})}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// append records an entry and wakes all streams.
func (b *jobBuffer) append(e logstream.Entry) {
	b.mu.Lock()
	if !b.done {
		b.entries = append(b.entries, e)
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

// close marks the job terminal; streams drain and finish.
func (b *jobBuffer) close() {
	b.mu.Lock()
	if !b.done {
		b.done = true
		close(b.closed)
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

// stream replays the buffer from the start and follows until the buffer
// closes or ctx is cancelled. The returned channel is closed at the end.
func (b *jobBuffer) stream(ctx context.Context) <-chan logstream.Entry {
	out := make(chan logstream.Entry)

	// Wake the reader when the caller gives up.
	go func() {
		select {
		case <-ctx.Done():
			b.cond.Broadcast()
		case <-b.closed:
		}
	}()

	go func() {
		defer close(out)
		i := 0
		for {
			b.mu.Lock()
			for i >= len(b.entries) && !b.done && ctx.Err() == nil {
				b.cond.Wait()
			}
			if ctx.Err() != nil {
				b.mu.Unlock()
				return
			}
			if i >= len(b.entries) && b.done {
				b.mu.Unlock()
				return
			}
			e := b.entries[i]
			i++
			b.mu.Unlock()

			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
