// Package logstream implements the daemon-wide broadcast log stream. Every
// component logs through slog; a Handler installed by the fleet mirrors each
// record into a Stream, which fans entries out to any number of subscribers
// (CLI `logs` command, job output streaming, tests).
//
// Producers never block: a slow subscriber's buffer drops its oldest entries.
package logstream

import (
	"sync"
	"time"
)

// DefaultHistory is the number of entries kept for late subscribers.
const DefaultHistory = 1000

// Entry is a single structured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Source  string         `json:"source"`
	Agent   string         `json:"agent,omitempty"`
	JobID   string         `json:"job_id,omitempty"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Stream is a multi-producer/multi-consumer broadcast channel with a bounded
// replay ring for history.
type Stream struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	history []Entry
	maxHist int
}

type subscriber struct {
	buf    []Entry
	max    int
	notify chan struct{}
	closed bool
}

// New creates a Stream retaining up to maxHistory entries for replay.
// maxHistory <= 0 uses DefaultHistory.
func New(maxHistory int) *Stream {
	if maxHistory <= 0 {
		maxHistory = DefaultHistory
	}
	return &Stream{
		subs:    make(map[int]*subscriber),
		maxHist: maxHistory,
	}
}

// Publish delivers an entry to all subscribers and appends it to history.
func (s *Stream) Publish(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	s.mu.Lock()
	s.history = append(s.history, e)
	if len(s.history) > s.maxHist {
		s.history = s.history[len(s.history)-s.maxHist:]
	}
	for _, sub := range s.subs {
		if sub.closed {
			continue
		}
		sub.buf = append(sub.buf, e)
		// Drop oldest rather than block the producer.
		if len(sub.buf) > sub.max {
			sub.buf = sub.buf[len(sub.buf)-sub.max:]
		}
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
}

// History returns up to n most recent entries, oldest first.
// n <= 0 returns the full retained history.
func (s *Stream) History(n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history
	if n > 0 && n < len(h) {
		h = h[len(h)-n:]
	}
	out := make([]Entry, len(h))
	copy(out, h)
	return out
}

// Subscribe registers a consumer with the given buffer size (<=0 uses 256).
// The returned channel emits entries in order; call cancel to unsubscribe.
// When the subscriber falls behind, its oldest buffered entries are dropped.
func (s *Stream) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &subscriber{max: buffer, notify: make(chan struct{}, 1)}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	out := make(chan Entry)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			s.mu.Lock()
			var next *Entry
			if len(sub.buf) > 0 {
				e := sub.buf[0]
				sub.buf = sub.buf[1:]
				next = &e
			}
			closed := sub.closed
			s.mu.Unlock()

			if next != nil {
				select {
				case out <- *next:
					continue
				case <-done:
					return
				}
			}
			if closed {
				return
			}
			select {
			case <-sub.notify:
			case <-done:
				return
			}
		}
	}()

	cancel := func() {
		s.mu.Lock()
		if !sub.closed {
			sub.closed = true
			delete(s.subs, id)
		}
		s.mu.Unlock()
		select {
		case sub.notify <- struct{}{}:
		default:
		}
		close(done)
	}
	return out, cancel
}

// SubscriberCount returns the number of active subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
