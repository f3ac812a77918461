package jobmanager

import (
	"fmt"
	"sync"
	"time"
)

// EventKind is a job lifecycle transition.
type EventKind int

const (
	EventQueued EventKind = iota
	EventStarted
	EventFinished
)

var eventKinds = []string{"queued", "started", "finished"}

func (k EventKind) String() string {
	if int(k) < 0 || int(k) >= len(eventKinds) {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}

	return eventKinds[k]
}

// Event describes a job lifecycle transition. Result is only meaningful for
// EventFinished.
type Event struct {
	Kind        EventKind
	Job         JobID
	Unit        string
	Type        JobType
	Result      JobResult
	Transaction string
	Time        time.Time

	// Duration is the time since the job was queued, set on EventFinished.
	Duration time.Duration
}

// subscriberBuffer is the number of events buffered per subscriber before
// events are dropped for it.
const subscriberBuffer = 256

type broadcaster struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Event
	closed bool
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}

	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
