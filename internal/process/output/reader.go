package output

import (
	"io"
	"sync/atomic"
)

// reader tracks its own position in the stream of a Streamer. A reader
// that falls behind the retained output skips ahead to the oldest byte
// still held. Safe for concurrent use.
type reader struct {
	position int
	closed   atomic.Bool

	s *Streamer
}

// Read blocks until output is available. It returns io.EOF once the reader
// is closed or the stream has ended and been read in full.
func (r *reader) Read(p []byte) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for r.position >= r.end() && !r.isFinished() {
		r.s.cond.Wait()
	}

	if r.isFinished() {
		return 0, io.EOF
	}

	r.position = max(r.position, r.s.base())

	// Copy up to the end of the output or the end of the buffer, whichever
	// comes first.
	start := r.position % maxBufferSize
	stop := min(len(r.s.buffer), start+r.end()-r.position)
	n := copy(p, r.s.buffer[start:stop])

	r.position += n

	return n, nil
}

// Close unsubscribes the reader and wakes any blocked Read. Closing twice
// returns io.ErrClosedPipe.
func (r *reader) Close() error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.closed.Swap(true) {
		return io.ErrClosedPipe
	}

	r.s.cond.Broadcast()

	return nil
}

func (r *reader) end() int {
	return r.s.written
}

func (r *reader) isFinished() bool {
	return r.closed.Load() || (r.s.isDone() && r.position >= r.end())
}
