// Package output fans the combined output of a process out to any number of
// readers. Each reader starts from the oldest retained byte.
package output

import (
	"io"
	"sync"
)

const (
	initialBufferCapacity = 4096
	readBufferSize        = 4096

	// maxBufferSize bounds the output retained per process. Once the buffer
	// is full it wraps and new output overwrites the oldest.
	maxBufferSize = 1 << 20
)

// Streamer reads from a source io.ReadCloser until EOF and keeps the most
// recent output in memory for its readers.
type Streamer struct {
	// buffer holds the byte at stream offset o at buffer[o%maxBufferSize].
	buffer []byte

	// written is the number of bytes read from the source so far.
	written int

	done chan struct{}
	mu   sync.Mutex
	cond sync.Cond
}

// NewStreamer creates a Streamer that immediately begins reading from
// source.
func NewStreamer(source io.ReadCloser) *Streamer {
	s := &Streamer{
		buffer: make([]byte, 0, initialBufferCapacity),
		done:   make(chan struct{}),
	}

	s.cond.L = &s.mu

	go s.processOutput(source)

	return s
}

func (s *Streamer) processOutput(source io.ReadCloser) {
	defer func() {
		source.Close()

		s.mu.Lock()
		close(s.done)
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	buffer := make([]byte, readBufferSize)

	for {
		n, err := source.Read(buffer)
		if n > 0 {
			s.mu.Lock()
			s.append(buffer[:n])
			s.cond.Broadcast()
			s.mu.Unlock()
		}

		if err != nil {
			return
		}
	}
}

// append must be called with mu held.
func (s *Streamer) append(p []byte) {
	for len(p) > 0 {
		var n int

		if len(s.buffer) < maxBufferSize {
			n = min(len(p), maxBufferSize-len(s.buffer))
			s.buffer = append(s.buffer, p[:n]...)
		} else {
			n = copy(s.buffer[s.written%maxBufferSize:], p)
		}

		s.written += n
		p = p[n:]
	}
}

// base is the stream offset of the oldest retained byte. Must be called
// with mu held.
func (s *Streamer) base() int {
	return max(0, s.written-maxBufferSize)
}

// Subscribe returns an io.ReadCloser for reading data from the Streamer.
// Close cancels the subscription.
func (s *Streamer) Subscribe() io.ReadCloser {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &reader{s: s, position: s.base()}
}

// Done returns a channel that is closed once the source has been drained.
func (s *Streamer) Done() <-chan struct{} {
	return s.done
}

func (s *Streamer) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
