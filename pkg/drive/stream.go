package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
)

const (
	// DefaultChunkSize is the size of each chunk a stream moves.
	DefaultChunkSize = 64 * 1024

	// DefaultStreamBuffer is the number of chunks a stream holds before
	// the producer blocks.
	DefaultStreamBuffer = 16
)

// ErrStreamClosed is returned when writing to a closed stream.
var ErrStreamClosed = errors.New("stream closed")

// ReadStreamOptions selects the byte range a ReadStream produces.
type ReadStreamOptions struct {
	Start int64
	// Length limits the number of bytes read. Zero or negative reads to
	// end of file.
	Length    int64
	ChunkSize int
	Buffer    int
}

// ReadStream pulls a file out of a drive as a bounded channel of chunks.
// The producer blocks while the channel is full, so the consumer's pace
// drives the reads.
type ReadStream struct {
	chunks chan []byte
	stop   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

// NewReadStream starts reading name from d.
func NewReadStream(ctx context.Context, d Drive, name string, opts ReadStreamOptions) *ReadStream {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultStreamBuffer
	}

	s := &ReadStream{
		chunks: make(chan []byte, opts.Buffer),
		stop:   make(chan struct{}),
	}
	go s.produce(ctx, d, name, opts)
	return s
}

func (s *ReadStream) produce(ctx context.Context, d Drive, name string, opts ReadStreamOptions) {
	defer close(s.chunks)

	offset := opts.Start
	remaining := opts.Length
	for {
		size := opts.ChunkSize
		if opts.Length > 0 {
			if remaining <= 0 {
				return
			}
			if remaining < int64(size) {
				size = int(remaining)
			}
		}

		buf := make([]byte, size)
		n, err := d.ReadAt(ctx, name, buf, offset)
		if n > 0 {
			select {
			case s.chunks <- buf[:n]:
			case <-s.stop:
				return
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			}
			offset += int64(n)
			remaining -= int64(n)
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.setErr(err)
			return
		}
		if n == 0 {
			return
		}
	}
}

func (s *ReadStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Chunks is closed when the range has been read, an error occurred, or the
// stream was closed.
func (s *ReadStream) Chunks() <-chan []byte {
	return s.chunks
}

// Err reports the error that ended the stream, if any. Only meaningful
// after Chunks has been drained.
func (s *ReadStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the producer. Safe to call more than once.
func (s *ReadStream) Close() {
	s.once.Do(func() { close(s.stop) })
}

// WriteStreamOptions configures a WriteStream.
type WriteStreamOptions struct {
	Mode   fs.FileMode
	Buffer int
}

// WriteStream pushes chunks into a drive file through a bounded channel.
// Write blocks while the consumer is behind.
type WriteStream struct {
	chunks chan []byte
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	err    error
}

// NewWriteStream truncates (or creates) name and returns a stream that
// appends every written chunk to it.
func NewWriteStream(ctx context.Context, d Drive, name string, opts WriteStreamOptions) (*WriteStream, error) {
	if opts.Mode == 0 {
		opts.Mode = 0o644
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultStreamBuffer
	}
	if err := d.Create(ctx, name, opts.Mode); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &WriteStream{
		chunks: make(chan []byte, opts.Buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go w.consume(ctx, d, name)
	return w, nil
}

func (w *WriteStream) consume(ctx context.Context, d Drive, name string) {
	defer close(w.done)

	var offset int64
	for {
		select {
		case chunk, ok := <-w.chunks:
			if !ok {
				return
			}
			n, err := d.WriteAt(ctx, name, chunk, offset)
			if err != nil {
				w.setErr(err)
				return
			}
			offset += int64(n)
		case <-ctx.Done():
			w.setErr(ctx.Err())
			return
		}
	}
}

func (w *WriteStream) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

func (w *WriteStream) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Write queues a copy of p. It blocks while the buffer is full.
func (w *WriteStream) Write(p []byte) (int, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return 0, ErrStreamClosed
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)

	select {
	case <-w.done:
		if err := w.failure(); err != nil {
			return 0, err
		}
		return 0, ErrStreamClosed
	default:
	}

	select {
	case w.chunks <- chunk:
		return len(p), nil
	case <-w.done:
		if err := w.failure(); err != nil {
			return 0, err
		}
		return 0, ErrStreamClosed
	}
}

// Close flushes queued chunks and reports the first write error. Safe to
// call more than once and from concurrent goroutines, but not
// concurrently with Write.
func (w *WriteStream) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.chunks)
	}
	w.mu.Unlock()

	<-w.done
	w.cancel()
	if err := w.failure(); err != nil {
		return fmt.Errorf("write stream: %w", err)
	}
	return nil
}

// Abort discards queued chunks and stops the consumer. Idempotent.
func (w *WriteStream) Abort() {
	w.cancel()
	<-w.done
}
