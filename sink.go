package rabbitmqinput

import (
	"io"
	"sync"
)

// Sink is an append-only text destination. Each WriteLine call carries one
// complete record without a trailing newline.
type Sink interface {
	WriteLine(line string) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(line string) error

// WriteLine calls f(line)
func (f SinkFunc) WriteLine(line string) error {
	return f(line)
}

// WriterSink writes newline-terminated records to an io.Writer. Each record
// is handed to the writer in a single Write call.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink wraps w
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// WriteLine writes line followed by "\n"
func (s *WriterSink) WriteLine(line string) error {
	b := make([]byte, 0, len(line)+1)
	b = append(b, line...)
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.w.Write(b)
	return err
}
