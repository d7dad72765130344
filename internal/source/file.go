package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mbd888/txfeatures/internal/ingest"
)

const maxLineBytes = 1 << 20

// File replays newline-delimited JSON events. Offsets are 1-based line
// numbers. Requeued lines are delivered again before the next new one.
type File struct {
	closer  io.Closer
	scanner *bufio.Scanner
	line    int64
	retry   []*ingest.Message

	acked   int64
	skipped int64
}

// OpenFile opens path for replay. "-" reads standard input.
func OpenFile(path string) (*File, error) {
	if path == "-" {
		return NewReader(os.Stdin, nil), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	return NewReader(f, f), nil
}

// NewReader replays events from r; closer is closed by Close and may be nil.
func NewReader(r io.Reader, closer io.Closer) *File {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &File{closer: closer, scanner: sc}
}

// Poll returns the next non-blank line, or ingest.ErrEndOfStream once the
// input is exhausted.
func (f *File) Poll(ctx context.Context) (*ingest.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n := len(f.retry); n > 0 {
		m := f.retry[0]
		f.retry = f.retry[1:]
		return m, nil
	}
	for f.scanner.Scan() {
		f.line++
		b := bytes.TrimSpace(f.scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		return &ingest.Message{
			Body:   bytes.Clone(b),
			Offset: f.line,
		}, nil
	}
	if err := f.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read line %d: %w", f.line+1, err)
	}
	return nil, ingest.ErrEndOfStream
}

// Ack only counts; a file has nothing to commit.
func (f *File) Ack(_ context.Context, msgs []*ingest.Message) error {
	f.acked += int64(len(msgs))
	return nil
}

func (f *File) Reject(_ context.Context, msg *ingest.Message, requeue bool) error {
	if requeue {
		f.retry = append(f.retry, msg)
		return nil
	}
	f.skipped++
	return nil
}

// Lines returns how many lines were read so far.
func (f *File) Lines() int64 { return f.line }

// Acked returns how many messages were acknowledged.
func (f *File) Acked() int64 { return f.acked }

// Skipped returns how many messages were rejected without requeue.
func (f *File) Skipped() int64 { return f.skipped }

func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
