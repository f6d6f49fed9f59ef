// Package errlog is the append-only diagnostic file written whenever an image
// fails to optimize.  Writing is best effort: failures are reported to the
// structured logger and never returned.
package errlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Skryldev/image-optimizer/core"
)

// TimeLayout is the timestamp format of every line.
const TimeLayout = "2006-01-02 15:04:05"

// Sink receives one line per failed image.
type Sink interface {
	Append(path, message string)
}

// File appends lines to a file, opening it for every write so external
// rotation or deletion is picked up.
type File struct {
	path   string
	logger core.Logger
	now    func() time.Time

	mu sync.Mutex
}

// Option customises a File.
type Option func(*File)

// WithLogger reports write failures to l.
func WithLogger(l core.Logger) Option { return func(f *File) { f.logger = l } }

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(f *File) { f.now = now } }

// New returns a File sink writing to path.
func New(path string, opts ...Option) *File {
	f := &File{path: path, now: time.Now}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Path returns the file the sink appends to.
func (f *File) Path() string { return f.path }

// Append writes "<timestamp> - Error optimizing <path>: <message>".
func (f *File) Append(path, message string) {
	line := Format(f.now(), path, message)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.write(line); err != nil && f.logger != nil {
		f.logger.Warn("errlog.append failed", "file", f.path, "error", err)
	}
}

func (f *File) write(line string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	fh, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := fh.WriteString(line); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

// Format renders one log line including the trailing newline.
func Format(ts time.Time, path, message string) string {
	return fmt.Sprintf("%s - Error optimizing %s: %s\n", ts.Format(TimeLayout), path, message)
}

// Discard drops every line.
type Discard struct{}

func (Discard) Append(string, string) {}

var (
	_ Sink = (*File)(nil)
	_ Sink = Discard{}
)
