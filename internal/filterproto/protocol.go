package filterproto

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// ReadyLine is the handshake terminator (spec §6).
const ReadyLine = "config|ready"

// SkipHandshake consumes lines via reader until it observes ReadyLine.
// Lines not beginning with "config|" are logged via onIgnored and
// discarded, matching the spec's "non-conforming lines are logged and
// discarded" handshake rule.
func SkipHandshake(ctx context.Context, reader *LineReader, onIgnored func(line []byte)) error {
	for {
		line, err := reader.ReadLine(ctx)
		if err != nil {
			return err
		}
		if string(line) == ReadyLine {
			return nil
		}
		if !bytes.HasPrefix(line, []byte("config|")) && onIgnored != nil {
			onIgnored(line)
		}
	}
}

// Registration is emitted immediately after the handshake completes.
const Registration = "register|filter|smtp-in|data-line\nregister|ready\n"

// WriteRegistration emits the registration sequence (spec §6).
func WriteRegistration(w io.Writer) error {
	_, err := io.WriteString(w, Registration)
	return err
}

// OutputWriter is the line-atomic stdout sink (spec §5): writes go through
// a mutex so two goroutines never interleave bytes within a single line,
// though whole lines from different messages may interleave freely.
// Grounded on the outputChannel/dedicated-writer-goroutine idiom in
// other_examples' filter-rspamd.go, simplified to a direct mutex since this
// filter does not need a buffering channel between writer and caller.
type OutputWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewOutputWriter wraps w (normally os.Stdout).
func NewOutputWriter(w io.Writer) *OutputWriter {
	return &OutputWriter{w: bufio.NewWriter(w)}
}

// WriteDataLine emits one `filter-dataline|session|token|line` record and
// flushes it, so partially written lines are never left buffered across a
// suspension point.
func (o *OutputWriter) WriteDataLine(session, token string, line []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := fmt.Fprintf(o.w, "filter-dataline|%s|%s|", session, token); err != nil {
		return err
	}
	if _, err := o.w.Write(line); err != nil {
		return err
	}
	if _, err := o.w.WriteString("\n"); err != nil {
		return err
	}
	return o.w.Flush()
}

// WriteEndOfMessage emits the `.` sentinel line for (session, token).
func (o *OutputWriter) WriteEndOfMessage(session, token string) error {
	return o.WriteDataLine(session, token, []byte("."))
}
