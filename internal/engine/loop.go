// Package engine implements the Event Loop (spec §4.J): it owns stdin/stdout,
// the in-flight message map, and dispatches one goroutine per completed
// message to sign while a sibling goroutine drives the rotation scheduler.
// Grounded on other_examples' filter-rspamd.go for the read-loop/registration
// shape and on maddy's cmd/maddy graceful-shutdown idiom (an errgroup plus a
// WaitGroup draining in-flight work before exit): golang.org/x/sync/errgroup
// runs the rotation goroutine and the WaitGroup tracks the signing
// goroutines. Rotation errors are logged by the scheduler and never
// propagated through the errgroup.
package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smtpd-filters/dkimout/internal/assemble"
	"github.com/smtpd-filters/dkimout/internal/filterproto"
	"github.com/smtpd-filters/dkimout/internal/log"
	"github.com/smtpd-filters/dkimout/internal/metrics"
	"github.com/smtpd-filters/dkimout/internal/rotation"
	"github.com/smtpd-filters/dkimout/internal/signer"
	"github.com/smtpd-filters/dkimout/internal/xerrors"
)

// Engine wires the filter protocol, message assembler, signer and rotation
// scheduler together. Only Run's own goroutine ever touches Assembler, per
// spec §4.J's single-owner rule; signing tasks receive their *assemble.Message
// already removed from the map and never touch it again.
type Engine struct {
	Reader    *filterproto.LineReader
	RawOut    io.Writer // for the one-time registration write
	Out       *filterproto.OutputWriter
	Assembler *assemble.Assembler
	Signer    *signer.Signer
	Rotation  *rotation.Scheduler
	Metrics   *metrics.Metrics
	Log       log.Logger
}

// Run performs the handshake, registers as a data-line filter, then services
// entries until stdin is exhausted. It returns once all in-flight signing
// tasks have finished and the rotation goroutine has been stopped - spec
// §4.J's "exit 0 once active signing tasks finish and only the rotation task
// remains" cancellation rule.
func (e *Engine) Run(ctx context.Context) error {
	if err := filterproto.SkipHandshake(ctx, e.Reader, func(line []byte) {
		e.Log.Msg("ignoring non-handshake line", "line", string(line))
	}); err != nil {
		return err
	}
	if err := filterproto.WriteRegistration(e.RawOut); err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	rotationCtx, stopRotation := context.WithCancel(gctx)
	group.Go(func() error {
		e.runRotation(rotationCtx)
		return nil
	})

	var wg sync.WaitGroup
	defer stopRotation()

	for {
		line, err := e.Reader.ReadLine(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			stopRotation()
			wg.Wait()
			return err
		}

		entry, err := filterproto.ParseEntry(line)
		if err != nil {
			e.Log.Error("discarding unparseable filter line", err, "line", string(line))
			continue
		}

		msg, ready := e.Assembler.Feed(entry.Key(), entry.Payload)
		if !ready {
			continue
		}

		wg.Add(1)
		session, token := entry.Session, entry.Token
		go func() {
			defer wg.Done()
			e.processMessage(ctx, session, token, msg)
		}()
	}

	wg.Wait()
	stopRotation()
	_ = group.Wait() // the rotation goroutine never returns a real error
	return nil
}

// processMessage signs one reconstructed message and emits the result,
// falling back to the unsigned original on any error (spec §7: never drop
// mail). It is safe to run concurrently with other calls and with the main
// read loop, since it touches neither the Assembler map nor shared state
// beyond the mutex-guarded OutputWriter.
func (e *Engine) processMessage(ctx context.Context, session, token string, msg *assemble.Message) {
	body := msg.Bytes()

	result, err := e.Signer.Sign(ctx, body)
	if err != nil {
		e.Log.Error("signing failed, emitting message unsigned", err, "session", session, "token", token)
		if e.Metrics != nil {
			e.Metrics.UnsignedTotal.WithLabelValues(reasonLabel(err)).Inc()
		}
		e.emitLines(session, token, body)
		return
	}

	if e.Metrics != nil {
		e.Metrics.SignedTotal.Inc()
	}
	signed := append(append([]byte(nil), result.Header...), body...)
	e.emitLines(session, token, signed)
}

// emitLines writes data (CRLF-terminated lines) back through the filter
// protocol one data-line record per line, followed by the end-of-message
// sentinel (spec §4.J, §8 scenario S4).
func (e *Engine) emitLines(session, token string, data []byte) {
	lines := bytes.Split(data, []byte("\r\n"))
	// A buffer built purely of CRLF-terminated lines splits into one trailing
	// empty element; drop it so we don't emit a spurious blank line.
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	for _, line := range lines {
		if err := e.Out.WriteDataLine(session, token, line); err != nil {
			e.Log.Error("writing data line failed", err, "session", session, "token", token)
			return
		}
	}
	if err := e.Out.WriteEndOfMessage(session, token); err != nil {
		e.Log.Error("writing end-of-message sentinel failed", err, "session", session, "token", token)
	}
}

// reasonLabel maps a signing error to the short label used by the
// dkimout_unsigned_total{reason=...} counter.
func reasonLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, xerrors.ErrMalformedMessage):
		return "malformed_message"
	case errors.Is(err, xerrors.ErrDomainNotSigned):
		return "domain_not_signed"
	case errors.Is(err, xerrors.ErrNoKeyAvailable):
		return "no_key_available"
	case errors.Is(err, xerrors.ErrSignFailure):
		return "sign_failure"
	case errors.Is(err, xerrors.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "other"
	}
}

// runRotation drives the rotation scheduler's cycle/sleep loop until ctx is
// canceled (spec §4.H step 3, §4.J cancellation).
func (e *Engine) runRotation(ctx context.Context) {
	for {
		wait := e.Rotation.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
