package engine

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/smtpd-filters/dkimout/internal/assemble"
	"github.com/smtpd-filters/dkimout/internal/config"
	"github.com/smtpd-filters/dkimout/internal/filterproto"
	"github.com/smtpd-filters/dkimout/internal/keyalgo"
	"github.com/smtpd-filters/dkimout/internal/log"
	"github.com/smtpd-filters/dkimout/internal/signer"
)

type stubKeyLookup struct {
	selector, privateKeyB64 string
	empty                   bool
}

func (s stubKeyLookup) LatestSigningKey(ctx context.Context, sdid, algorithm string) (string, string, bool, error) {
	if s.empty {
		return "", "", false, nil
	}
	return s.selector, s.privateKeyB64, true, nil
}

func buildEngine(t *testing.T, store stubKeyLookup) (*Engine, *bytes.Buffer) {
	t.Helper()
	cfg := config.Config{
		Domains:       []string{"example.org"},
		Algorithm:     keyalgo.Ed25519SHA256,
		Canon:         config.CanonPair{Header: config.Simple, Body: config.Simple},
		SignedHeaders: []string{"From", "Subject"},
	}
	sgn := signer.New(store, cfg, signer.Clock{
		Now:   func() time.Time { return time.Unix(1681595158, 0) },
		Sleep: func(time.Duration) {},
	})

	var out bytes.Buffer
	e := &Engine{
		Reader:    filterproto.NewLineReader(strings.NewReader("")),
		RawOut:    &out,
		Out:       filterproto.NewOutputWriter(&out),
		Assembler: assemble.New(),
		Signer:    sgn,
		Log:       log.New(zapcore.ErrorLevel, 0),
	}
	return e, &out
}

// Scenario S4 (spec §8): a two-line body yields a DKIM-Signature header, the
// body lines with CR stripped, then the "." sentinel.
func TestProcessMessageSignsAndEmitsBody(t *testing.T) {
	store := stubKeyLookup{selector: "dkim-test", privateKeyB64: "Av46g0s6+qCczlLeIkSmD/yD7GX5pDjl8SVTSeVZIhc="}
	e, out := buildEngine(t, store)

	feedEntry := func(payload string) {
		entry, err := filterproto.ParseEntry([]byte("filter|0.5|1700000000|smtp-in|data-line|sess2|tok2|" + payload))
		if err != nil {
			t.Fatalf("ParseEntry(%q): %v", payload, err)
		}
		msg, ready := e.Assembler.Feed(entry.Key(), entry.Payload)
		if ready {
			e.processMessage(context.Background(), entry.Session, entry.Token, msg)
		}
	}

	feedEntry("From: user@example.org")
	feedEntry("")
	feedEntry("hello")
	feedEntry(".")

	got := out.String()
	if !strings.Contains(got, "filter-dataline|sess2|tok2|DKIM-Signature: v=1;") {
		t.Fatalf("missing signed header in output: %q", got)
	}
	if !strings.Contains(got, "filter-dataline|sess2|tok2|From: user@example.org\n") {
		t.Fatalf("missing From line: %q", got)
	}
	if !strings.Contains(got, "filter-dataline|sess2|tok2|hello\n") {
		t.Fatalf("missing body line: %q", got)
	}
	if !strings.HasSuffix(got, "filter-dataline|sess2|tok2|.\n") {
		t.Fatalf("missing terminator at end: %q", got)
	}
}

func TestProcessMessageFallsBackToUnsignedOnError(t *testing.T) {
	store := stubKeyLookup{empty: true}
	e, out := buildEngine(t, store)

	feed := func(payload string) *assemble.Message {
		entry, err := filterproto.ParseEntry([]byte("filter|0.5|1700000000|smtp-in|data-line|sess3|tok3|" + payload))
		if err != nil {
			t.Fatalf("ParseEntry(%q): %v", payload, err)
		}
		msg, ready := e.Assembler.Feed(entry.Key(), entry.Payload)
		if ready {
			return msg
		}
		return nil
	}

	feed("From: user@example.org")
	feed("")
	msg := feed("hello")
	if msg != nil {
		t.Fatal("message should not be ready until the terminator")
	}
	msg = feed(".")
	if msg == nil {
		t.Fatal("expected the message to be ready after the terminator")
	}

	e.processMessage(context.Background(), "sess3", "tok3", msg)

	got := out.String()
	if strings.Contains(got, "DKIM-Signature") {
		t.Fatalf("expected unsigned fallback, got a DKIM-Signature header: %q", got)
	}
	if !strings.Contains(got, "filter-dataline|sess3|tok3|From: user@example.org\n") {
		t.Fatalf("expected the original unsigned line, got: %q", got)
	}
	if !strings.HasSuffix(got, "filter-dataline|sess3|tok3|.\n") {
		t.Fatalf("missing terminator: %q", got)
	}
}
