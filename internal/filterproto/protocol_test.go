package filterproto

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestSkipHandshake(t *testing.T) {
	in := "config|foo|bar\nsome garbage\nconfig|baz\nconfig|ready\nfilter|0.5|1|smtp-in|data-line|s|t|x\n"
	r := NewLineReader(strings.NewReader(in))
	var ignored [][]byte
	err := SkipHandshake(context.Background(), r, func(line []byte) {
		ignored = append(ignored, append([]byte(nil), line...))
	})
	if err != nil {
		t.Fatalf("SkipHandshake: %v", err)
	}
	if len(ignored) != 1 || string(ignored[0]) != "some garbage" {
		t.Errorf("ignored = %q", ignored)
	}

	line, err := r.ReadLine(context.Background())
	if err != nil {
		t.Fatalf("ReadLine after handshake: %v", err)
	}
	if !strings.HasPrefix(string(line), "filter|") {
		t.Errorf("next line after handshake = %q", line)
	}
}

func TestWriteRegistration(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRegistration(&buf); err != nil {
		t.Fatalf("WriteRegistration: %v", err)
	}
	want := "register|filter|smtp-in|data-line\nregister|ready\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestOutputWriterDataLineAndEOM(t *testing.T) {
	var buf bytes.Buffer
	w := NewOutputWriter(&buf)
	if err := w.WriteDataLine("sess1", "tok1", []byte("hello")); err != nil {
		t.Fatalf("WriteDataLine: %v", err)
	}
	if err := w.WriteEndOfMessage("sess1", "tok1"); err != nil {
		t.Fatalf("WriteEndOfMessage: %v", err)
	}
	want := "filter-dataline|sess1|tok1|hello\nfilter-dataline|sess1|tok1|.\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

// Scenario S3: terminator-only input emits only the sentinel line.
func TestScenarioS3BareTerminator(t *testing.T) {
	e, err := ParseEntry([]byte("filter|0.5|1700000000|smtp-in|data-line|sess1|tok1|."))
	if err != nil {
		t.Fatalf("ParseEntry: %v", err)
	}
	var buf bytes.Buffer
	w := NewOutputWriter(&buf)
	if err := w.WriteEndOfMessage(e.Session, e.Token); err != nil {
		t.Fatalf("WriteEndOfMessage: %v", err)
	}
	if buf.String() != "filter-dataline|sess1|tok1|.\n" {
		t.Errorf("got %q", buf.String())
	}
}
