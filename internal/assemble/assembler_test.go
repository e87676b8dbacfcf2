package assemble

import "testing"

// Scenario S3: terminator with no prior lines synthesizes an empty message.
func TestFeedTerminatorOnlyYieldsEmptyMessage(t *testing.T) {
	a := New()
	msg, ready := a.Feed(Key("sess1", "tok1"), []byte("."))
	if !ready {
		t.Fatal("expected ready=true for bare terminator")
	}
	if len(msg.Bytes()) != 0 {
		t.Fatalf("expected empty buffer, got %q", msg.Bytes())
	}
}

// Scenario S4: a two-line body followed by the terminator.
func TestFeedTwoLineBody(t *testing.T) {
	a := New()
	key := Key("sess2", "tok2")

	if _, ready := a.Feed(key, []byte("From: user@example.org")); ready {
		t.Fatal("unexpected ready on first line")
	}
	if _, ready := a.Feed(key, []byte("")); ready {
		t.Fatal("unexpected ready on blank line")
	}
	if _, ready := a.Feed(key, []byte("hello")); ready {
		t.Fatal("unexpected ready on body line")
	}
	msg, ready := a.Feed(key, []byte("."))
	if !ready {
		t.Fatal("expected ready=true on terminator")
	}

	want := "From: user@example.org\r\n\r\nhello\r\n"
	if string(msg.Bytes()) != want {
		t.Fatalf("assembled = %q, want %q", msg.Bytes(), want)
	}
	if msg.LineCount() != 3 {
		t.Fatalf("LineCount() = %d, want 3", msg.LineCount())
	}
}

func TestFeedPreservesTrailingCR(t *testing.T) {
	a := New()
	key := Key("sess3", "tok3")
	a.Feed(key, []byte("already-has-cr\r"))
	msg, ready := a.Feed(key, []byte("."))
	if !ready {
		t.Fatal("expected ready")
	}
	want := "already-has-cr\r\n"
	if string(msg.Bytes()) != want {
		t.Fatalf("assembled = %q, want %q", msg.Bytes(), want)
	}
}

func TestFeedIsolatesDistinctKeys(t *testing.T) {
	a := New()
	a.Feed(Key("s1", "t1"), []byte("line for s1"))
	a.Feed(Key("s2", "t2"), []byte("line for s2"))

	msg1, ready1 := a.Feed(Key("s1", "t1"), []byte("."))
	if !ready1 || string(msg1.Bytes()) != "line for s1\r\n" {
		t.Fatalf("s1 message = %q, ready=%v", msg1.Bytes(), ready1)
	}

	msg2, ready2 := a.Feed(Key("s2", "t2"), []byte("."))
	if !ready2 || string(msg2.Bytes()) != "line for s2\r\n" {
		t.Fatalf("s2 message = %q, ready=%v", msg2.Bytes(), ready2)
	}
}

func TestChunkGrowthAmortizesAllocation(t *testing.T) {
	a := New()
	key := Key("big", "msg")
	line := make([]byte, 100)
	for i := range line {
		line[i] = 'x'
	}
	const lines = 20000
	for i := 0; i < lines; i++ {
		a.Feed(key, line)
	}
	msg, ready := a.Feed(key, []byte("."))
	if !ready {
		t.Fatal("expected ready=true on terminator")
	}
	wantLen := lines * (len(line) + 2)
	if len(msg.Bytes()) != wantLen {
		t.Fatalf("assembled length = %d, want %d", len(msg.Bytes()), wantLen)
	}
	if msg.LineCount() != lines {
		t.Fatalf("LineCount() = %d, want %d", msg.LineCount(), lines)
	}
	if cap(msg.Bytes())%DefaultMsgSize != 0 {
		t.Fatalf("buffer capacity = %d, want a multiple of DefaultMsgSize (%d)", cap(msg.Bytes()), DefaultMsgSize)
	}
}
