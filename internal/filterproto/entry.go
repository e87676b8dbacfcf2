// Package filterproto implements the OpenSMTPD filter line protocol
// (spec §4.A, §4.B, §6): the buffered single-owner stdin reader, the entry
// grammar `filter|V|T|smtp-in|data-line|SID|TOK|PAYLOAD`, the handshake and
// registration exchange, and the line-atomic output writer. Grounded on
// original_source/src/entry.rs and src/handshake.rs, and on the Go idiom in
// other_examples' filter-rspamd.go (bufio.Scanner loop, register| output,
// a dedicated output-draining goroutine).
package filterproto

import (
	"bytes"
	"fmt"

	"github.com/smtpd-filters/dkimout/internal/xerrors"
)

// Entry is one decoded input line (spec §3 Filter Entry).
type Entry struct {
	Version   string
	Timestamp string
	Session   string
	Token     string
	Payload   []byte
}

// Terminator is the end-of-message sentinel payload.
const Terminator = "."

// IsEndOfMessage reports whether this entry's payload is the terminator.
func (e Entry) IsEndOfMessage() bool {
	return len(e.Payload) == 1 && e.Payload[0] == '.'
}

// Key is the session.token composite used to demultiplex in-flight messages.
func (e Entry) Key() string {
	return e.Session + "." + e.Token
}

// ParseEntry decodes one line (without its trailing LF) per the grammar
// `filter|V|T|smtp-in|data-line|SID|TOK|PAYLOAD`. Fields other than PAYLOAD
// must contain no `|` and no control characters. Any deviation fails with
// xerrors.ErrBadFilterLine.
func ParseEntry(line []byte) (Entry, error) {
	fields := bytes.SplitN(line, []byte("|"), 8)
	if len(fields) != 8 {
		return Entry{}, fmt.Errorf("%w: expected 8 pipe-delimited fields, got %d", xerrors.ErrBadFilterLine, len(fields))
	}

	if !bytes.Equal(fields[0], []byte("filter")) {
		return Entry{}, fmt.Errorf("%w: unexpected protocol tag %q", xerrors.ErrBadFilterLine, fields[0])
	}
	if !bytes.Equal(fields[3], []byte("smtp-in")) {
		return Entry{}, fmt.Errorf("%w: unexpected subsystem %q", xerrors.ErrBadFilterLine, fields[3])
	}
	if !bytes.Equal(fields[4], []byte("data-line")) {
		return Entry{}, fmt.Errorf("%w: unexpected phase %q", xerrors.ErrBadFilterLine, fields[4])
	}

	version, err := parseParameter(fields[1])
	if err != nil {
		return Entry{}, err
	}
	timestamp, err := parseParameter(fields[2])
	if err != nil {
		return Entry{}, err
	}
	session, err := parseParameter(fields[5])
	if err != nil {
		return Entry{}, err
	}
	token, err := parseParameter(fields[6])
	if err != nil {
		return Entry{}, err
	}
	payload, err := parseDataField(fields[7])
	if err != nil {
		return Entry{}, err
	}

	return Entry{
		Version:   version,
		Timestamp: timestamp,
		Session:   session,
		Token:     token,
		Payload:   payload,
	}, nil
}

// parseParameter validates a non-PAYLOAD field: non-empty, no control
// characters, no '|' (already guaranteed by the split).
func parseParameter(field []byte) (string, error) {
	if len(field) == 0 {
		return "", fmt.Errorf("%w: empty field", xerrors.ErrBadFilterLine)
	}
	for _, b := range field {
		if b < 0x20 || b == 0x7f {
			return "", fmt.Errorf("%w: control character in field", xerrors.ErrBadFilterLine)
		}
	}
	return string(field), nil
}

// parseDataField validates the raw payload: any byte other than a control
// character is allowed, including '|'; HTAB is the one control character
// accepted.
func parseDataField(field []byte) ([]byte, error) {
	for _, b := range field {
		if b < 0x20 && b != '\t' || b == 0x7f {
			return nil, fmt.Errorf("%w: control character in payload", xerrors.ErrBadFilterLine)
		}
	}
	return append([]byte(nil), field...), nil
}
