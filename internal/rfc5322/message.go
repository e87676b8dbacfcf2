// Package rfc5322 splits an assembled message into its header block and
// body (spec §4.D), and tokenizes the header block into individual raw
// headers, honoring RFC 5322 folding. Grounded on
// original_source/src/parsed_message.rs (header_end_pos, colon split) and
// the Go idiom in other_examples' chasquid message parser.
package rfc5322

import (
	"bytes"
	"fmt"

	"github.com/smtpd-filters/dkimout/internal/xerrors"
)

// Header is one borrowed view into the assembled message buffer.
type Header struct {
	Name      string // original case
	NameLower string
	Value     []byte // bytes after the colon, up to the end of the unfolded line
	Raw       []byte // raw bytes including folded continuations, terminated by CRLF
}

// Message is the parsed view produced by Split: an ordered header list plus
// the body slice. Both borrow into the same underlying buffer that was
// passed to Split.
type Message struct {
	Headers []Header
	Body    []byte
}

// Split locates the first CRLFCRLF boundary, tokenizes the header block and
// returns the parsed view. It fails with xerrors.ErrMalformedMessage if no
// boundary exists, a header has no colon, or a header name is non-ASCII.
func Split(buf []byte) (Message, error) {
	boundary := bytes.Index(buf, []byte("\r\n\r\n"))
	if boundary < 0 {
		return Message{}, fmt.Errorf("%w: no header/body boundary found", xerrors.ErrMalformedMessage)
	}

	// The separating CRLF is retained as the terminator of the last header.
	headerBlock := buf[:boundary+2]
	body := buf[boundary+4:]

	headers, err := tokenizeHeaders(headerBlock)
	if err != nil {
		return Message{}, err
	}

	return Message{Headers: headers, Body: body}, nil
}

// tokenizeHeaders walks the header block, splitting it at CRLFs that are
// not followed by SP/HTAB (fold continuations), then splits each resulting
// raw header at its first colon.
func tokenizeHeaders(block []byte) ([]Header, error) {
	var headers []Header

	start := 0
	for start < len(block) {
		end := findHeaderEnd(block, start)
		raw := block[start : end+2] // include the terminating CRLF
		h, err := parseOneHeader(raw)
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
		start = end + 2
	}

	return headers, nil
}

// findHeaderEnd returns the index of the CR of the CRLF that ends the
// logical header starting at start (i.e. the first CRLF not followed by
// whitespace, or the final CRLF of the block).
func findHeaderEnd(block []byte, start int) int {
	pos := start
	for {
		idx := bytes.Index(block[pos:], []byte("\r\n"))
		if idx < 0 {
			return len(block) - 2
		}
		crlf := pos + idx
		next := crlf + 2
		if next < len(block) && (block[next] == ' ' || block[next] == '\t') {
			pos = next
			continue
		}
		return crlf
	}
}

func parseOneHeader(raw []byte) (Header, error) {
	colon := bytes.IndexByte(raw, ':')
	if colon < 0 {
		return Header{}, fmt.Errorf("%w: header has no colon: %q", xerrors.ErrMalformedMessage, raw)
	}
	name := raw[:colon]
	for _, b := range name {
		if b > 127 {
			return Header{}, fmt.Errorf("%w: non-ASCII header name", xerrors.ErrMalformedMessage)
		}
	}

	value := raw[colon+1:]
	// Trim the terminating CRLF from Value, not from Raw.
	value = bytes.TrimSuffix(value, []byte("\r\n"))

	return Header{
		Name:      string(name),
		NameLower: toLower(string(name)),
		Value:     value,
		Raw:       raw,
	}, nil
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// Find returns the raw bytes and original-case name of the first header
// matching name (case-insensitive), or ok=false.
func (m Message) Find(name string) (Header, bool) {
	lower := toLower(name)
	for _, h := range m.Headers {
		if h.NameLower == lower {
			return h, true
		}
	}
	return Header{}, false
}
