// Package canon implements the DKIM header and body canonicalization rules
// (spec §4.E), byte-for-byte equivalent to RFC 6376 including the errata
// 5839 trailing-space rule. The algorithm is ported directly from
// original_source/src/canonicalization.rs, which carries its own unit test
// vectors reused here; the canonicalizer always operates on a copy and
// never mutates the bytes handed to it, since the original message must
// still be emitted unchanged (spec invariant 1).
package canon

import "bytes"

// Mode is one of Simple or Relaxed, independently selectable for headers
// and for the body.
type Mode int

const (
	Simple Mode = iota
	Relaxed
)

// Header canonicalizes one raw header line (including any folded
// continuations, terminated by CRLF) per mode.
func Header(mode Mode, raw []byte) []byte {
	if mode == Simple {
		return append([]byte(nil), raw...)
	}
	return headerRelaxed(raw)
}

// Body canonicalizes a full message body per mode.
func Body(mode Mode, raw []byte) []byte {
	if mode == Simple {
		return bodySimple(raw)
	}
	return bodyRelaxed(raw)
}

// headerRelaxed implements RFC 6376 §3.4.2 plus the errata 5839 correction.
func headerRelaxed(header []byte) []byte {
	data := append([]byte(nil), header...)

	// Step 1: lowercase the field name (bytes before the first colon).
	if idx := bytes.IndexByte(data, ':'); idx >= 0 {
		for i := 0; i < idx; i++ {
			if data[i] >= 'A' && data[i] <= 'Z' {
				data[i] += 32
			}
		}
	}

	// Step 2: unfold - remove every CRLF that is not the final one.
	data = unfoldAllButLast(data)

	// Step 3: HTAB -> SP, then collapse runs of SP into one.
	for i := range data {
		if data[i] == '\t' {
			data[i] = ' '
		}
	}
	data = collapseRuns(data, ' ')

	// Step 4 (errata 5839): drop a single SP directly before the final CRLF.
	for len(data) >= 3 && data[len(data)-3] == ' ' && bytes.HasSuffix(data, []byte("\r\n")) {
		data = append(data[:len(data)-3], data[len(data)-2:]...)
	}

	// Step 5: drop WSP immediately before/after the first colon.
	for {
		idx := bytes.IndexByte(data, ':')
		if idx < 0 {
			break
		}
		if idx+1 < len(data) && data[idx+1] == ' ' {
			data = append(data[:idx+1], data[idx+2:]...)
		} else if idx > 0 && data[idx-1] == ' ' {
			data = append(data[:idx-1], data[idx:]...)
		} else {
			break
		}
	}

	return data
}

// unfoldAllButLast removes every CRLF pair that is not the last two bytes
// of data, leaving exactly one terminating CRLF.
func unfoldAllButLast(data []byte) []byte {
	for {
		idx := bytes.Index(data, []byte("\r\n"))
		if idx < 0 || idx == len(data)-2 {
			break
		}
		data = append(data[:idx], data[idx+2:]...)
	}
	return data
}

// collapseRuns rewrites every run of two-or-more occurrences of b into a
// single b.
func collapseRuns(data []byte, b byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		out = append(out, data[i])
		if data[i] == b {
			for i+1 < len(data) && data[i+1] == b {
				i++
			}
		}
	}
	return out
}

func bodySimple(raw []byte) []byte {
	data := rmDotEscape(raw)
	data = stripTrailingBlankLines(data)
	if len(data) == 0 {
		return []byte("\r\n")
	}
	return data
}

func bodyRelaxed(raw []byte) []byte {
	data := rmDotEscape(raw)
	data = trimTrailingLineWS(data)
	data = collapseIntraLineWS(data)
	data = stripTrailingBlankLines(data)
	if len(data) == 0 {
		return []byte("\r\n")
	}
	return data
}

// rmDotEscape strips SMTP transparency dot-stuffing: the first dot of any
// line that begins with one, found at the start of the body and by scanning
// for CRLF immediately followed by '.'. Only one dot is removed per
// occurrence, matching original_source's non-recursive scan.
func rmDotEscape(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	i := 0
	if len(raw) > 0 && raw[0] == '.' {
		i = 1
	}
	for i < len(raw) {
		if i+2 < len(raw) && raw[i] == '\r' && raw[i+1] == '\n' && raw[i+2] == '.' {
			out = append(out, '\r', '\n')
			i += 3
			continue
		}
		out = append(out, raw[i])
		i++
	}
	return out
}

// trimTrailingLineWS removes any run of SP/HTAB immediately preceding a
// CRLF line terminator.
func trimTrailingLineWS(data []byte) []byte {
	out := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			for len(out) > 0 && (out[len(out)-1] == ' ' || out[len(out)-1] == '\t') {
				out = out[:len(out)-1]
			}
			out = append(out, '\r', '\n')
			i += 2
			continue
		}
		out = append(out, data[i])
		i++
	}
	return out
}

// collapseIntraLineWS rewrites every run of SP/HTAB into a single SP.
func collapseIntraLineWS(data []byte) []byte {
	out := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		c := data[i]
		if c == ' ' || c == '\t' {
			out = append(out, ' ')
			for i+1 < len(data) && (data[i+1] == ' ' || data[i+1] == '\t') {
				i++
			}
			i++
			continue
		}
		out = append(out, c)
		i++
	}
	return out
}

// stripTrailingBlankLines removes empty CRLF lines at the end of the body,
// leaving exactly one terminating CRLF.
func stripTrailingBlankLines(data []byte) []byte {
	for bytes.HasSuffix(data, []byte("\r\n\r\n")) {
		data = data[:len(data)-2]
	}
	return data
}
