// Package extract recovers self-delimited structured records from raw
// terminal output. PTY line wrapping can insert line breaks in the middle
// of a record and interleave control sequences around it; the scanner here
// tolerates both and hands back whatever tail is still incomplete so the
// caller can retry once more bytes arrive.
package extract

import "strings"

// Result holds the complete records found in a buffer and the unconsumed
// remainder (an in-progress record). Text before the remainder that was not
// part of any record is discarded as noise.
type Result struct {
	Records   []string
	Remainder string
}

// Records scans buf left to right for balanced-brace JSON objects. String
// literals are tracked so that brace characters inside strings do not
// disturb depth counting; a backslash consumes exactly the next character.
// Line breaks found inside a record (PTY re-wrapping artifact) are removed
// from the emitted record text.
//
// Feeding the remainder back in with the next chunk appended yields the
// same records as scanning the concatenated input in one call.
func Records(buf string) Result {
	return scan(buf, '{', '}')
}

// FirstArray returns the first balanced bracketed list in buf, with
// embedded line breaks removed. The boolean is false when no complete
// list is present.
func FirstArray(buf string) (string, bool) {
	res := scan(buf, '[', ']')
	if len(res.Records) == 0 {
		return "", false
	}
	return res.Records[0], true
}

func scan(buf string, open, close byte) Result {
	var records []string
	start := -1 // index of the unmatched opening character
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(buf); i++ {
		c := buf[i]

		if start < 0 {
			if c == open {
				start = i
				depth = 1
			}
			continue
		}

		if escaped {
			escaped = false
			continue
		}

		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// Brace characters inside string literals are data.
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				records = append(records, stripBreaks(buf[start:i+1]))
				start = -1
			}
		}
	}

	res := Result{Records: records}
	if start >= 0 {
		res.Remainder = buf[start:]
	}
	return res
}

// stripBreaks removes CR and LF characters from a record span.
func stripBreaks(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
