package extract

import "strings"

// StripANSI removes terminal control sequences from s: CSI sequences
// (ESC [ ... final byte), OSC sequences (ESC ] ... BEL or ESC \), other
// two-byte ESC sequences, and stray C0 control characters. Newlines and
// tabs are kept -- line structure is meaningful to the detectors. An
// incomplete trailing sequence is dropped rather than carried over.
func StripANSI(s string) string {
	if !strings.ContainsAny(s, "\x1b\x00\x07\x08") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != 0x1b {
			// Drop C0 controls other than tab, LF, CR.
			if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
				continue
			}
			b.WriteByte(c)
			continue
		}

		// ESC sequence. Consume through its terminator.
		if i+1 >= len(s) {
			break
		}
		switch s[i+1] {
		case '[':
			// CSI: parameter and intermediate bytes 0x20-0x3f, final 0x40-0x7e.
			j := i + 2
			for j < len(s) && s[j] >= 0x20 && s[j] <= 0x3f {
				j++
			}
			if j < len(s) {
				i = j // final byte consumed by loop increment
			} else {
				i = len(s)
			}
		case ']':
			// OSC: terminated by BEL or ST (ESC \).
			j := i + 2
			for j < len(s) {
				if s[j] == 0x07 {
					break
				}
				if s[j] == 0x1b && j+1 < len(s) && s[j+1] == '\\' {
					j++
					break
				}
				j++
			}
			i = j
		default:
			// Two-byte sequence (ESC + one char).
			i++
		}
	}

	return b.String()
}
