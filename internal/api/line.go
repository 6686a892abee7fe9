package api

import "unicode/utf8"

const (
	keyInterrupt = 0x03
	keyEOF       = 0x04
	keyBackspace = 0x08
	keyEscape    = 0x1b
	keyDelete    = 0x7f
)

type chunkKind int

const (
	chunkLine chunkKind = iota
	chunkControl
)

// chunk is a submitted line or a control key.
type chunk struct {
	kind chunkKind
	line string
	key  byte
}

// lineBuffer reassembles typed input into submitted lines. It applies
// backspace, drops escape sequences and reports Ctrl-C and Ctrl-D as
// control chunks.
type lineBuffer struct {
	buf    []byte
	esc    int
	lastCR bool
}

const (
	escNone = iota
	escStart
	escCSI
)

func (l *lineBuffer) feed(data []byte) []chunk {
	var out []chunk
	for _, b := range data {
		switch l.esc {
		case escStart:
			if b == '[' || b == 'O' {
				l.esc = escCSI
			} else {
				l.esc = escNone
			}
			continue
		case escCSI:
			if b >= 0x40 && b <= 0x7e {
				l.esc = escNone
			}
			continue
		}
		if b == '\n' && l.lastCR {
			l.lastCR = false
			continue
		}
		l.lastCR = b == '\r'
		switch {
		case b == '\r' || b == '\n':
			out = append(out, chunk{kind: chunkLine, line: string(l.buf)})
			l.buf = l.buf[:0]
		case b == keyBackspace || b == keyDelete:
			if len(l.buf) > 0 {
				_, size := utf8.DecodeLastRune(l.buf)
				l.buf = l.buf[:len(l.buf)-size]
			}
		case b == keyEscape:
			l.esc = escStart
		case b == keyInterrupt || b == keyEOF:
			l.buf = l.buf[:0]
			out = append(out, chunk{kind: chunkControl, key: b})
		case b < 0x20 && b != '\t':
		default:
			l.buf = append(l.buf, b)
		}
	}
	return out
}

// pending returns the unsubmitted text.
func (l *lineBuffer) pending() string {
	return string(l.buf)
}
