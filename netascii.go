package ftp

import (
	"bufio"
	"io"
)

// wrapIncoming wraps a reader pulled from the data socket so NETASCII
// (CRLF-terminated 7-bit ASCII, RFC 959 §3.1.1) is translated to the
// host's native line ending when file_type == ASCII; otherwise the
// reader passes through unchanged (spec.md §4.5).
func (s *Session) wrapIncoming(r io.Reader) io.Reader {
	if s.fileType != TypeASCII {
		return r
	}
	return &netasciiDecoder{r: bufio.NewReader(r)}
}

// wrapOutgoing wraps the reader that supplies bytes for the data socket
// so they are translated from the host's native line ending to NETASCII's
// CRLF when file_type == ASCII; otherwise it passes through unchanged.
func (s *Session) wrapOutgoing(r io.Reader) io.Reader {
	if s.fileType != TypeASCII {
		return r
	}
	return &netasciiEncoder{r: bufio.NewReader(r)}
}

// netasciiDecoder strips the CR of every CRLF pair read from the wire,
// leaving a bare LF, and passes every other byte through untouched
// (including a lone CR or LF not part of a CRLF pair, which NETASCII
// disallows but which this decoder tolerates rather than rejects).
type netasciiDecoder struct {
	r      *bufio.Reader
	sawCR  bool
}

func (d *netasciiDecoder) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		b, err := d.r.ReadByte()
		if err != nil {
			if d.sawCR {
				d.sawCR = false
				p[n] = '\r'
				n++
			}
			if n > 0 {
				return n, nil
			}
			return 0, err
		}

		if d.sawCR {
			d.sawCR = false
			if b == '\n' {
				p[n] = '\n'
				n++
				continue
			}
			// A CR not followed by LF: emit the CR verbatim, then
			// reprocess b below.
			p[n] = '\r'
			n++
			if n >= len(p) {
				if err := d.r.UnreadByte(); err != nil {
					return n, nil
				}
				continue
			}
		}

		if b == '\r' {
			d.sawCR = true
			continue
		}
		p[n] = b
		n++
	}
	return n, nil
}

// netasciiEncoder expands every bare LF read from the source into a
// CRLF pair, and passes every other byte through untouched (an LF that
// already follows a CR is left as it is).
type netasciiEncoder struct {
	r       *bufio.Reader
	pending byte
	hasPending bool
	afterCR bool
}

func (e *netasciiEncoder) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if e.hasPending {
			p[n] = e.pending
			e.hasPending = false
			n++
			continue
		}

		b, err := e.r.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}

		if b == '\n' && !e.afterCR {
			p[n] = '\r'
			n++
			e.pending = '\n'
			e.hasPending = true
			e.afterCR = false
			continue
		}
		e.afterCR = b == '\r'
		p[n] = b
		n++
	}
	return n, nil
}
