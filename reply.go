package ftp

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// controlEncodingFor returns the codec applied to control-channel text:
// ISO-8859-1, the traditional FTP control-channel default, until the
// session has negotiated UTF8 via FEAT (spec.md §4.1, §4.8), after
// which every line is treated as UTF-8.
func controlEncodingFor(utf8Active bool) encoding.Encoding {
	if utf8Active {
		return unicode.UTF8
	}
	return charmap.ISO8859_1
}

// Reply represents one complete FTP reply read from the control channel:
// a three-digit code plus the ordered sequence of raw lines that made it
// up (RFC 959 §4.2). Lines is never empty, and its first line's numeric
// prefix always equals Code.
type Reply struct {
	// Code is the three-digit reply code (100..699).
	Code int

	// Lines holds every raw line of the reply, in order, including any
	// continuation lines whose first three bytes happen to be digits that
	// differ from Code — those are preserved verbatim, never dropped.
	Lines []string
}

// Message joins the text portion of every line (the part after the
// "NNN-"/"NNN " prefix, or the whole line with surrounding spaces
// trimmed for RFC 2389 space-prefixed continuation lines) with newlines.
func (r *Reply) Message() string {
	var b strings.Builder
	for i, l := range r.Lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		if len(l) > 0 && l[0] == ' ' {
			b.WriteString(strings.TrimSpace(l))
		} else if len(l) > 4 {
			b.WriteString(l[4:])
		}
	}
	return b.String()
}

// String implements fmt.Stringer, returning every raw line joined by
// newlines (used by the legacy PASV/EPSV/MLST regex parsers, which expect
// the full reply text rather than just Message()).
func (r *Reply) String() string {
	return strings.Join(r.Lines, "\n")
}

// ReplyCategory classifies a three-digit FTP reply code by its leading
// digit, per spec.md §3.
type ReplyCategory int

const (
	CategoryUnknown      ReplyCategory = iota
	CategoryPreliminary                // 1xx
	CategoryCompletion                 // 2xx
	CategoryIntermediate                // 3xx
	CategoryTransient                  // 4xx
	CategoryPermanent                  // 5xx
	CategoryProtected                  // 6xx (RFC 2228)
)

// Category returns the reply's category derived from its code.
func (r *Reply) Category() ReplyCategory {
	switch r.Code / 100 {
	case 1:
		return CategoryPreliminary
	case 2:
		return CategoryCompletion
	case 3:
		return CategoryIntermediate
	case 4:
		return CategoryTransient
	case 5:
		return CategoryPermanent
	case 6:
		return CategoryProtected
	default:
		return CategoryUnknown
	}
}

func (r *Reply) Is1xx() bool { return r.Category() == CategoryPreliminary }
func (r *Reply) Is2xx() bool { return r.Category() == CategoryCompletion }
func (r *Reply) Is3xx() bool { return r.Category() == CategoryIntermediate }
func (r *Reply) Is4xx() bool { return r.Category() == CategoryTransient }
func (r *Reply) Is5xx() bool { return r.Category() == CategoryPermanent }
func (r *Reply) Is6xx() bool { return r.Category() == CategoryProtected }

// readReply reads one complete, possibly multi-line, reply from r. It
// implements spec.md §4.1's algorithm: read the opening line, fail fast on
// a grammar violation, and if the fourth byte is '-' keep reading lines
// (preserving every one, even false-positive code-prefixed lines) until a
// line repeats the same three-digit code followed by a space.
func readReply(r *bufio.Reader, enc encoding.Encoding) (*Reply, error) {
	line, err := readLine(r, enc)
	if err != nil {
		return nil, err
	}

	if len(line) < 4 {
		return nil, &MalformedReplyError{Line: line, Reason: "line shorter than 4 characters"}
	}
	code, convErr := strconv.Atoi(line[0:3])
	if convErr != nil {
		return nil, &MalformedReplyError{Line: line, Reason: "first three characters are not a reply code"}
	}

	lines := []string{line}

	switch line[3] {
	case ' ':
		return &Reply{Code: code, Lines: lines}, nil
	case '-':
		if err := readContinuation(r, enc, code, &lines); err != nil {
			return nil, err
		}
		return &Reply{Code: code, Lines: lines}, nil
	default:
		return nil, &MalformedReplyError{Line: line, Reason: "fourth character is neither space nor hyphen"}
	}
}

// readContinuation reads the remaining lines of a multi-line reply whose
// code and opening line have already been consumed.
func readContinuation(r *bufio.Reader, enc encoding.Encoding, code int, lines *[]string) error {
	codeStr := fmt.Sprintf("%03d", code)

	for {
		line, err := readLine(r, enc)
		if err != nil {
			return err
		}

		// RFC 2389 continuation: a line beginning with a space carries no
		// code prefix at all and is preserved verbatim regardless of its
		// content (it may itself start with three digits).
		if len(line) > 0 && line[0] == ' ' {
			*lines = append(*lines, line)
			continue
		}

		*lines = append(*lines, line)

		if len(line) >= 4 && line[0:3] == codeStr {
			switch line[3] {
			case ' ':
				return nil // final line of the reply
			case '-':
				continue // another intermediate line using the same code
			}
		}
		// Anything else — including a line whose first three bytes are
		// digits but NOT this reply's code — is an ordinary continuation
		// line and is kept as-is; only the exact "NNN " terminator ends
		// the reply (spec.md §4.1 step 2).
	}
}

// readLine reads one CRLF- (or bare LF-) terminated line, strips the
// terminator, and decodes the remaining bytes through enc (ISO-8859-1 or
// UTF-8 depending on whether the session has negotiated UTF8, spec.md
// §4.1/§4.8). A line that isn't valid under enc is passed through raw
// rather than failing the read — a malformed reply code downstream will
// surface the problem with more context than a decode error would.
func readLine(r *bufio.Reader, enc encoding.Encoding) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if decoded, decErr := enc.NewDecoder().String(line); decErr == nil {
		return decoded, nil
	}
	return line, nil
}
