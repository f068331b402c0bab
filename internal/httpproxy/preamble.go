// Package httpproxy implements the HTTP proxy request preamble codec and
// the handler that branches on CONNECT (tunnel) vs. absolute-form
// requests (rewrite and forward).
package httpproxy

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ErrTooLarge is returned when a single line exceeds the line cap or the
// accumulated preamble exceeds max_request_size; callers respond 413.
var ErrTooLarge = errors.New("httpproxy: preamble exceeds size limit")

// ErrMalformed is returned for any other framing violation; callers
// respond 400.
var ErrMalformed = errors.New("httpproxy: malformed request preamble")

// maxLineSize bounds any single CRLF-terminated line, independent of the
// overall max_request_size budget (spec recommends 8 KiB).
const maxLineSize = 8 * 1024

// Header is one ordered name/value pair. Duplicate header names are
// merged at parse time by concatenating values with ", ", per RFC 7230.
type Header struct {
	Name  string
	Value string
}

// Preamble is a parsed HTTP request line plus headers.
type Preamble struct {
	Method  string
	Target  string
	Version string
	Headers []Header
}

// Get returns the first (and, after merging, only) value for a
// case-insensitive header name.
func (p *Preamble) Get(name string) (string, bool) {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Set replaces (or appends) a header's value.
func (p *Preamble) Set(name, value string) {
	for i, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			p.Headers[i].Value = value
			return
		}
	}
	p.Headers = append(p.Headers, Header{Name: name, Value: value})
}

// Delete removes all headers with the given case-insensitive name.
func (p *Preamble) Delete(name string) {
	out := p.Headers[:0]
	for _, h := range p.Headers {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	p.Headers = out
}

// budgetedReader enforces max_request_size across the whole preamble as
// bytes are read, rather than checking the total only after the fact
// (spec design note: the cap is checked during accumulation).
type budgetedReader struct {
	r         *bufio.Reader
	remaining int
}

func (br *budgetedReader) readByte() (byte, error) {
	if br.remaining <= 0 {
		return 0, ErrTooLarge
	}
	b, err := br.r.ReadByte()
	if err != nil {
		return 0, err
	}
	br.remaining--
	return b, nil
}

func (br *budgetedReader) readLine() (string, error) {
	var buf []byte
	for {
		b, err := br.readByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			if len(buf) > 0 && buf[len(buf)-1] == '\r' {
				buf = buf[:len(buf)-1]
			}
			return string(buf), nil
		}
		buf = append(buf, b)
		if len(buf) > maxLineSize {
			return "", ErrTooLarge
		}
	}
}

// ParsePreamble reads a request line and headers terminated by a blank
// line from r, refusing to buffer more than maxRequestSize bytes total
// across the whole preamble.
func ParsePreamble(r *bufio.Reader, maxRequestSize int) (*Preamble, error) {
	br := &budgetedReader{r: r, remaining: maxRequestSize}

	requestLine, err := br.readLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(requestLine, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: bad request line", ErrMalformed)
	}
	p := &Preamble{Method: parts[0], Target: parts[1], Version: parts[2]}
	if !strings.HasPrefix(p.Version, "HTTP/1.") {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformed, p.Version)
	}

	for {
		line, err := br.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return nil, fmt.Errorf("%w: bad header line", ErrMalformed)
		}
		name := line[:idx]
		value := strings.TrimSpace(line[idx+1:])
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("%w: invalid header name %q", ErrMalformed, name)
		}
		if existing, ok := p.Get(name); ok {
			p.Set(name, existing+", "+value)
		} else {
			p.Headers = append(p.Headers, Header{Name: name, Value: value})
		}
	}

	return p, nil
}

// Serialize renders the preamble back to its canonical wire form
// (request-line + headers in order + terminating blank line), used both
// when forwarding a rewritten absolute-form request and by the
// parse/serialize/reparse round-trip test.
func (p *Preamble) Serialize() []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s\r\n", p.Method, p.Target, p.Version)
	for _, h := range p.Headers {
		fmt.Fprintf(&sb, "%s: %s\r\n", h.Name, h.Value)
	}
	sb.WriteString("\r\n")
	return []byte(sb.String())
}
