package payload

import (
	"bytes"
	"mime"
	"net/textproto"
	"net/url"
	"strings"
)

const (
	maxPartHeader = 8 * 1024
	maxFieldValue = 4 * 1024
	maxFormBody   = 64 * 1024
)

type scanState int

const (
	statePreamble scanState = iota
	stateDelimiter
	stateHeaders
	stateBody
	stateDone
)

// AffinityScanner extracts named form fields from a request body fed to it
// in arbitrary pieces. Multipart and urlencoded bodies are understood; other
// content types are ignored. The first occurrence of a field wins.
type AffinityScanner struct {
	names  []string
	wanted map[string]bool
	found  map[string]string

	multipart bool
	form      bool
	delim     []byte
	buf       []byte
	state     scanState
	field     string
	capture   bool
	value     []byte
	formBytes int
	closed    bool
}

// NewAffinityScanner returns a scanner looking for names in a body of the
// given content type.
func NewAffinityScanner(names []string, contentType string) *AffinityScanner {
	s := &AffinityScanner{
		names:  names,
		wanted: make(map[string]bool, len(names)),
		found:  make(map[string]string, len(names)),
	}
	for _, n := range names {
		s.wanted[n] = true
	}
	if b := MultipartBoundary(contentType); b != "" {
		s.multipart = true
		s.delim = []byte("\r\n--" + b)
		// The first delimiter has no leading line break.
		s.buf = []byte("\r\n")
	} else if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt == "application/x-www-form-urlencoded" {
		s.form = true
	}
	return s
}

// Write feeds the next piece of the body. It never fails.
func (s *AffinityScanner) Write(p []byte) (int, error) {
	if len(s.wanted) == 0 || s.closed || s.complete() {
		return len(p), nil
	}
	switch {
	case s.multipart:
		s.buf = append(s.buf, p...)
		s.scanMultipart()
	case s.form:
		s.scanForm(p)
	}
	return len(p), nil
}

// Close finishes scanning a body that ended.
func (s *AffinityScanner) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.form && len(s.buf) > 0 {
		s.addPairs(string(s.buf))
		s.buf = nil
	}
}

// Pending reports whether a wanted field may still be incomplete, so more of
// the body is needed before the scanner's answer is final.
func (s *AffinityScanner) Pending() bool {
	if s.closed || s.complete() {
		return false
	}
	switch {
	case s.multipart:
		return s.state != stateDone && (s.state != stateBody || s.capture)
	case s.form:
		return len(s.buf) > 0
	}
	return false
}

// Value returns the first configured name that was found, and its value.
func (s *AffinityScanner) Value() (name, value string, ok bool) {
	for _, n := range s.names {
		if v, found := s.found[n]; found {
			return n, v, true
		}
	}
	return "", "", false
}

// Values returns every field found so far.
func (s *AffinityScanner) Values() map[string]string {
	out := make(map[string]string, len(s.found))
	for k, v := range s.found {
		out[k] = v
	}
	return out
}

func (s *AffinityScanner) complete() bool { return len(s.found) == len(s.wanted) }

func (s *AffinityScanner) record(name, value string) {
	if !s.wanted[name] {
		return
	}
	if _, dup := s.found[name]; !dup {
		s.found[name] = value
	}
}

func (s *AffinityScanner) scanMultipart() {
	for {
		switch s.state {
		case statePreamble, stateBody:
			i := bytes.Index(s.buf, s.delim)
			if i < 0 {
				// Keep a tail that could be the start of a delimiter.
				if keep := len(s.delim) - 1; len(s.buf) > keep {
					s.consume(s.buf[:len(s.buf)-keep])
					s.buf = s.buf[len(s.buf)-keep:]
				}
				return
			}
			s.consume(s.buf[:i])
			s.endPart()
			s.buf = s.buf[i+len(s.delim):]
			s.state = stateDelimiter

		case stateDelimiter:
			if len(s.buf) < 2 {
				return
			}
			if s.buf[0] == '-' && s.buf[1] == '-' {
				s.state = stateDone
				continue
			}
			i := bytes.Index(s.buf, []byte("\r\n"))
			if i < 0 {
				return
			}
			s.buf = s.buf[i+2:]
			s.state = stateHeaders

		case stateHeaders:
			i := bytes.Index(s.buf, []byte("\r\n\r\n"))
			if i < 0 {
				if len(s.buf) > maxPartHeader {
					s.field, s.capture = "", false
					s.state = stateBody
					continue
				}
				return
			}
			s.startPart(s.buf[:i+2])
			s.buf = s.buf[i+4:]
			s.state = stateBody

		case stateDone:
			s.buf = nil
			return
		}
	}
}

func (s *AffinityScanner) startPart(header []byte) {
	s.field, s.capture, s.value = "", false, s.value[:0]
	for _, line := range strings.Split(string(header), "\r\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok || textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(k)) != "Content-Disposition" {
			continue
		}
		disp, params, err := mime.ParseMediaType(strings.TrimSpace(v))
		if err != nil || disp != "form-data" {
			continue
		}
		if _, file := params["filename"]; file {
			continue
		}
		s.field = params["name"]
		s.capture = s.wanted[s.field]
		if _, dup := s.found[s.field]; dup {
			s.capture = false
		}
	}
}

func (s *AffinityScanner) consume(data []byte) {
	if s.state != stateBody || !s.capture {
		return
	}
	if room := maxFieldValue - len(s.value); room > 0 {
		s.value = append(s.value, data[:min(room, len(data))]...)
	}
}

func (s *AffinityScanner) endPart() {
	if s.state == stateBody && s.capture {
		s.record(s.field, string(s.value))
	}
	s.field, s.capture = "", false
}

func (s *AffinityScanner) scanForm(p []byte) {
	if s.formBytes >= maxFormBody {
		return
	}
	if room := maxFormBody - s.formBytes; len(p) > room {
		p = p[:room]
	}
	s.formBytes += len(p)
	s.buf = append(s.buf, p...)
	i := bytes.LastIndexByte(s.buf, '&')
	if i < 0 {
		return
	}
	s.addPairs(string(s.buf[:i]))
	s.buf = append(s.buf[:0], s.buf[i+1:]...)
}

func (s *AffinityScanner) addPairs(raw string) {
	for _, pair := range strings.Split(raw, "&") {
		k, v, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(k)
		if err != nil {
			continue
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			continue
		}
		s.record(name, value)
	}
}

// ScanQuery returns the first of names present in a raw query string.
func ScanQuery(rawQuery string, names []string) (name, value string, ok bool) {
	if rawQuery == "" || len(names) == 0 {
		return "", "", false
	}
	q, _ := url.ParseQuery(rawQuery)
	for _, n := range names {
		if vs, found := q[n]; found && len(vs) > 0 {
			return n, vs[0], true
		}
	}
	return "", "", false
}
