package sip

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// BranchMagicCookie prefixes every RFC 3261 Via branch token.
const BranchMagicCookie = "z9hG4bK"

const headerBodySeparator = "\r\n\r\n"

var (
	requestTargetRe = regexp.MustCompile(`(?i)^([A-Z]+)\s+sips?:([^@\s]+@)?([^;>\s]+)`)
	requestUserRe   = regexp.MustCompile(`(?i)^[A-Z]+\s+sips?:([^@;>\s]+)@`)
	uriAoRRe        = regexp.MustCompile(`(?i)sips?:([^@;>\s]+)@([^;>\s]+)`)
	viaBranchRe     = regexp.MustCompile(`(?i)branch=([^;\s]+)`)
	viaRPortRe      = regexp.MustCompile(`(?i);rport(=|;|$)`)
	contactURIRe    = regexp.MustCompile(`<sip:([^@>]+)@[^:>]+(?::\d+)?>`)
	statusLineRe    = regexp.MustCompile(`^SIP/2\.0\s+(\d{3})`)
)

// header is a named group of values in arrival order.
type header struct {
	name   string
	values []string
}

// Message is a single parsed SIP message. Header names are kept case-sensitive
// exactly as received; insertion order of names and of values per name is
// preserved through mutation and serialization.
type Message struct {
	StartLine string
	Body      string

	headers []*header
	method  string
}

// Parse builds a Message from raw wire bytes. Malformed input produces a
// best-effort partial message; Parse never fails or panics.
func Parse(raw string) *Message {
	m := &Message{}

	head := raw
	if idx := strings.Index(raw, headerBodySeparator); idx >= 0 {
		head = raw[:idx]
		m.Body = raw[idx+len(headerBodySeparator):]
	}

	lines := strings.Split(head, "\r\n")
	for len(lines) > 0 && lines[0] == "" {
		lines = lines[1:]
	}
	if len(lines) > 0 {
		m.StartLine = lines[0]
		lines = lines[1:]
	}

	if !m.IsResponse() {
		if fields := strings.Fields(m.StartLine); len(fields) > 0 {
			m.method = strings.ToUpper(fields[0])
		}
	}

	for _, line := range lines {
		if line == "" {
			continue
		}
		name := line
		value := ""
		if idx := strings.Index(line, ":"); idx >= 0 {
			name = line[:idx]
			value = line[idx+1:]
		}
		m.AddHeader(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	return m
}

// IsResponseLine reports whether a start line opens with the SIP version token.
func IsResponseLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "SIP/2.0")
}

// IsResponse reports whether the message is a response.
func (m *Message) IsResponse() bool {
	return IsResponseLine(m.StartLine)
}

// Method returns the request method in upper case, or "" for responses.
func (m *Message) Method() string {
	return m.method
}

// Header returns all values for the given header name, in arrival order.
func (m *Message) Header(name string) []string {
	if h := m.find(name); h != nil {
		return h.values
	}
	return nil
}

// FirstHeader returns the first value for the given header name.
func (m *Message) FirstHeader(name string) string {
	if values := m.Header(name); len(values) > 0 {
		return values[0]
	}
	return ""
}

// SetHeader replaces all values of a header, keeping its position if it
// already exists and appending it otherwise.
func (m *Message) SetHeader(name string, values ...string) {
	if h := m.find(name); h != nil {
		h.values = append([]string(nil), values...)
		return
	}
	m.headers = append(m.headers, &header{name: name, values: append([]string(nil), values...)})
}

// AddHeader appends a value to a header, creating it if absent.
func (m *Message) AddHeader(name, value string) {
	if h := m.find(name); h != nil {
		h.values = append(h.values, value)
		return
	}
	m.headers = append(m.headers, &header{name: name, values: []string{value}})
}

// RemoveHeader deletes a header and all its values; no-op if absent.
func (m *Message) RemoveHeader(name string) {
	for i, h := range m.headers {
		if h.name == name {
			m.headers = append(m.headers[:i], m.headers[i+1:]...)
			return
		}
	}
}

func (m *Message) find(name string) *header {
	for _, h := range m.headers {
		if h.name == name {
			return h
		}
	}
	return nil
}

// findFold looks a header up case-insensitively.
func (m *Message) findFold(name string) *header {
	for _, h := range m.headers {
		if strings.EqualFold(h.name, name) {
			return h
		}
	}
	return nil
}

// CallID returns the Call-ID header value, or "".
func (m *Message) CallID() string {
	return m.FirstHeader("Call-ID")
}

// StatusCode returns the status code of a response, or 0 for requests and
// unparseable status lines.
func (m *Message) StatusCode() int {
	if !m.IsResponse() {
		return 0
	}
	match := statusLineRe.FindStringSubmatch(strings.TrimSpace(m.StartLine))
	if match == nil {
		return 0
	}
	code, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return code
}

// CSeqMethod returns the method token of the CSeq header, or "".
func (m *Message) CSeqMethod() string {
	fields := strings.Fields(m.FirstHeader("CSeq"))
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// TargetHost extracts the host from the request-line URI, or "".
func (m *Message) TargetHost() string {
	match := requestTargetRe.FindStringSubmatch(m.StartLine)
	if match == nil {
		return ""
	}
	return match[3]
}

// TargetUser extracts the user part from the request-line URI, or "".
func (m *Message) TargetUser() string {
	match := requestUserRe.FindStringSubmatch(m.StartLine)
	if match == nil {
		return ""
	}
	return match[1]
}

// AddressOfRecord extracts (user, host) from the To header for REGISTER
// correlation. ok is false when the To header carries no SIP URI.
func (m *Message) AddressOfRecord() (user, host string, ok bool) {
	to := m.FirstHeader("To")
	if to == "" {
		return "", "", false
	}
	match := uriAoRRe.FindStringSubmatch(to)
	if match == nil {
		return "", "", false
	}
	return match[1], match[2], true
}

// TopVia returns the first Via header value, or "".
func (m *Message) TopVia() string {
	return m.FirstHeader("Via")
}

// BranchFromVia extracts the branch parameter from a Via line, or "".
func BranchFromVia(viaLine string) string {
	match := viaBranchRe.FindStringSubmatch(viaLine)
	if match == nil {
		return ""
	}
	return match[1]
}

// HasRPort reports whether a Via line carries the rport parameter.
func HasRPort(viaLine string) bool {
	return viaRPortRe.MatchString(viaLine)
}

// GenerateBranch produces a new Via branch: the RFC 3261 magic cookie plus
// 48 bits of cryptographic randomness.
func GenerateBranch() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return BranchMagicCookie + hex.EncodeToString(buf)
}

// AddViaTop stacks a new value as the topmost Via entry.
func (m *Message) AddViaTop(value string) {
	if h := m.findFold("Via"); h != nil {
		h.values = append([]string{value}, h.values...)
		return
	}
	m.SetHeader("Via", value)
}

// ReplaceViaTop replaces the topmost Via entry, leaving the rest of the
// stack untouched; no-op when the message has no Via header.
func (m *Message) ReplaceViaTop(value string) {
	h := m.findFold("Via")
	if h == nil || len(h.values) == 0 {
		return
	}
	h.values[0] = value
}

// UpdateContact rewrites the address and port inside each Contact URI,
// preserving the user part.
func (m *Message) UpdateContact(ip string, port int) {
	h := m.findFold("Contact")
	if h == nil {
		return
	}
	replacement := fmt.Sprintf("<sip:${1}@%s:%d>", ip, port)
	for i, value := range h.values {
		h.values[i] = contactURIRe.ReplaceAllString(value, replacement)
	}
}

// updateContentLength recomputes Content-Length from the current body.
func (m *Message) updateContentLength() {
	value := strconv.Itoa(len(m.Body))
	if h := m.findFold("Content-Length"); h != nil {
		h.values = []string{value}
		return
	}
	m.SetHeader("Content-Length", value)
}

// String serializes the message. Content-Length is recomputed from the
// current body; output is always parseable and serialization is idempotent.
func (m *Message) String() string {
	m.updateContentLength()

	var b strings.Builder
	b.WriteString(m.StartLine)
	b.WriteString("\r\n")
	for _, h := range m.headers {
		for _, value := range h.values {
			b.WriteString(h.name)
			b.WriteString(": ")
			b.WriteString(value)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	return b.String()
}
