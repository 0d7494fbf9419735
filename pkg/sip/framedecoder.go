package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// Frame decoder error codes. Each one is fatal for the owning connection.
const (
	FrameErrBufferOverflow       = "BUFFER_OVERFLOW"
	FrameErrInvalidContentLength = "INVALID_CONTENT_LENGTH"
	FrameErrMessageTooLarge      = "MESSAGE_TOO_LARGE"
)

const (
	// DefaultMaxMessageBytes caps a single framed message.
	DefaultMaxMessageBytes = 64 * 1024
	// DefaultMaxBufferBytes caps unparsed data buffered per connection.
	DefaultMaxBufferBytes = 256 * 1024
)

// FrameError is a fatal stream framing failure.
type FrameError struct {
	Code    string
	Message string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FrameDecoder splits a chunked byte stream into discrete SIP messages using
// Content-Length framing. One decoder instance belongs to one connection.
type FrameDecoder struct {
	buffer          strings.Builder
	maxMessageBytes int
	maxBufferBytes  int
}

// NewFrameDecoder creates a decoder with the given size ceilings; zero or
// negative values select the defaults.
func NewFrameDecoder(maxMessageBytes, maxBufferBytes int) *FrameDecoder {
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	if maxBufferBytes <= 0 {
		maxBufferBytes = DefaultMaxBufferBytes
	}
	return &FrameDecoder{
		maxMessageBytes: maxMessageBytes,
		maxBufferBytes:  maxBufferBytes,
	}
}

// Feed appends a chunk to the internal buffer and returns every complete
// message now available, in arrival order. Unconsumed bytes stay buffered
// for the next call. A returned error means the connection must be closed.
func (d *FrameDecoder) Feed(chunk []byte) ([]string, error) {
	d.buffer.Write(chunk)

	if d.buffer.Len() > d.maxBufferBytes {
		return nil, &FrameError{
			Code:    FrameErrBufferOverflow,
			Message: fmt.Sprintf("buffered data exceeded %d bytes", d.maxBufferBytes),
		}
	}

	var messages []string
	buf := d.buffer.String()

	for {
		headerEnd := strings.Index(buf, headerBodySeparator)
		if headerEnd < 0 {
			break
		}

		contentLength, err := parseContentLength(buf[:headerEnd])
		if err != nil {
			return nil, err
		}
		if contentLength > d.maxMessageBytes {
			return nil, &FrameError{
				Code:    FrameErrMessageTooLarge,
				Message: fmt.Sprintf("Content-Length %d exceeds limit %d", contentLength, d.maxMessageBytes),
			}
		}

		total := headerEnd + len(headerBodySeparator) + contentLength
		if total > d.maxMessageBytes {
			return nil, &FrameError{
				Code:    FrameErrMessageTooLarge,
				Message: fmt.Sprintf("frame size %d exceeds limit %d", total, d.maxMessageBytes),
			}
		}

		if len(buf) < total {
			break
		}

		messages = append(messages, buf[:total])
		buf = buf[total:]
	}

	d.buffer.Reset()
	d.buffer.WriteString(buf)

	return messages, nil
}

// Buffered returns the number of bytes currently held for the next frame.
func (d *FrameDecoder) Buffered() int {
	return d.buffer.Len()
}

// parseContentLength reads the Content-Length header out of a raw header
// block. An absent header means a zero-length body.
func parseContentLength(head string) (int, error) {
	for _, line := range strings.Split(head, "\r\n") {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(line[:idx]), "Content-Length") {
			continue
		}

		value := strings.TrimSpace(line[idx+1:])
		length, err := strconv.Atoi(value)
		if err != nil || length < 0 {
			return 0, &FrameError{
				Code:    FrameErrInvalidContentLength,
				Message: fmt.Sprintf("invalid Content-Length %q", value),
			}
		}
		return length, nil
	}
	return 0, nil
}
