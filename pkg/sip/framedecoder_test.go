package sip

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameWithBody(callID, body string) string {
	return strings.Join([]string{
		"MESSAGE sip:bob@pbx.internal SIP/2.0",
		"Call-ID: " + callID,
		"CSeq: 1 MESSAGE",
		"Content-Length: " + strconv.Itoa(len(body)),
		"",
		body,
	}, "\r\n")
}

func TestFeedSingleCompleteFrame(t *testing.T) {
	decoder := NewFrameDecoder(0, 0)
	frame := frameWithBody("fd-1", "hello")

	frames, err := decoder.Feed([]byte(frame))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, frame, frames[0])
	assert.Zero(t, decoder.Buffered())
}

func TestFeedFrameAcrossArbitraryChunkBoundaries(t *testing.T) {
	frame := frameWithBody("fd-2", "split me")

	for split := 1; split < len(frame); split++ {
		decoder := NewFrameDecoder(0, 0)

		frames, err := decoder.Feed([]byte(frame[:split]))
		require.NoError(t, err)

		rest, err := decoder.Feed([]byte(frame[split:]))
		require.NoError(t, err)

		frames = append(frames, rest...)
		require.Len(t, frames, 1, "split at byte %d", split)
		assert.Equal(t, frame, frames[0], "split at byte %d", split)
	}
}

func TestFeedFrameInThreeChunks(t *testing.T) {
	decoder := NewFrameDecoder(0, 0)
	frame := frameWithBody("fd-3", "three chunk delivery")

	var frames []string
	third := len(frame) / 3
	for _, chunk := range []string{frame[:third], frame[third : 2*third], frame[2*third:]} {
		out, err := decoder.Feed([]byte(chunk))
		require.NoError(t, err)
		frames = append(frames, out...)
	}

	require.Len(t, frames, 1)
	assert.Equal(t, frame, frames[0])
}

func TestFeedTwoConcatenatedFrames(t *testing.T) {
	decoder := NewFrameDecoder(0, 0)
	first := frameWithBody("fd-4a", "first")
	second := frameWithBody("fd-4b", "second")

	frames, err := decoder.Feed([]byte(first + second))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, first, frames[0])
	assert.Equal(t, second, frames[1])
}

func TestFeedTreatsMissingContentLengthAsZero(t *testing.T) {
	decoder := NewFrameDecoder(0, 0)
	frame := "OPTIONS sip:pbx.internal SIP/2.0\r\nCall-ID: fd-5\r\n\r\n"

	frames, err := decoder.Feed([]byte(frame + "NEXT"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, frame, frames[0])
	assert.Equal(t, 4, decoder.Buffered())
}

func TestFeedRejectsInvalidContentLength(t *testing.T) {
	decoder := NewFrameDecoder(0, 0)
	frame := "MESSAGE sip:pbx.internal SIP/2.0\r\nContent-Length: banana\r\n\r\n"

	_, err := decoder.Feed([]byte(frame))
	require.Error(t, err)

	var frameErr *FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, FrameErrInvalidContentLength, frameErr.Code)
}

func TestFeedRejectsNegativeContentLength(t *testing.T) {
	decoder := NewFrameDecoder(0, 0)
	frame := "MESSAGE sip:pbx.internal SIP/2.0\r\nContent-Length: -5\r\n\r\n"

	_, err := decoder.Feed([]byte(frame))
	var frameErr *FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, FrameErrInvalidContentLength, frameErr.Code)
}

func TestFeedRejectsDeclaredOversizedFrame(t *testing.T) {
	decoder := NewFrameDecoder(128, 0)
	frame := "MESSAGE sip:pbx.internal SIP/2.0\r\nContent-Length: 4096\r\n\r\n"

	frames, err := decoder.Feed([]byte(frame))
	assert.Empty(t, frames)

	var frameErr *FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, FrameErrMessageTooLarge, frameErr.Code)
}

func TestFeedRejectsComputedOversizedFrame(t *testing.T) {
	decoder := NewFrameDecoder(64, 0)
	// Header block alone exceeds the 64 byte frame ceiling even though the
	// declared body is tiny.
	frame := "MESSAGE sip:pbx.internal SIP/2.0\r\nX-Padding: " + strings.Repeat("x", 64) + "\r\nContent-Length: 2\r\n\r\nok"

	frames, err := decoder.Feed([]byte(frame))
	assert.Empty(t, frames)

	var frameErr *FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, FrameErrMessageTooLarge, frameErr.Code)
}

func TestFeedRejectsBufferOverflow(t *testing.T) {
	decoder := NewFrameDecoder(1024, 256)

	// No header terminator anywhere, so data just accumulates.
	_, err := decoder.Feed([]byte(strings.Repeat("a", 200)))
	require.NoError(t, err)

	_, err = decoder.Feed([]byte(strings.Repeat("a", 200)))
	var frameErr *FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, FrameErrBufferOverflow, frameErr.Code)
}
