package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validatorResponse(branch string) *Message {
	raw := "SIP/2.0 200 OK\r\n" +
		"Via: SIP/2.0/TLS 203.0.113.5:5061;branch=" + branch + "\r\n" +
		"Call-ID: val-1\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Length: 0\r\n\r\n"
	return Parse(raw)
}

func TestValidateResponse(t *testing.T) {
	tests := []struct {
		name   string
		input  ValidationInput
		wantOK bool
	}{
		{
			name: "fully matching response accepted",
			input: ValidationInput{
				CallID:              "val-1",
				ExpectedUpstream:    "10.0.0.50:5071",
				ActualUpstream:      "10.0.0.50:5071",
				ExpectedConnID:      "conn-1",
				ActualConnID:        "conn-1",
				ExpectedProxyBranch: "z9hG4bKproxy",
				Message:             validatorResponse("z9hG4bKproxy"),
			},
			wantOK: true,
		},
		{
			name: "missing Call-ID rejected",
			input: ValidationInput{
				Message: validatorResponse("z9hG4bKproxy"),
			},
			wantOK: false,
		},
		{
			name: "mismatched upstream rejected",
			input: ValidationInput{
				CallID:           "val-1",
				ExpectedUpstream: "10.0.0.50:5071",
				ActualUpstream:   "10.0.0.99:5071",
				Message:          validatorResponse("z9hG4bKproxy"),
			},
			wantOK: false,
		},
		{
			name: "mismatched connection rejected",
			input: ValidationInput{
				CallID:         "val-1",
				ExpectedConnID: "conn-1",
				ActualConnID:   "conn-2",
				Message:        validatorResponse("z9hG4bKproxy"),
			},
			wantOK: false,
		},
		{
			name: "mismatched Via branch rejected",
			input: ValidationInput{
				CallID:              "val-1",
				ExpectedProxyBranch: "z9hG4bKproxy",
				Message:             validatorResponse("z9hG4bKother"),
			},
			wantOK: false,
		},
		{
			name: "missing Via branch rejected when one is expected",
			input: ValidationInput{
				CallID:              "val-1",
				ExpectedProxyBranch: "z9hG4bKproxy",
				Message:             Parse("SIP/2.0 200 OK\r\nCall-ID: val-1\r\n\r\n"),
			},
			wantOK: false,
		},
		{
			name: "unchecked fields are not compared",
			input: ValidationInput{
				CallID:         "val-1",
				ActualUpstream: "10.0.0.99:5071",
				ActualConnID:   "conn-2",
				Message:        validatorResponse("z9hG4bKanything"),
			},
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateResponse(tt.input)
			assert.Equal(t, tt.wantOK, result.OK)
			if tt.wantOK {
				assert.Empty(t, result.Reason)
			} else {
				assert.NotEmpty(t, result.Reason)
			}
		})
	}
}
