package sip

import "fmt"

// ValidationInput carries a response's claimed origin together with the
// correlation metadata recorded when the matching request was forwarded.
// Empty expected fields are not checked.
type ValidationInput struct {
	CallID string

	// ExpectedUpstream / ActualUpstream identify the backend ("ip:port").
	ExpectedUpstream string
	ActualUpstream   string

	// ExpectedConnID / ActualConnID identify the transport connection the
	// response was expected on (stream transports only).
	ExpectedConnID string
	ActualConnID   string

	// ExpectedProxyBranch is the branch the proxy stamped on the forwarded
	// request's top Via.
	ExpectedProxyBranch string

	Message *Message
}

// ValidationResult is a structured accept/reject decision. Reason is
// non-empty exactly when OK is false.
type ValidationResult struct {
	OK     bool
	Reason string
}

func reject(format string, args ...interface{}) ValidationResult {
	return ValidationResult{OK: false, Reason: fmt.Sprintf(format, args...)}
}

// ValidateResponse checks a response against its correlation record before it
// may reach the client. Any mismatch is a drop, not an error: this is the
// boundary that keeps a stale or spoofed backend response away from the
// wrong client.
func ValidateResponse(in ValidationInput) ValidationResult {
	if in.CallID == "" {
		return reject("missing Call-ID")
	}

	if in.ExpectedUpstream != "" && in.ActualUpstream != "" && in.ExpectedUpstream != in.ActualUpstream {
		return reject("unexpected upstream %s (expected %s)", in.ActualUpstream, in.ExpectedUpstream)
	}

	if in.ExpectedConnID != "" && in.ActualConnID != "" && in.ExpectedConnID != in.ActualConnID {
		return reject("response arrived on unexpected connection for client")
	}

	if in.ExpectedProxyBranch != "" {
		var viaBranch string
		if in.Message != nil {
			viaBranch = BranchFromVia(in.Message.TopVia())
		}
		if viaBranch == "" {
			return reject("Via branch missing on response")
		}
		if viaBranch != in.ExpectedProxyBranch {
			return reject("Via branch mismatch (expected %s, got %s)", in.ExpectedProxyBranch, viaBranch)
		}
	}

	return ValidationResult{OK: true}
}
