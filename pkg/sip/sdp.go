package sip

import (
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/sonnylloyd/siprelay/pkg/errors"
)

// UpdateSDPIP rewrites the session-level and all per-media connection
// addresses of an SDP body to newIP. Bodies that are not a recognizable
// session description are left untouched and reported as nil; a body that
// looks like SDP but fails to parse or re-serialize is also left untouched
// and the failure is returned for the caller to log.
func (m *Message) UpdateSDPIP(newIP string) error {
	if !strings.Contains(m.Body, "m=") {
		return nil
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(m.Body)); err != nil {
		return errors.Wrap(errors.ErrInvalidSDP, err.Error())
	}

	rewriteConnection(desc.ConnectionInformation, newIP)
	for _, media := range desc.MediaDescriptions {
		rewriteConnection(media.ConnectionInformation, newIP)
	}

	out, err := desc.Marshal()
	if err != nil {
		return errors.Wrap(errors.ErrInvalidSDP, err.Error())
	}

	m.Body = string(out)
	return nil
}

func rewriteConnection(ci *sdp.ConnectionInformation, newIP string) {
	if ci == nil || ci.Address == nil {
		return
	}
	ci.Address.Address = newIP
}

// UpdateSDPEndpoint rewrites the connection addresses like UpdateSDPIP and
// additionally redirects every active media description to newPort, so peers
// send their media at a relay socket instead of each other.
func (m *Message) UpdateSDPEndpoint(newIP string, newPort int) error {
	if !strings.Contains(m.Body, "m=") {
		return nil
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(m.Body)); err != nil {
		return errors.Wrap(errors.ErrInvalidSDP, err.Error())
	}

	rewriteConnection(desc.ConnectionInformation, newIP)
	for _, media := range desc.MediaDescriptions {
		rewriteConnection(media.ConnectionInformation, newIP)
		if media.MediaName.Port.Value != 0 {
			media.MediaName.Port.Value = newPort
		}
	}

	out, err := desc.Marshal()
	if err != nil {
		return errors.Wrap(errors.ErrInvalidSDP, err.Error())
	}

	m.Body = string(out)
	return nil
}

// SDPMediaAddress extracts the effective media endpoint (connection address
// and first media port) from an SDP body. ok is false when the body carries
// no usable media description.
func SDPMediaAddress(body string) (address string, port int, ok bool) {
	if !strings.Contains(body, "m=") {
		return "", 0, false
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(body)); err != nil {
		return "", 0, false
	}

	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		address = desc.ConnectionInformation.Address.Address
	}

	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Port.Value == 0 {
			continue
		}
		port = media.MediaName.Port.Value
		if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
			address = media.ConnectionInformation.Address.Address
		}
		break
	}

	if address == "" || port == 0 {
		return "", 0, false
	}
	return address, port, true
}
