package endpoint

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	// ErrNotStarted is returned when an endpoint is used before Start.
	ErrNotStarted = errors.New("endpoint not started")

	// ErrClosed is returned when an endpoint is used after Stop.
	ErrClosed = errors.New("endpoint closed")
)

// ValidationError reports a malformed outbound request. Requests failing
// validation are dropped without touching the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InboundMessage is one received datagram as delivered downstream.
type InboundMessage struct {
	// Endpoint is the name of the receiving endpoint.
	Endpoint string `json:"endpoint"`

	Representation Representation `json:"datatype"`

	// Raw is the payload as received. It is shared between all endpoints on
	// the socket and must not be modified.
	Raw []byte `json:"-"`

	// Text is the payload as a string for the utf8 and base64
	// representations.
	Text string `json:"payload,omitempty"`

	SourceAddressPort string `json:"source_address_port"`
	SourceIP          string `json:"source_ip"`
	SourcePort        int    `json:"source_port"`
}

// Payload returns the payload in its configured representation: []byte for
// raw, string otherwise.
func (m InboundMessage) Payload() any {
	if m.Representation == Raw {
		return m.Raw
	}
	return m.Text
}

// Bytes returns the payload bytes the message would be sent as.
func (m InboundMessage) Bytes() []byte {
	if m.Representation == Raw {
		return m.Raw
	}
	return []byte(m.Text)
}

// OutboundRequest asks an outbound endpoint to send one datagram.
type OutboundRequest struct {
	// Payload is sent as-is, even on a base64 endpoint. When empty, Text is
	// used instead.
	Payload []byte `json:"-"`
	Text    string `json:"payload,omitempty"`

	// DestinationIP and DestinationPort are used only where the endpoint has
	// no configured address or port.
	DestinationIP   string `json:"destination_ip,omitempty"`
	DestinationPort int    `json:"destination_port,omitempty"`

	// RelatedPorts extends a rebind request to other ports.
	RelatedPorts []int `json:"related_ports,omitempty"`
}

// SendResult is the outcome of one OutboundRequest.
type SendResult struct {
	Endpoint string
	Request  OutboundRequest

	// Destination is "ip:port" once validation passed.
	Destination string

	// Bytes is the number of bytes written.
	Bytes int

	// Dropped is set when the request failed validation and nothing was sent.
	Dropped bool

	// Err is the validation, acquisition or send error, if any.
	Err error
}

func sourceFields(addr *net.UDPAddr) (addrPort, ip string, port int) {
	if addr == nil {
		return "", "", 0
	}
	ip = addr.IP.String()
	return net.JoinHostPort(ip, strconv.Itoa(addr.Port)), ip, addr.Port
}
