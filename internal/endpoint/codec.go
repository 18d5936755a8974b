package endpoint

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// Representation is how a received payload is handed downstream.
type Representation string

const (
	Raw    Representation = "raw"
	UTF8   Representation = "utf8"
	Base64 Representation = "base64"
)

// Valid reports whether r is a known representation.
func (r Representation) Valid() bool {
	switch r {
	case Raw, UTF8, Base64:
		return true
	}
	return false
}

// decodeInbound converts a received payload into its text form. Invalid
// UTF-8 sequences become U+FFFD.
func decodeInbound(r Representation, payload []byte) (string, error) {
	switch r {
	case UTF8:
		b, err := unicode.UTF8.NewDecoder().Bytes(payload)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case Base64:
		return base64.StdEncoding.EncodeToString(payload), nil
	case Raw, "":
		return "", nil
	}
	return "", fmt.Errorf("unknown representation %q", r)
}

// encodeOutbound normalizes a request payload to the bytes put on the wire.
// Byte payloads are always sent as-is. With decode set, Text is base64 and
// is decoded first.
func encodeOutbound(req OutboundRequest, decode bool) ([]byte, error) {
	if len(req.Payload) > 0 {
		return req.Payload, nil
	}
	if !decode {
		return []byte(req.Text), nil
	}

	out, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.Text))
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "not valid base64: " + err.Error()}
	}
	return out, nil
}
