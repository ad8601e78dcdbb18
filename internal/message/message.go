// Package message defines the wire-level request/response shape shared by
// the rules engine and the connection handler: an ordered header list plus
// an opaque body.
package message

import (
	"net/textproto"
	"strings"
)

// Header is one (name, value) pair in arrival order.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered, case-insensitive-lookup header list. Order is
// preserved across mutation; emission MAY re-case names (see Titlecase).
type Headers []Header

// Get returns the first value for name, matched case-insensitively.
func (h Headers) Get(name string) (string, bool) {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

// Set overwrites the first case-insensitive match for name, or appends if
// absent. The name as given is kept verbatim; use Titlecase to re-case the
// whole list after rule application.
func (h *Headers) Set(name, value string) {
	for i := range *h {
		if strings.EqualFold((*h)[i].Name, name) {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// Del removes every case-insensitive match for name.
func (h *Headers) Del(name string) {
	out := (*h)[:0]
	for _, hdr := range *h {
		if !strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr)
		}
	}
	*h = out
}

// Has reports whether name is present, case-insensitively.
func (h Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Clone returns an independent copy of h.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Titlecase returns a copy of h with every name rewritten to canonical MIME
// header casing (e.g. "content-type" -> "Content-Type"), preserving order.
// The rules engine applies this as its final step (§4.3 step 3).
func (h Headers) Titlecase() Headers {
	out := make(Headers, len(h))
	for i, hdr := range h {
		out[i] = Header{Name: textproto.CanonicalMIMEHeaderKey(hdr.Name), Value: hdr.Value}
	}
	return out
}

// Message is a triple of (header list, body bytes, protocol version).
type Message struct {
	Headers Headers
	Body    []byte
	Version string
}

// New returns a Message with a default HTTP/1.1 version and no headers.
func New() Message {
	return Message{Version: "1.1"}
}
