// Package email defines the header-addressable message model handlers work
// with once a raw transaction body has been decoded.
package email

import (
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"net/textproto"
	"sort"
	"strings"
)

// Message is a decoded RFC 5322 message: a multi-valued header section and
// the raw body that follows it. Header keys are kept in canonical MIME form
// and remembered in order of first appearance.
type Message struct {
	Header mail.Header
	Body   []byte

	// keys holds header names in order of first appearance, so
	// serialization preserves the received header order.
	keys []string
}

// FromBytes decodes a raw byte message into a Message. Decoding is lenient:
// content with no parseable header section (including empty content) yields
// a Message with an empty header and the whole content as body, matching
// what permissive mail parsers do with untrusted input.
func FromBytes(raw []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return &Message{Header: mail.Header{}, Body: raw}, nil
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("email: read message body: %w", err)
	}

	return &Message{
		Header: msg.Header,
		Body:   body,
		keys:   headerOrder(raw),
	}, nil
}

// FromString decodes a text message into a Message. The result is
// structurally identical to decoding the byte encoding of the same content
// with FromBytes.
func FromString(raw string) (*Message, error) {
	return FromBytes([]byte(raw))
}

// Add appends a value for the given header key. Existing occurrences are
// preserved; headers are multi-valued and forged occurrences in untrusted
// mail must not be silently dropped.
func (m *Message) Add(key, value string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := m.Header[k]; !ok {
		m.keys = append(m.keys, k)
	}
	m.Header[k] = append(m.Header[k], value)
}

// Get returns the first value for the given header key, or "" if absent.
func (m *Message) Get(key string) string {
	return m.Header.Get(key)
}

// Values returns all values for the given header key in order of addition.
func (m *Message) Values(key string) []string {
	return m.Header[textproto.CanonicalMIMEHeaderKey(key)]
}

// WriteTo serializes the message as header section, blank line, body.
// Headers are emitted in the order they first appeared on the decoded
// message, then in order of addition.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, k := range m.orderedKeys() {
		for _, v := range m.Header[k] {
			n, err := fmt.Fprintf(w, "%s: %s\r\n", k, v)
			total += int64(n)
			if err != nil {
				return total, err
			}
		}
	}

	n, err := io.WriteString(w, "\r\n")
	total += int64(n)
	if err != nil {
		return total, err
	}

	nb, err := w.Write(m.Body)
	total += int64(nb)
	return total, err
}

// orderedKeys returns every header key exactly once, in first-appearance
// order. Keys present in the map but missing from the order list (a Message
// assembled by hand) are appended sorted.
func (m *Message) orderedKeys() []string {
	seen := make(map[string]bool, len(m.Header))
	keys := make([]string, 0, len(m.Header))
	for _, k := range m.keys {
		if _, ok := m.Header[k]; ok && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	var rest []string
	for k := range m.Header {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

// headerOrder scans the header section of raw and records each key's first
// appearance, canonicalized the same way net/mail canonicalizes them.
func headerOrder(raw []byte) []string {
	seen := map[string]bool{}
	var keys []string

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		// Continuation lines belong to the previous key.
		if line[0] == ' ' || line[0] == '\t' {
			continue
		}
		name, _, ok := strings.Cut(line, ":")
		if !ok {
			break
		}
		k := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}
