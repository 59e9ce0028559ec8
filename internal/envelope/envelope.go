// Package envelope defines the mail transaction record handed from the SMTP
// protocol layer to a handler once a message has been fully received.
package envelope

import (
	"errors"
	"net"
	"strconv"
)

// ErrBodyType is returned when a transaction body carries neither text nor
// bytes. The protocol layer never produces such an envelope; consumers treat
// it as a hard failure.
var ErrBodyType = errors.New("envelope: body is neither text nor bytes")

// Peer identifies the remote endpoint of the connection that submitted the
// transaction.
type Peer struct {
	Host string
	Port int
}

// String returns the peer in host:port form.
func (p Peer) String() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// bodyKind discriminates the two body encodings a transaction may carry.
type bodyKind int

const (
	bodyUnset bodyKind = iota
	bodyText
	bodyBytes
)

// Body holds the message content of a transaction. The protocol layer fixes
// the encoding (text or bytes) per transaction; a Body never carries both.
// The zero value carries neither and is rejected by consumers with
// ErrBodyType.
type Body struct {
	kind bodyKind
	text string
	raw  []byte
}

// TextBody returns a Body carrying decoded text content.
func TextBody(s string) Body {
	return Body{kind: bodyText, text: s}
}

// BytesBody returns a Body carrying raw byte content.
func BytesBody(b []byte) Body {
	return Body{kind: bodyBytes, raw: b}
}

// IsText reports whether the body carries text content.
func (b Body) IsText() bool { return b.kind == bodyText }

// IsBytes reports whether the body carries byte content.
func (b Body) IsBytes() bool { return b.kind == bodyBytes }

// Text returns the text content. Valid only when IsText is true.
func (b Body) Text() string { return b.text }

// Raw returns the byte content. Valid only when IsBytes is true.
func (b Body) Raw() []byte { return b.raw }

// String returns the content as a string regardless of encoding. An unset
// body yields the empty string.
func (b Body) String() string {
	if b.kind == bodyBytes {
		return string(b.raw)
	}
	return b.text
}

// Bytes returns the content as bytes regardless of encoding, or (nil,
// ErrBodyType) for an unset body.
func (b Body) Bytes() ([]byte, error) {
	switch b.kind {
	case bodyText:
		return []byte(b.text), nil
	case bodyBytes:
		return b.raw, nil
	default:
		return nil, ErrBodyType
	}
}

// Envelope is one accepted mail transaction: the peer that submitted it, the
// envelope sender and recipients, the message body, and any ESMTP extension
// parameters seen on the MAIL and RCPT commands.
//
// Envelopes are immutable once handed to a handler. RcptTos is non-empty and
// order-preserving.
type Envelope struct {
	Peer        Peer
	MailFrom    string
	RcptTos     []string
	Body        Body
	MailOptions []string
	RcptOptions []string
}
