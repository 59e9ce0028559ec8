// Package relay implements a handler that forwards accepted transactions to
// a downstream SMTP endpoint and reports per-recipient refusals.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/shineum/smtp-handler-lite/internal/envelope"
	"github.com/shineum/smtp-handler-lite/internal/handler"
)

// sentinelCode is the non-triggering code assigned to refusals synthesized
// from failures that carry no SMTP code of their own.
const sentinelCode = -1

// placeholderText is the refusal message used when the failure carries none.
const placeholderText = "ignore"

// Refusal is one recipient rejected by the downstream relay target.
type Refusal struct {
	Code    int
	Message string
}

// RefusalSet maps recipient address to the refusal it received. An empty set
// means the relay target accepted every recipient.
type RefusalSet map[string]Refusal

// Session is the subset of an outbound SMTP client session used for one
// submission. *smtp.Client satisfies it; tests substitute fakes.
type Session interface {
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// Dialer opens a Session to the given host:port address.
type Dialer func(addr string) (Session, error)

// Forwarder relays each completed transaction to a fixed downstream SMTP
// endpoint. Delivery refusals are logged, never surfaced as handler
// failures, and never retried.
type Forwarder struct {
	host string
	port int
	dial Dialer
	log  *slog.Logger
}

// New creates a Forwarder targeting host:port. No connection is made until
// the first delivery; unreachable targets surface as refusals then. A nil
// logger falls back to slog.Default().
func New(host string, port int, log *slog.Logger) *Forwarder {
	return NewWithDialer(host, port, dialSMTP, log)
}

// NewWithDialer creates a Forwarder using a custom session dialer. Used by
// tests to substitute a fake downstream session.
func NewWithDialer(host string, port int, dial Dialer, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	return &Forwarder{host: host, port: port, dial: dial, log: log}
}

func init() {
	handler.Register("relay", func(args []string, log *slog.Logger) (handler.Handler, error) {
		if len(args) != 2 {
			return nil, handler.Usagef("relay", "relay <host> <port>")
		}
		port, err := strconv.Atoi(args[1])
		if err != nil || port <= 0 {
			return nil, handler.Usagef("relay", "relay <host> <port>")
		}
		return New(args[0], port, log), nil
	})
}

// OnMessageComplete stamps the body with an X-Peer header, submits it to the
// downstream endpoint, and logs whatever the endpoint refused. It completes
// normally regardless of refusal contents: transaction-level success is
// deliberately decoupled from recipient-level delivery outcome.
func (f *Forwarder) OnMessageComplete(ctx context.Context, env *envelope.Envelope) error {
	data := insertPeerHeader(env.Body.String(), env.Peer.Host)

	refused := f.deliver(env.MailFrom, env.RcptTos, data)
	if len(refused) > 0 {
		f.log.Info("relay target refused recipients",
			"target", f.addr(),
			"refused", len(refused),
			"recipients", refused,
		)
	} else {
		f.log.Debug("relay target accepted all recipients",
			"target", f.addr(),
			"recipients", len(env.RcptTos),
		)
	}
	return nil
}

// deliver performs one submission over a transient session. The session is
// released on every exit path. The returned set covers each refused
// recipient; transport-level failures refuse every recipient in the
// transaction.
func (f *Forwarder) deliver(from string, rcpts []string, data string) RefusalSet {
	sess, err := f.dial(f.addr())
	if err != nil {
		return refuseAll(rcpts, err)
	}
	defer func() {
		if err := sess.Quit(); err != nil {
			sess.Close()
		}
	}()

	if err := sess.Mail(from); err != nil {
		return refuseAll(rcpts, err)
	}

	refused := RefusalSet{}
	accepted := 0
	for _, rcpt := range rcpts {
		if err := sess.Rcpt(rcpt); err != nil {
			refused[rcpt] = refusalFromErr(err)
			continue
		}
		accepted++
	}
	if accepted == 0 {
		// Nothing to submit; report the per-recipient codes verbatim.
		return refused
	}

	w, err := sess.Data()
	if err != nil {
		return refuseAll(rcpts, err)
	}
	if _, err := io.WriteString(w, data); err != nil {
		w.Close()
		return refuseAll(rcpts, err)
	}
	if err := w.Close(); err != nil {
		return refuseAll(rcpts, err)
	}

	return refused
}

func (f *Forwarder) addr() string {
	return net.JoinHostPort(f.host, strconv.Itoa(f.port))
}

// refuseAll synthesizes a full-refusal set from a single failure, taking the
// SMTP code and message from the failure when present.
func refuseAll(rcpts []string, err error) RefusalSet {
	refusal := refusalFromErr(err)
	refused := make(RefusalSet, len(rcpts))
	for _, rcpt := range rcpts {
		refused[rcpt] = refusal
	}
	return refused
}

// refusalFromErr extracts (code, message) from an SMTP protocol error, or
// falls back to the sentinel code and the failure text.
func refusalFromErr(err error) Refusal {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return Refusal{Code: protoErr.Code, Message: protoErr.Msg}
	}
	msg := placeholderText
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return Refusal{Code: sentinelCode, Message: msg}
}

// insertPeerHeader inserts an "X-Peer: <host>" line immediately before the
// first blank line, making it the last header. A body without a blank line
// gets the header appended at the end. An empty body is treated as an empty
// header section followed by an empty body, so the header lands first.
func insertPeerHeader(body, peerHost string) string {
	lines := strings.Split(body, "\n")
	header := "X-Peer: " + peerHost

	for i, line := range lines {
		if strings.TrimRight(line, "\r") == "" {
			inserted := make([]string, 0, len(lines)+1)
			inserted = append(inserted, lines[:i]...)
			inserted = append(inserted, header)
			inserted = append(inserted, lines[i:]...)
			return strings.Join(inserted, "\n")
		}
	}

	return strings.Join(append(lines, header), "\n")
}

// dialSMTP opens a real SMTP client session.
func dialSMTP(addr string) (Session, error) {
	c, err := smtp.Dial(addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}
