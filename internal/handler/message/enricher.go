// Package message provides the shared base for handlers that operate on a
// decoded, header-addressable message instead of the raw transaction body.
package message

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shineum/smtp-handler-lite/internal/email"
	"github.com/shineum/smtp-handler-lite/internal/envelope"
)

// Handler receives the decoded, provenance-stamped message. Concrete
// handlers implement only this step; decode and header injection are done by
// the Enricher before it runs.
type Handler interface {
	HandleMessage(ctx context.Context, msg *email.Message) error
}

// Enricher decodes a transaction body into an email.Message, stamps the
// provenance headers, and forwards the result to a delegate Handler. It
// implements handler.Handler on behalf of the delegate.
type Enricher struct {
	delegate Handler
	log      *slog.Logger
}

// NewEnricher wraps delegate. A nil logger falls back to slog.Default().
func NewEnricher(delegate Handler, log *slog.Logger) *Enricher {
	if log == nil {
		log = slog.Default()
	}
	return &Enricher{delegate: delegate, log: log}
}

// OnMessageComplete decodes the envelope body, appends the X-Peer,
// X-MailFrom and X-RcptTos provenance headers, and hands the message to the
// delegate. Existing occurrences of those headers are kept; the provenance
// values are appended as additional occurrences.
//
// The byte and text decode paths yield structurally equal messages for
// equivalent content. A body that is neither text nor bytes fails with
// envelope.ErrBodyType.
func (e *Enricher) OnMessageComplete(ctx context.Context, env *envelope.Envelope) error {
	var (
		msg *email.Message
		err error
	)
	switch {
	case env.Body.IsBytes():
		msg, err = email.FromBytes(env.Body.Raw())
	case env.Body.IsText():
		msg, err = email.FromString(env.Body.Text())
	default:
		return envelope.ErrBodyType
	}
	if err != nil {
		return err
	}

	msg.Add("X-Peer", env.Peer.String())
	msg.Add("X-MailFrom", env.MailFrom)
	msg.Add("X-RcptTos", strings.Join(env.RcptTos, ", "))

	return e.delegate.HandleMessage(ctx, msg)
}
