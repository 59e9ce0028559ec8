// Package sink implements a handler that accepts every transaction and does
// nothing with it.
package sink

import (
	"context"
	"log/slog"

	"github.com/shineum/smtp-handler-lite/internal/envelope"
	"github.com/shineum/smtp-handler-lite/internal/handler"
)

// Sink discards all transactions. It holds no state and is trivially safe
// for concurrent use.
type Sink struct{}

// New creates a Sink.
func New() *Sink {
	return &Sink{}
}

func init() {
	handler.Register("sink", func(args []string, _ *slog.Logger) (handler.Handler, error) {
		if len(args) > 0 {
			return nil, handler.Usagef("sink", "sink takes no arguments")
		}
		return New(), nil
	})
}

// OnMessageComplete accepts the transaction without side effects.
func (s *Sink) OnMessageComplete(context.Context, *envelope.Envelope) error {
	return nil
}
