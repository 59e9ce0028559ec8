// Package debug implements a handler that dumps each transaction to a
// stream in a human-readable format.
package debug

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shineum/smtp-handler-lite/internal/envelope"
	"github.com/shineum/smtp-handler-lite/internal/handler"
)

// Printer writes a dump of every completed transaction to its stream.
// Writes from concurrent transactions may interleave; the stream is not
// locked.
type Printer struct {
	stream io.Writer
}

// New creates a Printer writing to os.Stdout.
func New() *Printer {
	return &Printer{stream: os.Stdout}
}

// NewWithWriter creates a Printer writing to the given stream. This is
// useful for testing.
func NewWithWriter(w io.Writer) *Printer {
	return &Printer{stream: w}
}

func init() {
	handler.Register("debug", func(args []string, _ *slog.Logger) (handler.Handler, error) {
		switch {
		case len(args) == 0:
			return New(), nil
		case len(args) > 1:
			return nil, handler.Usagef("debug", "debug [stdout|stderr]")
		case args[0] == "stdout":
			return NewWithWriter(os.Stdout), nil
		case args[0] == "stderr":
			return NewWithWriter(os.Stderr), nil
		default:
			return nil, handler.Usagef("debug", "debug [stdout|stderr]")
		}
	})
}

// OnMessageComplete prints the transaction between separator lines, with
// mail and rcpt option summaries when present and an X-Peer line inserted at
// the header/body boundary.
func (p *Printer) OnMessageComplete(_ context.Context, env *envelope.Envelope) error {
	fmt.Fprintln(p.stream, "---------- MESSAGE FOLLOWS ----------")
	if len(env.MailOptions) > 0 {
		fmt.Fprintf(p.stream, "mail options: %v\n", env.MailOptions)
	}
	if len(env.RcptOptions) > 0 {
		fmt.Fprintf(p.stream, "rcpt options: %v\n\n", env.RcptOptions)
	}
	p.printContent(env)
	fmt.Fprintln(p.stream, "------------ END MESSAGE ------------")
	return nil
}

// printContent dumps the body line by line, inserting the peer marker at the
// end of the header section.
func (p *Printer) printContent(env *envelope.Envelope) {
	inHeaders := true
	for _, line := range strings.Split(env.Body.String(), "\n") {
		line = strings.TrimRight(line, "\r")
		if inHeaders && line == "" {
			fmt.Fprintf(p.stream, "X-Peer: %s\n", env.Peer)
			inHeaders = false
		}
		fmt.Fprintln(p.stream, line)
	}
}
