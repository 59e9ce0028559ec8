// Package handler defines the contract between the SMTP protocol layer and
// the pluggable components that process completed mail transactions.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shineum/smtp-handler-lite/internal/envelope"
)

// Handler is the interface every message handler implements. The protocol
// layer calls OnMessageComplete exactly once per accepted transaction; it is
// the only coupling between the two layers.
//
// A single Handler instance is shared across all connections of a server, so
// implementations must be safe for concurrent use across independent
// transactions.
type Handler interface {
	// OnMessageComplete processes one completed mail transaction. A nil
	// return accepts the transaction; an error signals failure back to
	// the protocol layer.
	OnMessageComplete(ctx context.Context, env *envelope.Envelope) error
}

// Factory constructs a handler from CLI-style arguments. Handlers that
// cannot be configured from a flat argument list simply do not register a
// Factory; generic callers must not treat the absence as an error.
type Factory func(args []string, log *slog.Logger) (Handler, error)

// UsageError reports a malformed handler argument list. It is surfaced at
// construction time and never recovered.
type UsageError struct {
	Name  string
	Usage string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s usage: %s", e.Name, e.Usage)
}

// Usagef returns a UsageError for the named handler.
func Usagef(name, usage string) error {
	return &UsageError{Name: name, Usage: usage}
}

var factories = map[string]Factory{}

// Register makes a handler constructible by name through FromArgs. It is
// called from package init functions of the concrete handlers.
func Register(name string, f Factory) {
	factories[name] = f
}

// FromArgs constructs the named handler from CLI-style arguments. It returns
// an error if the name is unknown or the handler's own validation fails.
func FromArgs(name string, args []string, log *slog.Logger) (Handler, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown handler %q (available: %v)", name, Names())
	}
	return f(args, log)
}

// Names returns the registered handler names in sorted order.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
