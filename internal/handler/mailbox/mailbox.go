// Package mailbox implements a handler that files decoded messages into
// per-recipient Maildir folders under a root directory.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/emersion/go-maildir"

	"github.com/shineum/smtp-handler-lite/internal/email"
	"github.com/shineum/smtp-handler-lite/internal/handler"
	"github.com/shineum/smtp-handler-lite/internal/handler/message"
)

// Store appends enriched messages to a Maildir-per-recipient store rooted at
// a configured directory. Appends from overlapping transactions are
// serialized by the store's own mutex.
type Store struct {
	*message.Enricher

	root string
	log  *slog.Logger

	// mu serializes appends and Reset against each other.
	mu sync.Mutex
}

// New creates a Store rooted at dir, creating the directory if needed. A nil
// logger falls back to slog.Default().
func New(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mailbox: create store root: %w", err)
	}

	s := &Store{root: dir, log: log}
	s.Enricher = message.NewEnricher(s, log)
	return s, nil
}

func init() {
	handler.Register("mailbox", func(args []string, log *slog.Logger) (handler.Handler, error) {
		if len(args) != 1 {
			return nil, handler.Usagef("mailbox", "mailbox <directory>")
		}
		return New(args[0], log)
	})
}

// HandleMessage appends the message to the Maildir folder of each envelope
// recipient. Recipients are taken from the provenance X-RcptTos header the
// enricher stamped last.
func (s *Store) HandleMessage(_ context.Context, msg *email.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rcpt := range envelopeRecipients(msg) {
		if err := s.append(rcpt, msg); err != nil {
			return err
		}
		s.log.Debug("message filed", "recipient", rcpt)
	}
	return nil
}

// Reset empties the store. Used for test isolation, not part of normal
// delivery flow.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("mailbox: clear store: %w", err)
	}
	if err := os.MkdirAll(s.root, 0o700); err != nil {
		return fmt.Errorf("mailbox: recreate store root: %w", err)
	}
	return nil
}

// append writes the message into the recipient's Maildir, initializing the
// folder on first use.
func (s *Store) append(rcpt string, msg *email.Message) error {
	dir := maildir.Dir(filepath.Join(s.root, folderName(rcpt)))
	if err := dir.Init(); err != nil {
		return fmt.Errorf("mailbox: init folder for %s: %w", rcpt, err)
	}

	del, err := maildir.NewDelivery(string(dir))
	if err != nil {
		return fmt.Errorf("mailbox: open delivery for %s: %w", rcpt, err)
	}
	if _, err := msg.WriteTo(del); err != nil {
		del.Abort()
		return fmt.Errorf("mailbox: write message for %s: %w", rcpt, err)
	}
	if err := del.Close(); err != nil {
		return fmt.Errorf("mailbox: finish delivery for %s: %w", rcpt, err)
	}
	return nil
}

// envelopeRecipients parses the recipient list out of the last X-RcptTos
// occurrence, which is the provenance value the enricher appended.
func envelopeRecipients(msg *email.Message) []string {
	values := msg.Values("X-RcptTos")
	if len(values) == 0 {
		return nil
	}

	parts := strings.Split(values[len(values)-1], ",")
	rcpts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			rcpts = append(rcpts, p)
		}
	}
	return rcpts
}

// folderName maps a recipient address to a filesystem-safe folder name.
func folderName(rcpt string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, rcpt)
}
