package mailbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/shineum/smtp-handler-lite/internal/envelope"
)

func sampleEnvelope(rcpts ...string) *envelope.Envelope {
	return &envelope.Envelope{
		Peer:     envelope.Peer{Host: "192.0.2.1", Port: 54321},
		MailFrom: "alice@example.com",
		RcptTos:  rcpts,
		Body: envelope.BytesBody([]byte(
			"From: alice@example.com\r\nSubject: hi\r\n\r\nHello\r\n")),
	}
}

// storedMessages returns the contents of every message filed for rcpt.
func storedMessages(t *testing.T, root, rcpt string) []string {
	t.Helper()

	entries, err := os.ReadDir(filepath.Join(root, rcpt, "new"))
	if err != nil {
		t.Fatalf("read folder for %s: %v", rcpt, err)
	}

	var msgs []string
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(root, rcpt, "new", e.Name()))
		if err != nil {
			t.Fatalf("read message: %v", err)
		}
		msgs = append(msgs, string(data))
	}
	return msgs
}

func TestHandleMessage_FilesPerRecipient(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := New(root, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := sampleEnvelope("bob@example.com", "carol@example.com")
	if err := s.OnMessageComplete(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, rcpt := range env.RcptTos {
		msgs := storedMessages(t, root, rcpt)
		if len(msgs) != 1 {
			t.Fatalf("%s: got %d messages, want 1", rcpt, len(msgs))
		}
		if !strings.Contains(msgs[0], "X-Mailfrom: alice@example.com") {
			t.Errorf("%s: stored message missing provenance sender: %q", rcpt, msgs[0])
		}
		if !strings.Contains(msgs[0], "Hello") {
			t.Errorf("%s: stored message missing body: %q", rcpt, msgs[0])
		}
	}
}

func TestHandleMessage_ConcurrentAppends(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := New(root, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.OnMessageComplete(context.Background(), sampleEnvelope("bob@example.com")); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(storedMessages(t, root, "bob@example.com")); got != n {
		t.Errorf("stored messages: got %d, want %d", got, n)
	}
}

func TestReset_EmptiesStore(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := New(root, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.OnMessageComplete(context.Background(), sampleEnvelope("bob@example.com")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: unexpected error: %v", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read store root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("store root not empty after Reset: %v", entries)
	}

	// The store stays usable after a reset.
	if err := s.OnMessageComplete(context.Background(), sampleEnvelope("bob@example.com")); err != nil {
		t.Fatalf("append after Reset: unexpected error: %v", err)
	}
	if got := len(storedMessages(t, root, "bob@example.com")); got != 1 {
		t.Errorf("stored messages after Reset: got %d, want 1", got)
	}
}

func TestFolderName_Sanitizes(t *testing.T) {
	t.Parallel()

	if got := folderName("weird/..\\user:name@example.com"); strings.ContainsAny(got, `/\:`) {
		t.Errorf("folderName left unsafe characters: %q", got)
	}
}
