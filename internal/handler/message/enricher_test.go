package message

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/shineum/smtp-handler-lite/internal/email"
	"github.com/shineum/smtp-handler-lite/internal/envelope"
)

// recorder implements Handler and captures the message it receives.
type recorder struct {
	msg *email.Message
	err error
}

func (r *recorder) HandleMessage(_ context.Context, msg *email.Message) error {
	r.msg = msg
	return r.err
}

func sampleEnvelope(body envelope.Body) *envelope.Envelope {
	return &envelope.Envelope{
		Peer:     envelope.Peer{Host: "192.0.2.1", Port: 54321},
		MailFrom: "alice@example.com",
		RcptTos:  []string{"bob@example.com", "carol@example.com"},
		Body:     body,
	}
}

const rawMessage = "From: alice@example.com\r\n" +
	"Subject: Greetings\r\n" +
	"\r\n" +
	"Hello\r\n"

func TestOnMessageComplete_ProvenanceHeaders(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	e := NewEnricher(rec, nil)

	err := e.OnMessageComplete(context.Background(), sampleEnvelope(envelope.BytesBody([]byte(rawMessage))))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.msg == nil {
		t.Fatal("delegate never received a message")
	}

	if got := rec.msg.Get("X-Peer"); got != "192.0.2.1:54321" {
		t.Errorf("X-Peer: got %q, want %q", got, "192.0.2.1:54321")
	}
	if got := rec.msg.Get("X-Mailfrom"); got != "alice@example.com" {
		t.Errorf("X-MailFrom: got %q, want %q", got, "alice@example.com")
	}
	if got := rec.msg.Get("X-Rcpttos"); got != "bob@example.com, carol@example.com" {
		t.Errorf("X-RcptTos: got %q, want comma-joined recipients", got)
	}

	// Original headers are untouched.
	if got := rec.msg.Get("Subject"); got != "Greetings" {
		t.Errorf("Subject: got %q, want %q", got, "Greetings")
	}
}

func TestOnMessageComplete_KeepsForgedProvenanceHeaders(t *testing.T) {
	t.Parallel()

	forged := "X-Peer: attacker.example.com\r\n" +
		"From: alice@example.com\r\n" +
		"\r\n" +
		"Hello\r\n"

	rec := &recorder{}
	e := NewEnricher(rec, nil)

	err := e.OnMessageComplete(context.Background(), sampleEnvelope(envelope.TextBody(forged)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	values := rec.msg.Values("X-Peer")
	if len(values) != 2 {
		t.Fatalf("X-Peer occurrences: got %d, want 2 (forged kept, provenance appended)", len(values))
	}
	if values[0] != "attacker.example.com" {
		t.Errorf("first occurrence: got %q, want the forged value", values[0])
	}
	if values[1] != "192.0.2.1:54321" {
		t.Errorf("last occurrence: got %q, want the provenance value", values[1])
	}
}

func TestOnMessageComplete_TextAndBytesEquivalent(t *testing.T) {
	t.Parallel()

	fromText := &recorder{}
	err := NewEnricher(fromText, nil).
		OnMessageComplete(context.Background(), sampleEnvelope(envelope.TextBody(rawMessage)))
	if err != nil {
		t.Fatalf("text path: unexpected error: %v", err)
	}

	fromBytes := &recorder{}
	err = NewEnricher(fromBytes, nil).
		OnMessageComplete(context.Background(), sampleEnvelope(envelope.BytesBody([]byte(rawMessage))))
	if err != nil {
		t.Fatalf("bytes path: unexpected error: %v", err)
	}

	if !reflect.DeepEqual(fromText.msg.Header, fromBytes.msg.Header) {
		t.Errorf("headers differ: %v vs %v", fromText.msg.Header, fromBytes.msg.Header)
	}
	if string(fromText.msg.Body) != string(fromBytes.msg.Body) {
		t.Errorf("bodies differ: %q vs %q", fromText.msg.Body, fromBytes.msg.Body)
	}
}

func TestOnMessageComplete_HeaderlessBody(t *testing.T) {
	t.Parallel()

	raw := "just a plain text body\nno header section\n"
	rec := &recorder{}
	e := NewEnricher(rec, nil)

	err := e.OnMessageComplete(context.Background(), sampleEnvelope(envelope.TextBody(raw)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.msg == nil {
		t.Fatal("delegate never received a message")
	}

	if got := rec.msg.Get("X-Peer"); got != "192.0.2.1:54321" {
		t.Errorf("X-Peer: got %q, want provenance value", got)
	}
	if got := rec.msg.Get("X-Rcpttos"); got != "bob@example.com, carol@example.com" {
		t.Errorf("X-RcptTos: got %q, want comma-joined recipients", got)
	}
	if string(rec.msg.Body) != raw {
		t.Errorf("body: got %q, want the whole content", rec.msg.Body)
	}
}

func TestOnMessageComplete_EmptyBody(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	e := NewEnricher(rec, nil)

	err := e.OnMessageComplete(context.Background(), sampleEnvelope(envelope.BytesBody(nil)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.msg == nil {
		t.Fatal("delegate never received a message")
	}

	if got := rec.msg.Get("X-Mailfrom"); got != "alice@example.com" {
		t.Errorf("X-MailFrom: got %q, want provenance value", got)
	}
	if len(rec.msg.Body) != 0 {
		t.Errorf("body: got %q, want empty", rec.msg.Body)
	}
}

func TestOnMessageComplete_UnsetBody(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	e := NewEnricher(rec, nil)

	err := e.OnMessageComplete(context.Background(), sampleEnvelope(envelope.Body{}))
	if !errors.Is(err, envelope.ErrBodyType) {
		t.Fatalf("got %v, want ErrBodyType", err)
	}
	if rec.msg != nil {
		t.Error("delegate should not run for an undecodable body")
	}
}

func TestOnMessageComplete_DelegateFailurePropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("mailbox full")
	rec := &recorder{err: boom}
	e := NewEnricher(rec, nil)

	err := e.OnMessageComplete(context.Background(), sampleEnvelope(envelope.TextBody(rawMessage)))
	if !errors.Is(err, boom) {
		t.Errorf("got %v, want delegate error", err)
	}
}
