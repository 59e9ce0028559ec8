package smtp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-handler-lite/internal/envelope"
	"github.com/shineum/smtp-handler-lite/internal/handler"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// maxMessageSize is the default maximum message size (10 MB).
const maxMessageSize = 10 * 1024 * 1024

// Session represents a single SMTP client connection and manages the SMTP
// protocol state machine. Each completed transaction is handed to the
// configured handler as an envelope.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	handler  handler.Handler
	hostname string
	log      *slog.Logger

	// Current transaction
	mailFrom    string
	mailOptions []string
	rcptTos     []string
	rcptOptions []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, h handler.Handler, hostname string, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		writer:   bufio.NewWriter(conn),
		state:    stateConnected,
		handler:  h,
		hostname: hostname,
		log:      log,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP smtp-handler-lite", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		done := s.handleCommand(ctx, cmd, arg)
		if done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

// handleEHLO processes EHLO/HELO commands.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	if cmd == "HELO" {
		s.state = stateGreeted
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	// EHLO response with capabilities
	s.state = stateGreeted
	s.writeLine("250-%s Hello %s", s.hostname, arg)
	s.writeLine("250-8BITMIME")
	s.writeLine("250-SIZE %d", maxMessageSize)
	s.writeLine("250 OK")
}

// handleMAIL processes the MAIL FROM command, capturing any ESMTP extension
// parameters that follow the address.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr, opts := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.mailOptions = opts
	s.rcptTos = nil
	s.rcptOptions = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command, capturing any ESMTP extension
// parameters that follow the address.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, opts := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTos = append(s.rcptTos, addr)
	s.rcptOptions = append(s.rcptOptions, opts...)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message content and hands the completed transaction
// to the handler.
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data bytes.Buffer
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.log.Error("error reading DATA", "error", err)
			return
		}

		// Check for end of data marker
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// Dot-stuffing: lines starting with ".." have the leading dot removed
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		data.WriteString(line)
	}

	env := &envelope.Envelope{
		Peer:        s.peer(),
		MailFrom:    s.mailFrom,
		RcptTos:     s.rcptTos,
		Body:        envelope.BytesBody(data.Bytes()),
		MailOptions: s.mailOptions,
		RcptOptions: s.rcptOptions,
	}

	queueID := uuid.NewString()
	if err := s.handler.OnMessageComplete(ctx, env); err != nil {
		s.log.Error("handler rejected message",
			"queue_id", queueID,
			"error", err,
		)
		s.writeLine("554 Transaction failed")
		s.resetTransaction()
		return
	}

	s.log.Info("message accepted",
		"queue_id", queueID,
		"from", env.MailFrom,
		"recipients", len(env.RcptTos),
		"size", data.Len(),
	)
	s.writeLine("250 OK message queued as %s", queueID)
	s.resetTransaction()
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction state without
// affecting the session greeting state.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.mailOptions = nil
	s.rcptTos = nil
	s.rcptOptions = nil

	if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// peer derives the transaction peer from the connection's remote address.
func (s *Session) peer() envelope.Peer {
	host, portStr, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return envelope.Peer{Host: s.conn.RemoteAddr().String()}
	}
	port, _ := strconv.Atoi(portStr)
	return envelope.Peer{Host: host, Port: port}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		s.log.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter, handling
// both angle-bracket and bare formats, and returns any ESMTP extension
// parameters that follow it.
func extractAddress(s string) (string, []string) {
	s = strings.TrimSpace(s)

	// Handle angle-bracket format: <user@example.com> [PARAM ...]
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", nil
		}
		return s[1:end], strings.Fields(s[end+1:])
	}

	// Bare address format
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
