package ftp

import (
	"fmt"
	"strings"
	"time"
)

// send writes a command line to the control channel and reads back its
// reply, applying the control-channel timeout and translating a 421
// reply or a read error into a ConnectionClosedError (spec.md §4.2,
// §7). It is the single chokepoint every command-issuing method funnels
// through.
func (s *Session) send(command string, args ...string) (*Reply, error) {
	if s.closed {
		return nil, &ConnectionClosedError{}
	}

	if err := s.rawSend(command, args...); err != nil {
		return nil, err
	}
	return s.readReply()
}

// rawSend formats and writes one command line, logging it with any
// password argument redacted.
func (s *Session) rawSend(command string, args ...string) error {
	line := command
	if len(args) > 0 {
		line = command + " " + strings.Join(args, " ")
	}

	s.logger.Debug("send", "command", logSafeCommand(command, line))

	encoded, encErr := controlEncodingFor(s.utf8Active).NewEncoder().String(line)
	if encErr != nil {
		encoded = line
	}

	if s.soTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.soTimeout))
	}
	if _, err := fmt.Fprintf(s.conn, "%s\r\n", encoded); err != nil {
		s.closed = true
		return &ConnectionClosedError{Cause: err}
	}
	s.lastCommand = time.Now()
	return nil
}

// readReply reads one reply, applying the control-channel read deadline
// and converting EOF/421 into session closure.
func (s *Session) readReply() (*Reply, error) {
	if s.soTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.soTimeout))
	}

	reply, err := readReply(s.reader, controlEncodingFor(s.utf8Active))
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Op: "read reply", Cause: err}
		}
		s.closed = true
		return nil, &ConnectionClosedError{Cause: err}
	}

	s.lastReply = reply
	s.logger.Debug("recv", "code", reply.Code, "message", reply.Message())

	if reply.Code == 421 {
		s.closed = true
		return reply, &ConnectionClosedError{Reply: reply}
	}

	return reply, nil
}

// completePending reads the final status reply that follows a data
// transfer (normally 226/250, or 426 on abort), after the data
// connection has already been closed. It is split out from send so the
// transfer engine can read it at the correct point in the state machine
// (spec.md §4.4 "CompletionRead").
func (s *Session) completePending() (*Reply, error) {
	return s.readReply()
}

// logSafeCommand redacts the argument of PASS so credentials never hit
// the log stream.
func logSafeCommand(command, line string) string {
	if strings.EqualFold(command, "PASS") {
		return "PASS ***"
	}
	return line
}

// expect2xx issues a command and converts anything outside 2xx into a
// *ProtocolError, for call sites that want an error return instead of a
// boolean (internal helpers only; public API follows the boolean
// contract of spec.md §4.8/§7).
func (s *Session) expect2xx(command string, args ...string) (*Reply, error) {
	reply, err := s.send(command, args...)
	if err != nil {
		return nil, err
	}
	if !reply.Is2xx() {
		return reply, &ProtocolError{Command: command, Response: reply.Message(), Code: reply.Code}
	}
	return reply, nil
}
