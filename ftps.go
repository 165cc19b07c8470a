package ftp

import (
	"bufio"
	"crypto/tls"
	"net"
	"time"
)

// handshakeImplicit wraps conn in TLS immediately (implicit FTPS, port
// 990 by convention), before the greeting is read (spec.md §4.9 step
// 1).
func (s *Session) handshakeImplicit(conn net.Conn) error {
	cfg := s.tlsConfigOrDefault()
	tlsConn := tls.Client(conn, cfg)
	if s.connectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.connectTimeout))
	}
	if err := tlsConn.Handshake(); err != nil {
		return &SecureChannelError{Stage: "implicit TLS handshake", Cause: err}
	}
	s.conn = tlsConn
	return nil
}

// handshakeExplicit sends AUTH TLS after the plaintext greeting and
// upgrades the control channel (spec.md §4.9 step 2). A reply other
// than 234 is surfaced as SecureChannelError without attempting a
// handshake — the 334-then-sub-handshake path some servers use is rare
// enough, and ambiguous enough in the wild, that this client treats it
// as a failure rather than guessing at a second exchange.
func (s *Session) handshakeExplicit() error {
	reply, err := s.send("AUTH", "TLS")
	if err != nil {
		return err
	}
	if reply.Code != 234 {
		return &SecureChannelError{Stage: "AUTH TLS", Cause: &ProtocolError{Command: "AUTH TLS", Response: reply.Message(), Code: reply.Code}}
	}

	cfg := s.tlsConfigOrDefault()
	tlsConn := tls.Client(s.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return &SecureChannelError{Stage: "explicit TLS handshake", Cause: err}
	}
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	return nil
}

func (s *Session) tlsConfigOrDefault() *tls.Config {
	if s.tlsConfig == nil {
		s.tlsConfig = &tls.Config{ServerName: s.host}
	}
	if s.sessionCache != nil {
		s.tlsConfig.ClientSessionCache = s.sessionCache
	}
	return s.tlsConfig
}

// SecureDataChannel sends PBSZ 0 then PROT P, requiring TLS on every
// subsequent data connection (spec.md §4.9 step 3).
func (s *Session) SecureDataChannel() error {
	reply, err := s.send("PBSZ", "0")
	if err != nil {
		return err
	}
	if !reply.Is2xx() {
		return &SecureChannelError{Stage: "PBSZ", Cause: &ProtocolError{Command: "PBSZ", Response: reply.Message(), Code: reply.Code}}
	}

	reply, err = s.send("PROT", "P")
	if err != nil {
		return err
	}
	if !reply.Is2xx() {
		return &SecureChannelError{Stage: "PROT", Cause: &ProtocolError{Command: "PROT", Response: reply.Message(), Code: reply.Code}}
	}
	return nil
}

// ClearDataChannel sends PROT C, reverting data connections to
// plaintext.
func (s *Session) ClearDataChannel() error {
	reply, err := s.send("PROT", "C")
	if err != nil {
		return err
	}
	if !reply.Is2xx() {
		return &SecureChannelError{Stage: "PROT", Cause: &ProtocolError{Command: "PROT", Response: reply.Message(), Code: reply.Code}}
	}
	return nil
}

// ClearCommandChannel sends CCC, downgrading the control channel back
// to plaintext after an authenticated FTPS handshake (spec.md §4.9 step
// 5). A rejected CCC surfaces as SecureChannelError.
func (s *Session) ClearCommandChannel() error {
	reply, err := s.send("CCC")
	if err != nil {
		return err
	}
	if !reply.Is2xx() {
		return &SecureChannelError{Stage: "CCC", Cause: &ProtocolError{Command: "CCC", Response: reply.Message(), Code: reply.Code}}
	}

	if tlsConn, ok := s.conn.(*tls.Conn); ok {
		s.conn = tlsConn.NetConn()
		s.reader = bufio.NewReader(s.conn)
	}
	s.tlsMode = tlsModeNone
	return nil
}
