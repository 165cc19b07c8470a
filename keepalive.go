package ftp

import (
	"time"
)

// keepaliveInterleaver emits NOOPs on the control channel at
// control_keepalive_idle intervals while a transfer's copy loop is
// running, so a long-lived passive connection isn't dropped by an
// intermediate firewall for looking idle. It only ever runs inside the
// engine-managed transfer operations — the *Stream variants hand the
// data socket to the caller and never touch this type.
type keepaliveInterleaver struct {
	session      *Session
	idle         time.Duration
	replyTimeout time.Duration

	lastActivity time.Time
	pending      int
	acked        int
	unread       int
	ioErrors     int
}

func newKeepaliveInterleaver(s *Session) *keepaliveInterleaver {
	if s.keepaliveIdle <= 0 {
		return nil
	}
	return &keepaliveInterleaver{
		session:      s,
		idle:         s.keepaliveIdle,
		replyTimeout: s.keepaliveReplyTimeout,
		lastActivity: time.Now(),
	}
}

// tick is called once per copy-loop iteration; it sends a NOOP if
// control_keepalive_idle has elapsed since the last one.
func (k *keepaliveInterleaver) tick() {
	if k == nil {
		return
	}
	if time.Since(k.lastActivity) < k.idle {
		return
	}
	k.lastActivity = time.Now()

	if err := k.session.rawSend("NOOP"); err != nil {
		k.ioErrors++
		return
	}
	k.pending++

	if k.replyTimeout > 0 {
		_ = k.session.conn.SetReadDeadline(time.Now().Add(k.replyTimeout))
	}
	reply, err := readReply(k.session.reader, controlEncodingFor(k.session.utf8Active))
	switch {
	case err != nil && isTimeout(err):
		// Counted as pending, not failed — the reply may still arrive
		// and gets drained at drain() time.
	case err != nil:
		k.ioErrors++
	default:
		k.session.lastReply = reply
		k.pending--
		k.acked++
	}
}

// drain reads up to pending outstanding NOOP replies before the
// transfer's own completion reply is read, tolerating isolated
// timeouts (the server may elide a reply entirely).
func (k *keepaliveInterleaver) drain() {
	if k == nil {
		return
	}
	for k.pending > 0 {
		if k.replyTimeout > 0 {
			_ = k.session.conn.SetReadDeadline(time.Now().Add(k.replyTimeout))
		}
		reply, err := readReply(k.session.reader, controlEncodingFor(k.session.utf8Active))
		k.pending--
		switch {
		case err != nil && isTimeout(err):
			k.unread++
		case err != nil:
			k.ioErrors++
		default:
			k.session.lastReply = reply
			k.acked++
		}
	}
}

// debug exposes the {acked, pending, unread, io_errors} tuple spec.md's
// keepalive property test inspects.
type keepaliveDebug struct {
	Acked       int
	StillPending int
	Unread      int
	IOErrors    int
}

func (k *keepaliveInterleaver) debug() keepaliveDebug {
	if k == nil {
		return keepaliveDebug{}
	}
	return keepaliveDebug{Acked: k.acked, StillPending: k.pending, Unread: k.unread, IOErrors: k.ioErrors}
}
