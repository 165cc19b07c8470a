package ftp

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/coldwave-labs/goftp/internal/ratelimit"
)

// transferState names the explicit state machine every engine-managed
// transfer walks through (spec.md §4.4).
type transferState int

const (
	stateIdle transferState = iota
	stateDataOpened
	stateCopying
	stateDataClosed
	stateCompletionRead
)

// TransferStats is returned alongside a completed transfer, carrying the
// byte count and the keepalive debug tuple spec.md's property test
// inspects.
type TransferStats struct {
	BytesTransferred int64
	Keepalive        keepaliveDebug
}

// RetrieveFile downloads remote into sink, using the session's current
// file_type and restart_offset (consumed regardless of outcome).
func (s *Session) RetrieveFile(remote string, sink io.Writer) (TransferStats, error) {
	return s.transfer("RETR", remote, nil, sink)
}

// StoreFile uploads source to remote via STOR.
func (s *Session) StoreFile(remote string, source io.Reader) (TransferStats, error) {
	return s.transfer("STOR", remote, source, nil)
}

// AppendFile uploads source to remote via APPE.
func (s *Session) AppendFile(remote string, source io.Reader) (TransferStats, error) {
	return s.transfer("APPE", remote, source, nil)
}

// StoreUnique uploads source via STOU, returning the server-chosen name
// parsed from the 1xx/2xx reply's path token (same quoting rules as
// PWD), per spec.md §4.8.
func (s *Session) StoreUnique(source io.Reader) (string, TransferStats, error) {
	stats, err := s.transfer("STOU", "", source, nil)
	name := ""
	if s.lastReply != nil {
		name = parseQuotedPath(s.lastReply.Message())
	}
	return name, stats, err
}

// RetrieveFileFrom downloads remote into sink starting at offset.
func (s *Session) RetrieveFileFrom(remote string, sink io.Writer, offset int64) (TransferStats, error) {
	s.SetRestartOffset(offset)
	return s.transfer("RETR", remote, nil, sink)
}

// RetrieveFileToPath is a convenience wrapper that creates localPath and
// retrieves into it.
func (s *Session) RetrieveFileToPath(remote, localPath string) (TransferStats, error) {
	f, err := os.Create(localPath)
	if err != nil {
		return TransferStats{}, fmt.Errorf("ftp: failed to create local file: %w", err)
	}
	defer f.Close()
	return s.RetrieveFile(remote, f)
}

// StoreFileFromPath is a convenience wrapper that opens localPath and
// stores it.
func (s *Session) StoreFileFromPath(remote, localPath string) (TransferStats, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return TransferStats{}, fmt.Errorf("ftp: failed to open local file: %w", err)
	}
	defer f.Close()
	return s.StoreFile(remote, f)
}

// RestartAt sends REST immediately (spec.md §4.4.2). transfer() sends
// REST itself from the offset armed by SetRestartOffset and clears that
// offset, so most callers use RetrieveFileFrom or SetRestartOffset
// instead.
func (s *Session) RestartAt(offset int64) error {
	reply, err := s.send("REST", fmt.Sprintf("%d", offset))
	if err != nil {
		return err
	}
	if reply.Code != 350 {
		return &ProtocolError{Command: "REST", Response: reply.Message(), Code: reply.Code}
	}
	return nil
}

// transfer drives the full engine-managed state machine for one
// operation: REST (if armed) -> data command -> copy -> close -> reply.
// Exactly one of source/sink is non-nil, selecting push vs. pull.
func (s *Session) transfer(cmd, remote string, source io.Reader, sink io.Writer) (stats TransferStats, err error) {
	state := stateIdle

	offset := s.restartOffset
	s.restartOffset = 0 // consumed unconditionally before the data command, per §4.4.2
	if offset > 0 && s.transferMode == ModeStream {
		if err := s.RestartAt(offset); err != nil {
			return stats, err
		}
	}

	var args []string
	if remote != "" {
		args = []string{remote}
	}
	_, dc, err := s.cmdDataConnFrom(cmd, args...)
	if err != nil {
		return stats, err
	}
	state = stateDataOpened

	prevTimeout := s.soTimeout
	var ka *keepaliveInterleaver
	if s.keepaliveIdle > 0 {
		ka = newKeepaliveInterleaver(s)
		s.soTimeout = s.keepaliveReplyTimeout
	}

	var limiter *ratelimit.Limiter
	if s.bandwidthLimitBytesPerSec > 0 {
		limiter = ratelimit.New(s.bandwidthLimitBytesPerSec)
	}

	state = stateCopying
	n, copyErr := s.copyWithKeepalive(dc, source, sink, ka, limiter)

	closeErr := dc.Close()
	state = stateDataClosed

	s.mu.Lock()
	s.activeDataConn = nil
	s.mu.Unlock()

	ka.drain()
	s.soTimeout = prevTimeout

	if copyErr != nil {
		return TransferStats{BytesTransferred: n, Keepalive: ka.debug()}, &TransferError{BytesTransferred: n, Cause: copyErr}
	}
	if closeErr != nil {
		return TransferStats{BytesTransferred: n, Keepalive: ka.debug()}, &TransferError{BytesTransferred: n, Cause: closeErr}
	}

	reply, err := s.completePending()
	state = stateCompletionRead
	_ = state
	if err != nil {
		return TransferStats{BytesTransferred: n, Keepalive: ka.debug()}, err
	}
	if !reply.Is2xx() {
		return TransferStats{BytesTransferred: n, Keepalive: ka.debug()}, &ProtocolError{Command: cmd, Response: reply.Message(), Code: reply.Code}
	}

	return TransferStats{BytesTransferred: n, Keepalive: ka.debug()}, nil
}

// copyWithKeepalive performs the buffer_size-chunked copy between the
// data socket and the caller's stream, wrapping for NETASCII per
// file_type (C5) and ticking the keepalive interleaver once per chunk.
func (s *Session) copyWithKeepalive(dc net.Conn, source io.Reader, sink io.Writer, ka *keepaliveInterleaver, limiter *ratelimit.Limiter) (int64, error) {
	bufSize := s.bufferSize
	if bufSize <= 0 {
		bufSize = 32 * 1024
	}
	buf := make([]byte, bufSize)

	var from io.Reader
	var to io.Writer

	if source != nil {
		from = s.wrapOutgoing(source)
		to = dc
		if limiter != nil {
			from = ratelimit.NewReader(from, limiter)
		}
	} else {
		from = dc
		to = s.wrapIncoming(sink)
		if limiter != nil {
			to = ratelimit.NewWriter(to, limiter)
		}
	}

	var total int64
	for {
		ka.tick()

		nr, rerr := from.Read(buf)
		if nr > 0 {
			nw, werr := to.Write(buf[:nr])
			total += int64(nw)
			if werr != nil {
				return total, werr
			}
			if nw != nr {
				return total, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return total, rerr
		}
	}
	return total, nil
}

// stream is the caller-owned variant of a data connection: closing it
// closes the data socket, and the caller must then call
// Session.CompletePendingReply (spec.md §4.4 *_stream row). The
// keepalive interleaver is never attached to a stream.
type stream struct {
	io.Reader
	io.Writer
	dc net.Conn
}

func (st *stream) Close() error {
	return st.dc.Close()
}

// RetrieveFileStream opens remote for reading and returns a stream whose
// Read pulls NETASCII-decoded (if file_type == ASCII) bytes from the
// data socket. The caller must call Close then CompletePendingReply.
func (s *Session) RetrieveFileStream(remote string) (io.ReadCloser, error) {
	_, dc, err := s.cmdDataConnFrom("RETR", remote)
	if err != nil {
		return nil, err
	}
	return &stream{Reader: s.wrapIncoming(dc), dc: dc}, nil
}

// StoreFileStream opens remote for writing and returns a stream whose
// Write NETASCII-encodes (if file_type == ASCII) bytes onto the data
// socket. The caller must call Close then CompletePendingReply.
func (s *Session) StoreFileStream(remote string) (io.WriteCloser, error) {
	_, dc, err := s.cmdDataConnFrom("STOR", remote)
	if err != nil {
		return nil, err
	}
	return &stream{Writer: s.wrapOutgoing(dc), dc: dc}, nil
}

// CompletePendingReply reads the completion reply following a *Stream
// transfer's Close call.
func (s *Session) CompletePendingReply() (*Reply, error) {
	reply, err := s.completePending()
	if err != nil {
		return nil, err
	}
	if !reply.Is2xx() {
		return reply, &ProtocolError{Command: "STREAM_TRANSFER", Response: reply.Message(), Code: reply.Code}
	}
	return reply, nil
}
