package ftp

import (
	"bytes"
	"io"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"
)

func TestRetrieveFile_ReadsDataConnection(t *testing.T) {
	srv := newMockServer(t)
	srv.handlers["PASV"] = func(conn *textproto.Conn, args string) {
		_ = conn.PrintfLine(acceptPASV(t, srv))
	}
	srv.handlers["RETR"] = func(conn *textproto.Conn, args string) {
		dataConn, err := srv.dataListener.Accept()
		if err != nil {
			t.Fatalf("accept data conn: %v", err)
		}
		dataConn.Write([]byte("hello, world"))
		dataConn.Close()
		_ = conn.PrintfLine("150 Opening BINARY mode data connection.")
		_ = conn.PrintfLine("226 Transfer complete.")
	}
	srv.start()
	defer srv.stop()

	sess := dialTestSession(t, srv.addr, WithPassiveMode(), WithDisableEPSV())
	defer sess.Quit()

	var buf bytes.Buffer
	stats, err := sess.RetrieveFile("remote.txt", &buf)
	if err != nil {
		t.Fatalf("RetrieveFile: %v", err)
	}
	if buf.String() != "hello, world" {
		t.Errorf("got %q", buf.String())
	}
	if stats.BytesTransferred != int64(len("hello, world")) {
		t.Errorf("BytesTransferred = %d", stats.BytesTransferred)
	}
}

func TestStoreFile_WritesDataConnection(t *testing.T) {
	srv := newMockServer(t)
	var received []byte
	srv.handlers["PASV"] = func(conn *textproto.Conn, args string) {
		_ = conn.PrintfLine(acceptPASV(t, srv))
	}
	srv.handlers["STOR"] = func(conn *textproto.Conn, args string) {
		dataConn, err := srv.dataListener.Accept()
		if err != nil {
			t.Fatalf("accept data conn: %v", err)
		}
		_ = conn.PrintfLine("150 Opening BINARY mode data connection.")
		b, _ := io.ReadAll(dataConn)
		received = b
		dataConn.Close()
		_ = conn.PrintfLine("226 Transfer complete.")
	}
	srv.start()
	defer srv.stop()

	sess := dialTestSession(t, srv.addr, WithPassiveMode(), WithDisableEPSV())
	defer sess.Quit()

	stats, err := sess.StoreFile("remote.txt", strings.NewReader("payload bytes"))
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}
	if string(received) != "payload bytes" {
		t.Errorf("server received %q", received)
	}
	if stats.BytesTransferred != int64(len("payload bytes")) {
		t.Errorf("BytesTransferred = %d", stats.BytesTransferred)
	}
}

func TestAppendFile_UsesAPPE(t *testing.T) {
	srv := newMockServer(t)
	var seenCmd bool
	srv.handlers["PASV"] = func(conn *textproto.Conn, args string) {
		_ = conn.PrintfLine(acceptPASV(t, srv))
	}
	srv.handlers["APPE"] = func(conn *textproto.Conn, args string) {
		seenCmd = true
		dataConn, err := srv.dataListener.Accept()
		if err != nil {
			t.Fatalf("accept data conn: %v", err)
		}
		_ = conn.PrintfLine("150 Opening BINARY mode data connection.")
		io.ReadAll(dataConn)
		dataConn.Close()
		_ = conn.PrintfLine("226 Transfer complete.")
	}
	srv.start()
	defer srv.stop()

	sess := dialTestSession(t, srv.addr, WithPassiveMode(), WithDisableEPSV())
	defer sess.Quit()

	if _, err := sess.AppendFile("remote.txt", strings.NewReader("more")); err != nil {
		t.Fatalf("AppendFile: %v", err)
	}
	if !seenCmd {
		t.Error("expected APPE to be issued")
	}
}

func TestStoreUnique_ParsesServerChosenName(t *testing.T) {
	srv := newMockServer(t)
	srv.handlers["PASV"] = func(conn *textproto.Conn, args string) {
		_ = conn.PrintfLine(acceptPASV(t, srv))
	}
	srv.handlers["STOU"] = func(conn *textproto.Conn, args string) {
		dataConn, err := srv.dataListener.Accept()
		if err != nil {
			t.Fatalf("accept data conn: %v", err)
		}
		_ = conn.PrintfLine(`150 FILE: "unique123.txt"`)
		io.ReadAll(dataConn)
		dataConn.Close()
		_ = conn.PrintfLine(`226 "unique123.txt" Transfer complete.`)
	}
	srv.start()
	defer srv.stop()

	sess := dialTestSession(t, srv.addr, WithPassiveMode(), WithDisableEPSV())
	defer sess.Quit()

	name, _, err := sess.StoreUnique(strings.NewReader("data"))
	if err != nil {
		t.Fatalf("StoreUnique: %v", err)
	}
	if name != "unique123.txt" {
		t.Errorf("name = %q, want unique123.txt", name)
	}
}

func TestRestartOffset_ConsumedUnconditionallyBeforeDataCommand(t *testing.T) {
	srv := newMockServer(t)
	var restSeen string
	srv.handlers["REST"] = func(conn *textproto.Conn, args string) {
		restSeen = args
		_ = conn.PrintfLine("350 Restarting at " + args + ".")
	}
	srv.handlers["PASV"] = func(conn *textproto.Conn, args string) {
		_ = conn.PrintfLine("425 Can't open data connection.")
	}
	srv.start()
	defer srv.stop()

	sess := dialTestSession(t, srv.addr, WithPassiveMode(), WithDisableEPSV())
	defer sess.Quit()

	sess.SetRestartOffset(100)
	_, err := sess.RetrieveFile("remote.txt", &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected transfer to fail (PASV rejected)")
	}
	if restSeen != "100" {
		t.Errorf("REST arg = %q, want 100 (must be sent before the failing data command)", restSeen)
	}
	if sess.restartOffset != 0 {
		t.Errorf("restartOffset = %d, want 0 (consumed unconditionally)", sess.restartOffset)
	}
}

func TestRetrieveFileStream_NeverUsesKeepaliveInterleaver(t *testing.T) {
	srv := newMockServer(t)
	srv.handlers["PASV"] = func(conn *textproto.Conn, args string) {
		_ = conn.PrintfLine(acceptPASV(t, srv))
	}
	srv.handlers["RETR"] = func(conn *textproto.Conn, args string) {
		dataConn, err := srv.dataListener.Accept()
		if err != nil {
			t.Fatalf("accept data conn: %v", err)
		}
		dataConn.Write([]byte("stream payload"))
		dataConn.Close()
		_ = conn.PrintfLine("150 Opening BINARY mode data connection.")
		_ = conn.PrintfLine("226 Transfer complete.")
	}
	srv.start()
	defer srv.stop()

	sess := dialTestSession(t, srv.addr, WithPassiveMode(), WithDisableEPSV(), WithKeepalive(time.Millisecond, time.Second))

	stream, err := sess.RetrieveFileStream("remote.txt")
	if err != nil {
		t.Fatalf("RetrieveFileStream: %v", err)
	}
	b, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(b) != "stream payload" {
		t.Errorf("got %q", b)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reply, err := sess.CompletePendingReply()
	if err != nil {
		t.Fatalf("CompletePendingReply: %v", err)
	}
	_ = reply
	sess.Quit()
}

// TestTransfer_KeepaliveDuringLongRetrieve drives a real RETR where the
// server deliberately pauses mid-transfer long enough to force one
// control-channel NOOP round trip, then asserts the {acked, pending,
// unread, io_errors} debug tuple the engine exposes alongside
// TransferStats.
func TestTransfer_KeepaliveDuringLongRetrieve(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	dataListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer dataListener.Close()
	_, dataPortStr, _ := net.SplitHostPort(dataListener.Addr().String())
	var dataPort int
	for _, c := range dataPortStr {
		dataPort = dataPort*10 + int(c-'0')
	}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		textConn := textproto.NewConn(conn)
		_ = textConn.PrintfLine("220 Service ready.")

		// A single background reader forwards every control line for the
		// life of the connection, so the RETR handler below can keep
		// servicing NOOP keepalives without racing a second reader.
		lineCh := make(chan string)
		go func() {
			for {
				line, err := textConn.ReadLine()
				if err != nil {
					close(lineCh)
					return
				}
				lineCh <- line
			}
		}()

		for line := range lineCh {
			switch {
			case strings.HasPrefix(line, "PASV"):
				_ = textConn.PrintfLine("227 Entering Passive Mode (127,0,0,1,%d,%d).", dataPort/256, dataPort%256)
			case strings.HasPrefix(line, "RETR"):
				dataConn, err := dataListener.Accept()
				if err != nil {
					return
				}
				_ = textConn.PrintfLine("150 Opening BINARY mode data connection.")

				doneCh := make(chan struct{})
				go func() {
					dataConn.Write([]byte("chunk-one-"))
					time.Sleep(50 * time.Millisecond)
					dataConn.Write([]byte("chunk-two"))
					dataConn.Close()
					close(doneCh)
				}()

			retrLoop:
				for {
					select {
					case cmdLine, ok := <-lineCh:
						if !ok {
							return
						}
						if strings.HasPrefix(cmdLine, "NOOP") {
							_ = textConn.PrintfLine("200 NOOP ok.")
						}
					case <-doneCh:
						_ = textConn.PrintfLine("226 Transfer complete.")
						break retrLoop
					}
				}
			case strings.HasPrefix(line, "QUIT"):
				_ = textConn.PrintfLine("221 Bye.")
				return
			default:
				_ = textConn.PrintfLine("502 Command not implemented.")
			}
		}
	}()

	sess, err := Dial(l.Addr().String(),
		WithConnectTimeout(2*time.Second),
		WithPassiveMode(),
		WithDisableEPSV(),
		WithKeepalive(10*time.Millisecond, 2*time.Second),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Quit()

	var buf bytes.Buffer
	stats, err := sess.RetrieveFile("remote.txt", &buf)
	if err != nil {
		t.Fatalf("RetrieveFile: %v", err)
	}
	if buf.String() != "chunk-one-chunk-two" {
		t.Errorf("got %q", buf.String())
	}

	if stats.Keepalive.StillPending != 0 {
		t.Errorf("StillPending = %d, want 0 (drained)", stats.Keepalive.StillPending)
	}
	if stats.Keepalive.IOErrors != 0 {
		t.Errorf("IOErrors = %d, want 0", stats.Keepalive.IOErrors)
	}
	if stats.Keepalive.Acked == 0 {
		t.Error("expected at least one acked keepalive NOOP during the paused transfer")
	}

	<-serverDone
}
