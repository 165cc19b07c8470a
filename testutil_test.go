package ftp

import (
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"
)

// mockServer scripts control-channel replies for a single accepted
// connection, the same shape the teacher's client_test.go uses.
type mockServer struct {
	listener         net.Listener
	addr             string
	handlers         map[string]func(conn *textproto.Conn, args string)
	dataListener     net.Listener
	receivedCommands []string
	done             chan struct{}
}

func newMockServer(t *testing.T) *mockServer {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return &mockServer{
		listener: l,
		addr:     l.Addr().String(),
		handlers: make(map[string]func(*textproto.Conn, string)),
		done:     make(chan struct{}),
	}
}

func (s *mockServer) start() {
	go func() {
		defer close(s.done)
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		fmt.Fprintf(conn, "220 Service ready\r\n")

		textConn := textproto.NewConn(conn)
		defer textConn.Close()

		for {
			line, err := textConn.ReadLine()
			if err != nil {
				return
			}

			parts := strings.SplitN(line, " ", 2)
			cmd := strings.ToUpper(parts[0])
			args := ""
			if len(parts) > 1 {
				args = parts[1]
			}

			s.receivedCommands = append(s.receivedCommands, cmd)

			if handler, ok := s.handlers[cmd]; ok {
				handler(textConn, args)
				continue
			}
			switch cmd {
			case "USER":
				_ = textConn.PrintfLine("331 User name okay, need password.")
			case "PASS":
				_ = textConn.PrintfLine("230 User logged in, proceed.")
			case "QUIT":
				_ = textConn.PrintfLine("221 Service closing control connection.")
				return
			case "TYPE":
				_ = textConn.PrintfLine("200 Command okay.")
			default:
				_ = textConn.PrintfLine("502 Command not implemented.")
			}
		}
	}()
}

func (s *mockServer) stop() {
	s.listener.Close()
	if s.dataListener != nil {
		s.dataListener.Close()
	}
	<-s.done
}

// acceptPASV opens a listener for a passive-mode data connection and
// returns the 227 reply text to script against a PASV handler.
func acceptPASV(t *testing.T, s *mockServer) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s.dataListener = l
	_, portStr, _ := net.SplitHostPort(l.Addr().String())
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return fmt.Sprintf("227 Entering Passive Mode (127,0,0,1,%d,%d).", port/256, port%256)
}

// acceptEPSV opens a listener for a passive-mode data connection and
// returns the 229 reply text to script against an EPSV handler.
func acceptEPSV(t *testing.T, s *mockServer) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s.dataListener = l
	_, portStr, _ := net.SplitHostPort(l.Addr().String())
	return fmt.Sprintf("229 Entering Extended Passive Mode (|||%s|)", portStr)
}

func dialTestSession(t *testing.T, addr string, opts ...Option) *Session {
	opts = append([]Option{WithConnectTimeout(2 * time.Second)}, opts...)
	sess, err := Dial(addr, opts...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return sess
}
