package ftp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/textproto"
	"testing"
	"time"
)

func generateSelfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

func TestHandshakeImplicit_Success(t *testing.T) {
	cert := generateSelfSignedCert(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
		defer tlsConn.Close()
		if err := tlsConn.Handshake(); err != nil {
			return
		}
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	s := &Session{
		host:           "127.0.0.1",
		connectTimeout: time.Second,
		tlsConfig:      &tls.Config{InsecureSkipVerify: true},
	}
	if err := s.handshakeImplicit(conn); err != nil {
		t.Fatalf("handshakeImplicit: %v", err)
	}
	if _, ok := s.conn.(*tls.Conn); !ok {
		t.Errorf("s.conn = %T, want *tls.Conn", s.conn)
	}
}

func TestDial_ExplicitTLS_PerformsHandshakeDuringConnect(t *testing.T) {
	cert := generateSelfSignedCert(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		textConn := textproto.NewConn(conn)
		_ = textConn.PrintfLine("220 Service ready.")

		line, err := textConn.ReadLine()
		if err != nil || line != "AUTH TLS" {
			return
		}
		_ = textConn.PrintfLine("234 AUTH TLS successful.")

		tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
		_ = tlsConn.Handshake()
		tlsConn.Close()
	}()

	sess, err := Dial(l.Addr().String(), WithConnectTimeout(2*time.Second), WithExplicitTLS(&tls.Config{InsecureSkipVerify: true}))
	if err != nil {
		t.Fatalf("Dial with explicit TLS: %v", err)
	}
	if _, ok := sess.conn.(*tls.Conn); !ok {
		t.Errorf("sess.conn = %T, want *tls.Conn", sess.conn)
	}
}

func TestDial_ExplicitTLS_Non234SurfacesSecureChannelError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		textConn := textproto.NewConn(conn)
		_ = textConn.PrintfLine("220 Service ready.")

		line, err := textConn.ReadLine()
		if err != nil || line != "AUTH TLS" {
			return
		}
		_ = textConn.PrintfLine("502 Command not implemented.")
	}()

	_, err = Dial(l.Addr().String(), WithConnectTimeout(2*time.Second), WithExplicitTLS(&tls.Config{InsecureSkipVerify: true}))
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*SecureChannelError); !ok {
		t.Errorf("err = %T, want *SecureChannelError", err)
	}
}

func TestSecureDataChannel_SendsPBSZAndPROT(t *testing.T) {
	srv := newMockServer(t)
	var seen []string
	srv.handlers["PBSZ"] = func(conn *textproto.Conn, args string) {
		seen = append(seen, "PBSZ "+args)
		_ = conn.PrintfLine("200 PBSZ set to 0.")
	}
	srv.handlers["PROT"] = func(conn *textproto.Conn, args string) {
		seen = append(seen, "PROT "+args)
		_ = conn.PrintfLine("200 Protection level set.")
	}
	srv.start()
	defer srv.stop()

	sess := dialTestSession(t, srv.addr)
	defer sess.Quit()

	if err := sess.SecureDataChannel(); err != nil {
		t.Fatalf("SecureDataChannel: %v", err)
	}
	if len(seen) != 2 || seen[0] != "PBSZ 0" || seen[1] != "PROT P" {
		t.Errorf("seen = %v", seen)
	}
}

func TestClearDataChannel_SendsPROTClear(t *testing.T) {
	srv := newMockServer(t)
	srv.handlers["PROT"] = func(conn *textproto.Conn, args string) {
		if args != "C" {
			t.Errorf("args = %q, want C", args)
		}
		_ = conn.PrintfLine("200 Protection level set.")
	}
	srv.start()
	defer srv.stop()

	sess := dialTestSession(t, srv.addr)
	defer sess.Quit()

	if err := sess.ClearDataChannel(); err != nil {
		t.Fatalf("ClearDataChannel: %v", err)
	}
}

func TestClearCommandChannel_RejectedCCCSurfacesError(t *testing.T) {
	srv := newMockServer(t)
	srv.handlers["CCC"] = func(conn *textproto.Conn, args string) {
		_ = conn.PrintfLine("534 CCC not allowed.")
	}
	srv.start()
	defer srv.stop()

	sess := dialTestSession(t, srv.addr)
	defer sess.Quit()

	err := sess.ClearCommandChannel()
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*SecureChannelError); !ok {
		t.Errorf("err = %T, want *SecureChannelError", err)
	}
}
