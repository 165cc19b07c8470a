package ftp

import (
	"net"
	"net/textproto"
	"strconv"
	"testing"
	"time"

	"golang.org/x/net/proxy"
)

// fakeAddrConn is a net.Conn stub that only needs to answer RemoteAddr,
// for exercising resolvePassiveAddr's control-peer lookups without a
// real socket.
type fakeAddrConn struct {
	remote string
}

func (f *fakeAddrConn) RemoteAddr() net.Addr {
	addr, _ := net.ResolveTCPAddr("tcp", f.remote)
	return addr
}

func (f *fakeAddrConn) Read(p []byte) (int, error)         { return 0, nil }
func (f *fakeAddrConn) Write(p []byte) (int, error)        { return len(p), nil }
func (f *fakeAddrConn) Close() error                       { return nil }
func (f *fakeAddrConn) LocalAddr() net.Addr                { return nil }
func (f *fakeAddrConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeAddrConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeAddrConn) SetWriteDeadline(t time.Time) error { return nil }

func TestParsePASV(t *testing.T) {
	addr, host, err := parsePASV("227 Entering Passive Mode (192,168,1,1,195,80).")
	if err != nil {
		t.Fatalf("parsePASV: %v", err)
	}
	if host != "192.168.1.1" {
		t.Errorf("host = %q, want 192.168.1.1", host)
	}
	if addr != "192.168.1.1:50000" {
		t.Errorf("addr = %q, want 192.168.1.1:50000", addr)
	}
}

func TestParsePASV_Invalid(t *testing.T) {
	if _, _, err := parsePASV("425 Can't open data connection."); err == nil {
		t.Fatal("expected error for non-matching reply")
	}
}

func TestParsePASV_OctetOutOfRange(t *testing.T) {
	if _, _, err := parsePASV("227 Entering Passive Mode (256,1,1,1,1,1)."); err == nil {
		t.Fatal("expected error for out-of-range octet")
	}
}

func TestParseEPSV(t *testing.T) {
	port, err := parseEPSV("229 Entering Extended Passive Mode (|||51000|)")
	if err != nil {
		t.Fatalf("parseEPSV: %v", err)
	}
	if port != "51000" {
		t.Errorf("port = %q, want 51000", port)
	}
}

func TestParseEPSV_Invalid(t *testing.T) {
	if _, err := parseEPSV("502 Command not implemented."); err == nil {
		t.Fatal("expected error for non-matching reply")
	}
}

func TestFormatPORT(t *testing.T) {
	got, err := formatPORT("10.0.0.1:50000")
	if err != nil {
		t.Fatalf("formatPORT: %v", err)
	}
	want := "10,0,0,1,195,80"
	if got != want {
		t.Errorf("formatPORT = %q, want %q", got, want)
	}
}

func TestFormatPORT_RejectsIPv6(t *testing.T) {
	if _, err := formatPORT("[::1]:21"); err == nil {
		t.Fatal("expected error for IPv6 address")
	}
}

func TestFormatEPRT_IPv4(t *testing.T) {
	got, err := formatEPRT("10.0.0.1:21")
	if err != nil {
		t.Fatalf("formatEPRT: %v", err)
	}
	if got != "|1|10.0.0.1|21|" {
		t.Errorf("formatEPRT = %q", got)
	}
}

func TestFormatEPRT_IPv6(t *testing.T) {
	got, err := formatEPRT("[::1]:21")
	if err != nil {
		t.Fatalf("formatEPRT: %v", err)
	}
	if got != "|2|::1|21|" {
		t.Errorf("formatEPRT = %q", got)
	}
}

func TestParsePASV_ZeroAddressSentinel(t *testing.T) {
	_, host, err := parsePASV("227 Entering Passive Mode (0,0,0,0,195,80).")
	if err != nil {
		t.Fatalf("parsePASV: %v", err)
	}
	if host != "0.0.0.0" {
		t.Errorf("host = %q, want 0.0.0.0", host)
	}
}

func TestResolvePassiveAddr_ZeroAddressUsesControlPeer(t *testing.T) {
	s := &Session{conn: &fakeAddrConn{remote: "203.0.113.9:21"}}
	got := s.resolvePassiveAddr("0.0.0.0:50000", "0.0.0.0")
	if got != "203.0.113.9:50000" {
		t.Errorf("got = %q, want 203.0.113.9:50000", got)
	}
}

func TestResolvePassiveAddr_DefaultIgnoresLiteralUsesControlPeer(t *testing.T) {
	// trustPASVIPLiteral unset (new default): a public-looking advertised
	// literal must still be discarded in favor of the control peer.
	s := &Session{conn: &fakeAddrConn{remote: "203.0.113.9:21"}}
	got := s.resolvePassiveAddr("198.51.100.20:50000", "198.51.100.20")
	if got != "203.0.113.9:50000" {
		t.Errorf("got = %q, want control peer 203.0.113.9:50000", got)
	}
}

func TestResolvePassiveAddr_TrustLiteralConsultsNATResolver(t *testing.T) {
	s := &Session{
		conn:               &fakeAddrConn{remote: "203.0.113.9:21"},
		trustPASVIPLiteral: true,
		natResolver:        DefaultNATResolver,
	}
	// Site-local literal behind NAT, non-site-local control peer: the
	// resolver substitutes the control peer's address.
	got := s.resolvePassiveAddr("10.0.0.5:50000", "10.0.0.5")
	if got != "203.0.113.9:50000" {
		t.Errorf("got = %q, want NAT-substituted 203.0.113.9:50000", got)
	}
}

func TestResolvePassiveAddr_TrustLiteralKeepsPublicAddress(t *testing.T) {
	s := &Session{
		conn:               &fakeAddrConn{remote: "203.0.113.9:21"},
		trustPASVIPLiteral: true,
		natResolver:        DefaultNATResolver,
	}
	got := s.resolvePassiveAddr("198.51.100.20:50000", "198.51.100.20")
	if got != "198.51.100.20:50000" {
		t.Errorf("got = %q, want literal kept verbatim", got)
	}
}

func TestResolvePassiveAddr_ProxyAlwaysTrustsLiteral(t *testing.T) {
	s := &Session{
		conn:        &fakeAddrConn{remote: "203.0.113.9:21"},
		proxyDialer: proxy.Direct,
	}
	got := s.resolvePassiveAddr("10.0.0.5:50000", "10.0.0.5")
	if got != "10.0.0.5:50000" {
		t.Errorf("got = %q, want literal kept verbatim through a proxy", got)
	}
}

func TestOpenPassiveDataConn_IPv4PeerDefaultsToPASV(t *testing.T) {
	srv := newMockServer(t)
	srv.handlers["PASV"] = func(conn *textproto.Conn, args string) {
		_ = conn.PrintfLine(acceptPASV(t, srv))
	}
	srv.handlers["EPSV"] = func(conn *textproto.Conn, args string) {
		t.Error("EPSV should not be sent for an IPv4 peer without use_epsv_with_ipv4")
		_ = conn.PrintfLine("502 Command not implemented.")
	}
	srv.start()
	defer srv.stop()

	sess := dialTestSession(t, srv.addr)
	defer sess.Quit()

	dc, err := sess.openPassiveDataConn()
	if err != nil {
		t.Fatalf("openPassiveDataConn: %v", err)
	}
	dc.Close()
}

func TestOpenPassiveDataConn_EPSVForIPv4Option(t *testing.T) {
	srv := newMockServer(t)
	srv.handlers["EPSV"] = func(conn *textproto.Conn, args string) {
		_ = conn.PrintfLine(acceptEPSV(t, srv))
	}
	srv.handlers["PASV"] = func(conn *textproto.Conn, args string) {
		t.Error("PASV should not be sent once EPSV succeeds")
		_ = conn.PrintfLine("502 Command not implemented.")
	}
	srv.start()
	defer srv.stop()

	sess := dialTestSession(t, srv.addr, WithEPSVForIPv4())
	defer sess.Quit()

	dc, err := sess.openPassiveDataConn()
	if err != nil {
		t.Fatalf("openPassiveDataConn: %v", err)
	}
	dc.Close()
}

func TestOpenPassiveDataConn_EPSVFailureFallsBackToPASVForIPv4(t *testing.T) {
	srv := newMockServer(t)
	srv.handlers["EPSV"] = func(conn *textproto.Conn, args string) {
		_ = conn.PrintfLine("502 Command not implemented.")
	}
	srv.handlers["PASV"] = func(conn *textproto.Conn, args string) {
		_ = conn.PrintfLine(acceptPASV(t, srv))
	}
	srv.start()
	defer srv.stop()

	sess := dialTestSession(t, srv.addr, WithEPSVForIPv4())
	defer sess.Quit()

	dc, err := sess.openPassiveDataConn()
	if err != nil {
		t.Fatalf("openPassiveDataConn: %v", err)
	}
	dc.Close()

	if sess.disableEPSV != true {
		t.Error("a rejected EPSV should disable further EPSV attempts for this session")
	}
}

func TestOpenPassiveDataConn_BindsPassiveLocalHost(t *testing.T) {
	srv := newMockServer(t)
	srv.handlers["PASV"] = func(conn *textproto.Conn, args string) {
		_ = conn.PrintfLine(acceptPASV(t, srv))
	}
	srv.start()
	defer srv.stop()

	sess := dialTestSession(t, srv.addr, WithPassiveLocalHost("127.0.0.1"), WithDataBufferSizes(65536, 65536))
	defer sess.Quit()

	dc, err := sess.openPassiveDataConn()
	if err != nil {
		t.Fatalf("openPassiveDataConn: %v", err)
	}
	defer dc.Close()

	localHost, _, _ := net.SplitHostPort(dc.LocalAddr().String())
	if localHost != "127.0.0.1" {
		t.Errorf("LocalAddr host = %q, want 127.0.0.1 from passive_local_host", localHost)
	}
}

// TestPASVPortRoundTrip exercises the PASV 256*p1+p2 encoding against
// formatPORT's inverse for a range of ports, the property PORT/PASV must
// agree on (spec.md §4.3).
func TestPASVPortRoundTrip(t *testing.T) {
	for _, port := range []int{1, 21, 80, 255, 256, 8080, 50000, 65535} {
		p1, p2 := port/256, port%256
		reply := "227 Entering Passive Mode (127,0,0,1," +
			strconv.Itoa(p1) + "," + strconv.Itoa(p2) + ")."
		addr, _, err := parsePASV(reply)
		if err != nil {
			t.Fatalf("parsePASV(%d): %v", port, err)
		}
		formatted, err := formatPORT(addr)
		if err != nil {
			t.Fatalf("formatPORT(%d): %v", port, err)
		}
		wantSuffix := strconv.Itoa(p1) + "," + strconv.Itoa(p2)
		if formatted[len(formatted)-len(wantSuffix):] != wantSuffix {
			t.Errorf("port %d: formatPORT round-trip = %q, want suffix %q", port, formatted, wantSuffix)
		}
	}
}
