package ftp

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/flate"
	"golang.org/x/net/proxy"
)

var (
	pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)
	epsvRegex = regexp.MustCompile(`\(\|\|\|(\d+)\|\)`)
)

// proxyDialer is the subset of proxy.Dialer negotiator needs; satisfied
// by both *net.Dialer and a golang.org/x/net/proxy SOCKS dialer.
type proxyDialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// parsePASV parses a PASV reply's "(h1,h2,h3,h4,p1,p2)" tuple (RFC 959
// §4.1.2) into a dialable "host:port" string plus the bare host, since
// callers need both the address to dial and the literal to feed through
// the NAT resolver.
func parsePASV(reply string) (addr string, host string, err error) {
	m := pasvRegex.FindStringSubmatch(reply)
	if len(m) != 7 {
		return "", "", fmt.Errorf("ftp: invalid PASV reply: %s", reply)
	}

	var h [4]int
	for i := range 4 {
		v, err := strconv.Atoi(m[i+1])
		if err != nil || v < 0 || v > 255 {
			return "", "", fmt.Errorf("ftp: invalid PASV address octet: %s", m[i+1])
		}
		h[i] = v
	}
	// "0,0,0,0" is the conventional "use the control peer address"
	// sentinel (spec.md §4.3 step 2); resolvePassiveAddr recognizes it
	// via the returned host and substitutes the control peer itself.
	host = fmt.Sprintf("%d.%d.%d.%d", h[0], h[1], h[2], h[3])

	p1, err1 := strconv.Atoi(m[5])
	p2, err2 := strconv.Atoi(m[6])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		return "", "", fmt.Errorf("ftp: invalid PASV port octets: %s,%s", m[5], m[6])
	}
	port := p1*256 + p2

	return net.JoinHostPort(host, strconv.Itoa(port)), host, nil
}

// parseEPSV parses an EPSV reply's "(|||port|)" tuple (RFC 2428 §3) and
// returns the port number as a string.
func parseEPSV(reply string) (string, error) {
	m := epsvRegex.FindStringSubmatch(reply)
	if len(m) != 2 {
		return "", fmt.Errorf("ftp: invalid EPSV reply: %s", reply)
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("ftp: invalid EPSV port: %s", m[1])
	}
	return m[1], nil
}

// formatPORT formats addr ("ip:port", IPv4) for the PORT command.
func formatPORT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("ftp: invalid IP address: %s", host)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return "", fmt.Errorf("ftp: PORT requires an IPv4 address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("ftp: invalid port: %s", portStr)
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip4[0], ip4[1], ip4[2], ip4[3], port/256, port%256), nil
}

// formatEPRT formats addr for the EPRT command (RFC 2428 §2):
// "|net-prt|net-addr|tcp-port|".
func formatEPRT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("ftp: invalid IP address: %s", host)
	}
	var netPrt int
	switch {
	case ip.To4() != nil:
		netPrt = 1
	case ip.To16() != nil:
		netPrt = 2
	default:
		return "", fmt.Errorf("ftp: unknown address family: %s", host)
	}
	return fmt.Sprintf("|%d|%s|%s|", netPrt, host, portStr), nil
}

// dataConn is the negotiated, fully-connected data socket plus the peer
// address actually observed, for remote-verification logging.
type dataConn struct {
	net.Conn
	peer string
}

// openDataConn opens a data connection per the session's configured
// DataConnectionMode: PORT/EPRT for the two active variants, PASV/EPSV
// (with fallback) for the two passive variants (spec.md §4.3).
func (s *Session) openDataConn() (net.Conn, error) {
	switch s.dataMode {
	case ActiveLocal, ActiveRemote:
		return s.openActiveDataConn()
	default:
		return s.openPassiveDataConn()
	}
}

// openActiveDataConn binds a listener (optionally within the configured
// port range and on the configured external-host override) and sends
// PORT or EPRT, returning a lazy-accept wrapper: the server is only
// expected to connect once the transfer command has been sent, so
// accept() is deferred to first Read/Write (spec.md §4.3 step 2).
func (s *Session) openActiveDataConn() (net.Conn, error) {
	bindHost := s.localBindHost()

	listener, err := s.listenActive(bindHost)
	if err != nil {
		return nil, fmt.Errorf("ftp: failed to open active listener: %w", err)
	}

	announceHost := bindHost
	if s.activeExternalHost != "" {
		announceHost = s.activeExternalHost
	}
	_, listenPort, _ := net.SplitHostPort(listener.Addr().String())
	announceAddr := net.JoinHostPort(announceHost, listenPort)

	ip := net.ParseIP(announceHost)
	var reply *Reply
	var cmd string
	if ip == nil || ip.To4() != nil {
		cmd = "PORT"
		arg, err := formatPORT(announceAddr)
		if err != nil {
			listener.Close()
			return nil, err
		}
		reply, err = s.send("PORT", arg)
		if err != nil {
			listener.Close()
			return nil, err
		}
	} else {
		cmd = "EPRT"
		arg, err := formatEPRT(announceAddr)
		if err != nil {
			listener.Close()
			return nil, err
		}
		reply, err = s.send("EPRT", arg)
		if err != nil {
			listener.Close()
			return nil, err
		}
	}

	if !reply.Is2xx() {
		listener.Close()
		return nil, &ProtocolError{Command: cmd, Response: reply.Message(), Code: reply.Code}
	}

	return &activeDataConn{
		listener:    listener,
		tlsConfig:   s.tlsConfig,
		timeout:     s.dataTimeout,
		verifyPeer:  s.remoteVerificationEnabled,
		controlPeer: s.controlPeerHost(),
		sendBuf:     s.dataSendBuf,
		recvBuf:     s.dataRecvBuf,
	}, nil
}

func (s *Session) localBindHost() string {
	host, _, err := net.SplitHostPort(s.conn.LocalAddr().String())
	if err != nil {
		return "0.0.0.0"
	}
	return host
}

// applyDataBufferSizes sets the configured OS-level socket buffer
// sizes on a freshly dialed/accepted data connection (spec.md §6
// "data_send_buf"/"data_recv_buf").
func (s *Session) applyDataBufferSizes(c net.Conn) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	if s.dataSendBuf > 0 {
		_ = tc.SetWriteBuffer(s.dataSendBuf)
	}
	if s.dataRecvBuf > 0 {
		_ = tc.SetReadBuffer(s.dataRecvBuf)
	}
}

func (s *Session) controlPeerHost() string {
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return ""
	}
	return host
}

// listenActive binds a listener on bindHost, restricted to the
// configured active port range when one is set.
func (s *Session) listenActive(bindHost string) (net.Listener, error) {
	if s.activeMinPort == 0 && s.activeMaxPort == 0 {
		l, err := net.Listen("tcp", net.JoinHostPort(bindHost, "0"))
		if err != nil {
			return net.Listen("tcp", ":0")
		}
		return l, nil
	}

	var lastErr error
	for port := s.activeMinPort; port <= s.activeMaxPort; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort(bindHost, strconv.Itoa(port)))
		if err == nil {
			return l, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("ftp: no free port in range %d-%d: %w", s.activeMinPort, s.activeMaxPort, lastErr)
}

// activeDataConn is the lazy-accept wrapper for active mode: the real
// socket only exists after the server dials back in, which this defers
// until the first Read/Write.
type activeDataConn struct {
	listener    net.Listener
	conn        net.Conn
	tlsConfig   *tls.Config
	timeout     time.Duration
	verifyPeer  bool
	controlPeer string
	sendBuf     int
	recvBuf     int
}

func (a *activeDataConn) accept() error {
	if a.timeout > 0 {
		if l, ok := a.listener.(*net.TCPListener); ok {
			_ = l.SetDeadline(time.Now().Add(a.timeout))
		}
	}
	c, err := a.listener.Accept()
	if err != nil {
		return err
	}

	if tc, ok := c.(*net.TCPConn); ok {
		if a.sendBuf > 0 {
			_ = tc.SetWriteBuffer(a.sendBuf)
		}
		if a.recvBuf > 0 {
			_ = tc.SetReadBuffer(a.recvBuf)
		}
	}

	if a.verifyPeer && a.controlPeer != "" {
		peerHost, _, _ := net.SplitHostPort(c.RemoteAddr().String())
		if peerHost != a.controlPeer {
			c.Close()
			return &UntrustedDataConnectionError{ControlPeer: a.controlPeer, DataPeer: peerHost}
		}
	}

	a.conn = c
	if a.tlsConfig != nil {
		tlsConn := tls.Server(a.conn, a.tlsConfig)
		if a.timeout > 0 {
			_ = a.conn.SetDeadline(time.Now().Add(a.timeout))
		}
		if err := tlsConn.Handshake(); err != nil {
			a.conn.Close()
			return err
		}
		a.conn = tlsConn
	}
	return nil
}

func (a *activeDataConn) Read(p []byte) (int, error) {
	if a.conn == nil {
		if err := a.accept(); err != nil {
			return 0, err
		}
	}
	if a.timeout > 0 {
		_ = a.conn.SetReadDeadline(time.Now().Add(a.timeout))
	}
	return a.conn.Read(p)
}

func (a *activeDataConn) Write(p []byte) (int, error) {
	if a.conn == nil {
		if err := a.accept(); err != nil {
			return 0, err
		}
	}
	if a.timeout > 0 {
		_ = a.conn.SetWriteDeadline(time.Now().Add(a.timeout))
	}
	return a.conn.Write(p)
}

func (a *activeDataConn) Close() error {
	var result *multierror.Error
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.listener != nil {
		if err := a.listener.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (a *activeDataConn) LocalAddr() net.Addr {
	if a.conn != nil {
		return a.conn.LocalAddr()
	}
	return a.listener.Addr()
}

func (a *activeDataConn) RemoteAddr() net.Addr {
	if a.conn != nil {
		return a.conn.RemoteAddr()
	}
	return nil
}

func (a *activeDataConn) SetDeadline(t time.Time) error {
	if a.conn != nil {
		return a.conn.SetDeadline(t)
	}
	return nil
}

func (a *activeDataConn) SetReadDeadline(t time.Time) error {
	if a.conn != nil {
		return a.conn.SetReadDeadline(t)
	}
	return nil
}

func (a *activeDataConn) SetWriteDeadline(t time.Time) error {
	if a.conn != nil {
		return a.conn.SetWriteDeadline(t)
	}
	return nil
}

// openPassiveDataConn chooses between EPSV and PASV (spec.md §4.3 step
// 1), resolves the advertised address, optionally binds the outgoing
// socket to passive_local_host, and applies the configured socket
// buffer sizes before dialing.
func (s *Session) openPassiveDataConn() (net.Conn, error) {
	peerIsIPv6 := false
	if ip := net.ParseIP(s.controlPeerHost()); ip != nil && ip.To4() == nil {
		peerIsIPv6 = true
	}

	var addr string
	tryEPSV := !s.disableEPSV && (peerIsIPv6 || s.useEPSVWithIPv4)

	if tryEPSV {
		reply, err := s.send("EPSV")
		if err != nil {
			return nil, err
		}
		switch {
		case reply.Is2xx():
			port, parseErr := parseEPSV(reply.String())
			if parseErr != nil {
				return nil, parseErr
			}
			addr = net.JoinHostPort(s.host, port)
		case peerIsIPv6:
			// PASV cannot address an IPv6 peer; no fallback is possible.
			return nil, &ProtocolError{Command: "EPSV", Response: reply.Message(), Code: reply.Code}
		default:
			s.disableEPSV = true
		}
	}

	if addr == "" {
		reply, err := s.send("PASV")
		if err != nil {
			return nil, err
		}
		if !reply.Is2xx() {
			return nil, &ProtocolError{Command: "PASV", Response: reply.Message(), Code: reply.Code}
		}
		pasvAddr, advertisedHost, parseErr := parsePASV(reply.String())
		if parseErr != nil {
			return nil, parseErr
		}
		addr = s.resolvePassiveAddr(pasvAddr, advertisedHost)
	}

	var dialer proxyDialer = s.dialer
	switch {
	case s.proxyDialer != nil:
		dialer = s.proxyDialer
	case s.passiveLocalHost != "":
		nd := *s.dialer
		nd.LocalAddr = &net.TCPAddr{IP: net.ParseIP(s.passiveLocalHost)}
		dialer = &nd
	}

	dc, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ftp: failed to connect to data port: %w", err)
	}
	s.applyDataBufferSizes(dc)

	if s.remoteVerificationEnabled {
		peerHost, _, _ := net.SplitHostPort(dc.RemoteAddr().String())
		controlHost := s.controlPeerHost()
		if peerHost != controlHost && peerHost != "" && controlHost != "" {
			dc.Close()
			return nil, &UntrustedDataConnectionError{ControlPeer: controlHost, DataPeer: peerHost}
		}
	}

	if s.tlsConfig != nil {
		tlsConn := tls.Client(dc, s.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			dc.Close()
			return nil, &SecureChannelError{Stage: "data connection handshake", Cause: err}
		}
		dc = tlsConn
	}

	if s.transferMode == ModeDeflate {
		dc = wrapDeflate(dc)
	}

	if s.dataTimeout > 0 {
		return &deadlineConn{Conn: dc, timeout: s.dataTimeout}, nil
	}
	return dc, nil
}

// resolvePassiveAddr applies the literal-trust/NAT-resolver policy to a
// PASV-advertised address (spec.md §4.3 step 3, §6
// "trust_pasv_ip_literal"):
//
//   - "0,0,0,0" always means the control peer address.
//   - a configured proxy always trusts the literal verbatim, since the
//     proxy (not this host) is the one that has to reach it.
//   - trustPASVIPLiteral set (legacy behaviour): pass the literal
//     through natResolver, which may substitute the control peer when
//     the literal is private/site-local and the control peer is not.
//   - trustPASVIPLiteral unset (new default): ignore the literal
//     entirely and always dial the control peer's address.
func (s *Session) resolvePassiveAddr(advertisedAddr, advertisedHost string) string {
	_, port, splitErr := net.SplitHostPort(advertisedAddr)
	if splitErr != nil {
		return advertisedAddr
	}

	if advertisedHost == "0.0.0.0" {
		if controlHost := s.controlPeerHost(); controlHost != "" {
			return net.JoinHostPort(controlHost, port)
		}
		return advertisedAddr
	}

	if s.proxyDialer != nil {
		return advertisedAddr
	}

	if !s.trustPASVIPLiteral {
		if controlHost := s.controlPeerHost(); controlHost != "" {
			return net.JoinHostPort(controlHost, port)
		}
		return advertisedAddr
	}

	if s.natResolver == nil {
		return advertisedAddr
	}

	advertisedIP := net.ParseIP(advertisedHost)
	controlIP := net.ParseIP(s.controlPeerHost())
	if advertisedIP == nil || controlIP == nil {
		return advertisedAddr
	}

	resolved := s.natResolver.Resolve(advertisedIP, controlIP)
	if resolved == nil || resolved.Equal(advertisedIP) {
		return advertisedAddr
	}
	return net.JoinHostPort(resolved.String(), port)
}

// wrapDeflate wraps a data connection in a DEFLATE encode/decode shim,
// the socket-hook form of the optional MODE Z extension (spec.md §1
// Non-goals excludes BLOCK/COMPRESSED modes generally, but the
// socket-level DEFLATE wrap is kept as an opt-in transport hook rather
// than a distinct transfer-mode grammar).
func wrapDeflate(c net.Conn) net.Conn {
	return &deflateConn{Conn: c, fw: flate.NewWriter(c, flate.DefaultCompression)}
}

type deflateConn struct {
	net.Conn
	fw *flate.Writer
	fr io.ReadCloser
}

func (d *deflateConn) Write(p []byte) (int, error) {
	n, err := d.fw.Write(p)
	if err != nil {
		return n, err
	}
	return n, d.fw.Flush()
}

func (d *deflateConn) Read(p []byte) (int, error) {
	if d.fr == nil {
		d.fr = flate.NewReader(d.Conn)
	}
	return d.fr.Read(p)
}

// dialViaSOCKS builds a proxy.Dialer for the configured SOCKS5 address,
// used when WithSOCKSProxy is set (spec.md §6).
func dialViaSOCKS(proxyAddr string, forward proxyDialer) (proxyDialer, error) {
	nd, ok := forward.(proxy.Dialer)
	if !ok {
		nd = proxy.Direct
	}
	d, err := proxy.SOCKS5("tcp", proxyAddr, nil, nd)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// cmdDataConnFrom opens a data connection, sends cmd, and validates the
// preliminary reply, leaving the caller to copy bytes and then call
// completePending (spec.md §4.4 "DataOpened" -> "Copying").
func (s *Session) cmdDataConnFrom(cmd string, args ...string) (*Reply, net.Conn, error) {
	dc, err := s.openDataConn()
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.activeDataConn = dc
	s.mu.Unlock()

	reply, err := s.send(cmd, args...)
	if err != nil {
		dc.Close()
		s.mu.Lock()
		s.activeDataConn = nil
		s.mu.Unlock()
		return nil, nil, err
	}

	if !reply.Is1xx() && !reply.Is2xx() {
		dc.Close()
		s.mu.Lock()
		s.activeDataConn = nil
		s.mu.Unlock()
		return reply, nil, &ProtocolError{Command: cmd, Response: reply.Message(), Code: reply.Code}
	}

	return reply, dc, nil
}

// finishDataConn closes the data socket and reads the completion reply
// (spec.md §4.4 "DataClosed" -> "CompletionRead").
func (s *Session) finishDataConn(dc net.Conn) error {
	closeErr := dc.Close()

	s.mu.Lock()
	s.activeDataConn = nil
	s.mu.Unlock()

	reply, err := s.completePending()
	if err != nil {
		return err
	}
	if !reply.Is2xx() {
		return &ProtocolError{Command: "DATA_TRANSFER", Response: reply.Message(), Code: reply.Code}
	}
	return closeErr
}
