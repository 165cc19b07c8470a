// Package ftp implements an FTP client conforming to RFC 959, with the
// security (RFC 2228), feature-negotiation (RFC 2389), extended-address
// (RFC 2428), and MDTM/SIZE/MLSD/MLST (RFC 3659) extensions, plus the MFMT
// draft. It covers the control+data channel state machine and transfer
// engine: the line-oriented reply parser, the active/passive data
// connection negotiator, the per-transfer lifecycle, the ASCII/NETASCII
// codec, the control-channel keepalive interleaver, and the listing
// parsers with server-dialect auto-detection.
//
// # Basic usage
//
//	sess, err := ftp.Dial("ftp.example.com:21")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Quit()
//
//	if ok, err := sess.Login("anonymous", "anonymous@"); err != nil {
//	    log.Fatal(err)
//	} else if !ok {
//	    log.Fatal("login rejected: ", sess.LastReply())
//	}
package ftp

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// FileType selects the representation type used for the next transfer
// (spec.md §3 "Transfer settings").
type FileType string

const (
	TypeASCII  FileType = "A"
	TypeBinary FileType = "I"
	TypeLocal  FileType = "L"
	// TypeEBCDIC is accepted by the TYPE grammar but rejected by SetFileType:
	// EBCDIC file typing is explicitly out of scope (spec.md §1 Non-goals).
	TypeEBCDIC FileType = "E"
)

// TransferMode selects STREAM (the only fully supported mode) or DEFLATE
// (an optional socket-wrapper hook; spec.md §1 Non-goals excludes
// BLOCK/COMPRESSED modes other than STREAM).
type TransferMode string

const (
	ModeStream  TransferMode = "STREAM"
	ModeDeflate TransferMode = "DEFLATE"
)

// DataConnectionMode selects how the next data connection is negotiated
// (spec.md §3 "Mode").
type DataConnectionMode int

const (
	ActiveLocal DataConnectionMode = iota
	ActiveRemote
	PassiveLocal
	PassiveRemote
)

// Resolver substitutes a PASV/EPSV-advertised address with the address
// that should actually be dialed, implementing the NAT workaround of
// spec.md §4.3 step 3. The default resolver swaps in the control
// connection's peer address whenever the advertised literal is a
// private/site-local address and the control peer is not.
type Resolver interface {
	Resolve(advertised, controlPeer net.IP) net.IP
}

// resolverFunc adapts a plain function to the Resolver interface.
type resolverFunc func(advertised, controlPeer net.IP) net.IP

func (f resolverFunc) Resolve(advertised, controlPeer net.IP) net.IP { return f(advertised, controlPeer) }

// DefaultNATResolver substitutes the control peer's address whenever the
// literal the server advertised is private/site-local but the control
// peer itself is not — the classic "server behind NAT reports its LAN IP"
// case.
var DefaultNATResolver Resolver = resolverFunc(func(advertised, controlPeer net.IP) net.IP {
	if isPrivateOrSiteLocal(advertised) && !isPrivateOrSiteLocal(controlPeer) {
		return controlPeer
	}
	return advertised
})

func isPrivateOrSiteLocal(ip net.IP) bool {
	return ip != nil && (ip.IsPrivate() || ip.IsLinkLocalUnicast())
}

// tlsMode tracks whether, and how, the control channel is TLS-protected.
type tlsMode int

const (
	tlsModeNone tlsMode = iota
	tlsModeExplicit
	tlsModeImplicit
)

// Session is an FTP client connection: the control channel, its current
// configuration, and the per-connection caches that spec.md §3 describes
// as "Session state". A Session is not safe for concurrent use — spec.md
// §5 requires that at most one logical operation be in flight at a time.
type Session struct {
	// --- connection ---
	conn    net.Conn
	reader  *bufio.Reader
	host    string
	port    string
	lastReply *Reply
	closed  bool

	// --- TLS (C9) ---
	tlsConfig *tls.Config
	tlsMode   tlsMode
	sessionCache tls.ClientSessionCache

	// --- timeouts (§6) ---
	connectTimeout time.Duration
	soTimeout      time.Duration // control channel
	dataTimeout    time.Duration

	idleTimeout time.Duration // deprecated alias honored by WithIdleTimeout; maps to keepalive

	// --- keepalive (§4.4.1) ---
	keepaliveIdle         time.Duration
	keepaliveReplyTimeout time.Duration

	// --- transfer settings (§3) ---
	fileType       FileType
	formatOrSize   string
	structure      string
	transferMode   TransferMode
	currentTypeSet bool

	// --- data connection mode & config (§3, §6) ---
	dataMode DataConnectionMode

	activeMinPort, activeMaxPort int
	activeExternalHost           string
	reportExternalHost           string
	passiveLocalHost             string

	useEPSVWithIPv4 bool
	disableEPSV     bool

	trustPASVIPLiteral bool
	natResolver        Resolver
	proxyDialer        proxyDialer

	remoteVerificationEnabled bool

	lastPassiveHost string
	lastPassivePort int

	// --- restart (§4.4.2) ---
	restartOffset int64

	// --- buffering / throttling ---
	bufferSize   int
	dataSendBuf  int
	dataRecvBuf  int
	bandwidthLimitBytesPerSec int64

	// --- auto-detect / dialect (§4.7.1, §8 feature cache) ---
	autoDetectUTF8   bool
	utf8Active       bool
	serverSystemKey  string
	defaultSystemType string
	systemType       string
	systemTypeFetched bool
	parsers          []ListingParser
	listHidden       bool
	saveUnparseable  bool

	dateConfig dateParseConfig

	caches *sessionCaches

	// --- misc config ---
	logger *slog.Logger
	dialer *net.Dialer

	mu sync.Mutex

	// activeDataConn tracks whether a data transfer is in progress, for
	// Abort() and the keepalive interleaver.
	activeDataConn net.Conn
	lastCommand    time.Time
}

// sessionCaches bundles the patrickmn/go-cache instances that back the
// FEAT feature map and its load state (spec.md §3 "Feature map"). The
// cached SYST result lives in Session.systemType instead. initDefaults
// replaces them with fresh, empty caches.
type sessionCaches struct {
	features *cache.Cache // "FEAT" -> map[string]map[string]struct{}
	featState *cache.Cache // "FEAT" -> one of featStateUnknown/NotLoggedIn/Disabled/Loaded
}

type featState int

const (
	featStateUnknown featState = iota
	featStateNotLoggedIn
	featStateDisabled
	featStateLoaded
)

func newSessionCaches() *sessionCaches {
	return &sessionCaches{
		features:  cache.New(cache.NoExpiration, cache.NoExpiration),
		featState: cache.New(cache.NoExpiration, cache.NoExpiration),
	}
}

func (sc *sessionCaches) flush() {
	sc.features.Flush()
	sc.featState.Flush()
}

// Option configures a Session before it dials. See With* functions in
// options.go for the full configuration surface (spec.md §6).
type Option func(*Session) error

// Dial connects to an FTP server at addr ("host:port") and performs the
// greeting handshake, applying any options first.
func Dial(addr string, opts ...Option) (*Session, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ftp: invalid address %q: %w", addr, err)
	}

	s := &Session{
		host:    host,
		port:    port,
		dialer:  &net.Dialer{},
		logger:  slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1})),
		connectTimeout: 30 * time.Second,
		soTimeout:      30 * time.Second,
		dataTimeout:    30 * time.Second,
		bufferSize:     32 * 1024,
		remoteVerificationEnabled: true,
		natResolver:    DefaultNATResolver,
	}
	applyDefaults(s)

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("ftp: option failed: %w", err)
		}
	}
	s.dialer.Timeout = s.connectTimeout

	if err := s.connect(); err != nil {
		return nil, err
	}
	s.lastCommand = time.Now()
	return s, nil
}

// Connect dials an FTP server using a URL of the form
// scheme://[user:password@]host[:port][/path]. Supported schemes are
// "ftp", "ftps" (implicit TLS, default port 990), and "ftp+explicit"
// (explicit TLS, default port 21).
func Connect(rawurl string) (*Session, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("ftp: invalid URL: %w", err)
	}

	host := u.Hostname()
	port := u.Port()
	var opts []Option

	switch strings.ToLower(u.Scheme) {
	case "ftp":
		if port == "" {
			port = "21"
		}
	case "ftps":
		if port == "" {
			port = "990"
		}
		opts = append(opts, WithImplicitTLS(&tls.Config{ServerName: host}))
	case "ftp+explicit":
		if port == "" {
			port = "21"
		}
		opts = append(opts, WithExplicitTLS(&tls.Config{ServerName: host}))
	default:
		return nil, fmt.Errorf("ftp: unsupported scheme %q", u.Scheme)
	}

	s, err := Dial(net.JoinHostPort(host, port), opts...)
	if err != nil {
		return nil, err
	}

	user := u.User.Username()
	pass, hasPass := u.User.Password()
	if user == "" {
		user, pass = "anonymous", "anonymous@"
	} else if !hasPass {
		pass = ""
	}

	ok, err := s.Login(user, pass)
	if err != nil {
		_ = s.Quit()
		return nil, fmt.Errorf("ftp: login failed: %w", err)
	}
	if !ok {
		_ = s.Quit()
		return nil, fmt.Errorf("ftp: login rejected: %s", s.LastReply().Message())
	}

	if u.Path != "" && u.Path != "/" {
		if ok, err := s.ChangeDir(u.Path); err != nil {
			_ = s.Quit()
			return nil, fmt.Errorf("ftp: change directory failed: %w", err)
		} else if !ok {
			_ = s.Quit()
			return nil, fmt.Errorf("ftp: change directory rejected: %s", s.LastReply().Message())
		}
	}

	return s, nil
}

// connect opens the control socket (wrapping in TLS immediately for
// implicit mode), reads the greeting, and performs the explicit-TLS
// upgrade if configured.
func (s *Session) connect() error {
	addr := net.JoinHostPort(s.host, s.port)
	s.logger.Debug("connecting", "addr", addr, "tls_mode", s.tlsMode)

	conn, err := s.dialer.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("ftp: connect failed: %w", err)
	}

	if s.tlsMode == tlsModeImplicit {
		if err := s.handshakeImplicit(conn); err != nil {
			conn.Close()
			return err
		}
	} else {
		s.conn = conn
	}

	s.reader = bufio.NewReader(s.conn)

	if s.connectTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.connectTimeout))
	}
	reply, err := readReply(s.reader, controlEncodingFor(s.utf8Active))
	if err != nil {
		s.conn.Close()
		return fmt.Errorf("ftp: failed to read greeting: %w", err)
	}
	s.lastReply = reply
	greeting := reply
	s.logger.Debug("greeting", "code", reply.Code, "message", reply.Message())

	if reply.Code != 220 {
		s.conn.Close()
		return &ProtocolError{Command: "CONNECT", Response: reply.Message(), Code: reply.Code}
	}

	if s.tlsMode == tlsModeExplicit {
		if err := s.handshakeExplicit(); err != nil {
			s.conn.Close()
			return err
		}
	}

	s.initDefaults()

	if s.autoDetectUTF8 {
		if feats, err := s.Features(); err == nil {
			if _, ok := feats["UTF8"]; ok {
				s.utf8Active = true
			}
		}
		// The FEAT probe above overwrote lastReply; the greeting is kept
		// as originally decoded and re-exposed here (spec.md §4.1).
		s.lastReply = greeting
	}

	return nil
}

// initDefaults resets every cache and transfer setting to its
// freshly-connected value, per spec.md §3 Lifecycle and §5 "Defaults
// reset": run on connect, on disconnect, and on a successful REIN.
func (s *Session) initDefaults() {
	applyDefaults(s)
	s.caches = newSessionCaches()
	s.systemType = ""
	s.systemTypeFetched = false
	s.lastPassiveHost = ""
	s.lastPassivePort = 0
	s.restartOffset = 0
	s.currentTypeSet = false
	s.utf8Active = false
}

func applyDefaults(s *Session) {
	s.fileType = TypeASCII
	s.dataMode = ActiveLocal
	s.structure = "FILE"
	s.transferMode = ModeStream
	s.parsers = defaultParsers()
	s.dateConfig = defaultDateParseConfig()
	if s.caches == nil {
		s.caches = newSessionCaches()
	}
}

// Quit sends QUIT and closes the control channel. Any transfer in
// progress is aborted by closing the active data socket first.
func (s *Session) Quit() error {
	if s.conn == nil {
		return nil
	}

	s.mu.Lock()
	if s.activeDataConn != nil {
		s.activeDataConn.Close()
		s.activeDataConn = nil
	}
	s.mu.Unlock()

	_, _ = s.send("QUIT")
	s.closed = true
	return s.conn.Close()
}

// LastReply returns the most recently received reply, or nil if none has
// been read yet.
func (s *Session) LastReply() *Reply { return s.lastReply }

// Login authenticates using USER/PASS/ACCT per spec.md §4.8: USER, then
// PASS if a password is requested (3xx), then ACCT if the server asks for
// one and account is non-empty. It does not return an error for protocol
// refusals — those come back as (false, nil) with LastReply() describing
// why.
func (s *Session) Login(user, pass string) (bool, error) {
	return s.login(user, pass, "")
}

// LoginWithAccount is Login with an ACCT fallback value.
func (s *Session) LoginWithAccount(user, pass, account string) (bool, error) {
	return s.login(user, pass, account)
}

func (s *Session) login(user, pass, account string) (bool, error) {
	reply, err := s.send("USER", user)
	if err != nil {
		return false, err
	}
	switch {
	case reply.Is2xx():
		return true, nil
	case reply.Is3xx():
		// fall through to PASS
	default:
		return false, nil
	}

	reply, err = s.send("PASS", pass)
	if err != nil {
		return false, err
	}
	switch {
	case reply.Is2xx():
		return true, nil
	case reply.Is3xx() && account != "":
		reply, err = s.send("ACCT", account)
		if err != nil {
			return false, err
		}
		return reply.Is2xx(), nil
	default:
		return false, nil
	}
}

// Logout sends REIN, which is a "soft disconnect" per spec.md §3: it
// clears session-level caches without closing the control channel.
func (s *Session) Logout() (bool, error) {
	reply, err := s.send("REIN")
	if err != nil {
		return false, err
	}
	if reply.Is2xx() {
		s.initDefaults()
	}
	return reply.Is2xx(), nil
}

// Disconnect closes the control socket and re-applies session defaults.
func (s *Session) Disconnect() error {
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.closed = true
	s.initDefaults()
	return err
}

// Host sends the HOST command (RFC 7151), used before USER to select a
// virtual host.
func (s *Session) Host(host string) (bool, error) {
	reply, err := s.send("HOST", host)
	if err != nil {
		return false, err
	}
	return reply.Is2xx(), nil
}

// ChangeDir issues CWD.
func (s *Session) ChangeDir(path string) (bool, error) {
	reply, err := s.send("CWD", path)
	if err != nil {
		return false, err
	}
	return reply.Is2xx(), nil
}

// ChangeDirUp issues CDUP.
func (s *Session) ChangeDirUp() (bool, error) {
	reply, err := s.send("CDUP")
	if err != nil {
		return false, err
	}
	return reply.Is2xx(), nil
}

// PrintWorkingDirectory issues PWD and parses the quoted path per RFC 959
// (embedded quotes doubled). On a malformed reply it returns the text
// after the reply code unchanged, per spec.md §4.8.
func (s *Session) PrintWorkingDirectory() (string, error) {
	reply, err := s.send("PWD")
	if err != nil {
		return "", err
	}
	if !reply.Is2xx() {
		return "", &ProtocolError{Command: "PWD", Response: reply.Message(), Code: reply.Code}
	}
	return parseQuotedPath(reply.Message()), nil
}

// parseQuotedPath extracts the RFC 959 quoted-path token from a 257 reply
// message, unescaping doubled quotes ("" -> "). If the message does not
// start with a quote, it is returned unchanged.
func parseQuotedPath(msg string) string {
	if len(msg) == 0 || msg[0] != '"' {
		return msg
	}
	var b strings.Builder
	i := 1
	for i < len(msg) {
		if msg[i] == '"' {
			if i+1 < len(msg) && msg[i+1] == '"' {
				b.WriteByte('"')
				i += 2
				continue
			}
			break
		}
		b.WriteByte(msg[i])
		i++
	}
	return b.String()
}

// MakeDir issues MKD.
func (s *Session) MakeDir(path string) (bool, error) {
	reply, err := s.send("MKD", path)
	if err != nil {
		return false, err
	}
	return reply.Is2xx(), nil
}

// RemoveDir issues RMD.
func (s *Session) RemoveDir(path string) (bool, error) {
	reply, err := s.send("RMD", path)
	if err != nil {
		return false, err
	}
	return reply.Is2xx(), nil
}

// Delete issues DELE.
func (s *Session) Delete(path string) (bool, error) {
	reply, err := s.send("DELE", path)
	if err != nil {
		return false, err
	}
	return reply.Is2xx(), nil
}

// Rename issues RNFR then RNTO.
func (s *Session) Rename(from, to string) (bool, error) {
	reply, err := s.send("RNFR", from)
	if err != nil {
		return false, err
	}
	if reply.Code != 350 {
		return false, nil
	}
	reply, err = s.send("RNTO", to)
	if err != nil {
		return false, err
	}
	return reply.Is2xx(), nil
}

// Size issues SIZE and parses the byte count.
func (s *Session) Size(path string) (int64, error) {
	reply, err := s.send("SIZE", path)
	if err != nil {
		return 0, err
	}
	if !reply.Is2xx() {
		return 0, &ProtocolError{Command: "SIZE", Response: reply.Message(), Code: reply.Code}
	}
	var n int64
	if _, err := fmt.Sscanf(strings.TrimSpace(reply.Message()), "%d", &n); err != nil {
		return 0, fmt.Errorf("ftp: invalid SIZE reply %q: %w", reply.Message(), err)
	}
	return n, nil
}

// ModTime issues MDTM and parses the UTC timestamp (RFC 3659 §2.3).
func (s *Session) ModTime(path string) (time.Time, error) {
	reply, err := s.send("MDTM", path)
	if err != nil {
		return time.Time{}, err
	}
	if !reply.Is2xx() {
		return time.Time{}, &ProtocolError{Command: "MDTM", Response: reply.Message(), Code: reply.Code}
	}
	return parseFTPTimestamp(strings.TrimSpace(reply.Message()))
}

// SetModTime issues MFMT (draft-somers-ftp-mfxx), converting t to UTC.
func (s *Session) SetModTime(path string, t time.Time) (bool, error) {
	reply, err := s.send("MFMT", t.UTC().Format("20060102150405"), path)
	if err != nil {
		return false, err
	}
	return reply.Is2xx(), nil
}

func parseFTPTimestamp(ts string) (time.Time, error) {
	ts = strings.Split(ts, ".")[0]
	if len(ts) != 14 {
		return time.Time{}, fmt.Errorf("ftp: invalid timestamp %q", ts)
	}
	t, err := time.Parse("20060102150405", ts)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Allocate issues ALLO, reserving storage space ahead of a STOR.
func (s *Session) Allocate(bytes int64) (bool, error) {
	reply, err := s.send("ALLO", fmt.Sprintf("%d", bytes))
	if err != nil {
		return false, err
	}
	return reply.Is2xx(), nil
}

// Site sends a SITE subcommand (e.g. Site("CHMOD", "755", "f")).
func (s *Session) Site(args ...string) (*Reply, error) {
	return s.send(append([]string{"SITE"}, args...)[0], append([]string{"SITE"}, args...)[1:]...)
}

// Noop sends NOOP, used internally by the keepalive interleaver and
// available directly to callers wanting to ping the connection.
func (s *Session) Noop() (bool, error) {
	reply, err := s.send("NOOP")
	if err != nil {
		return false, err
	}
	return reply.Is2xx(), nil
}

// Quote sends a raw, unvalidated command and returns the reply.
func (s *Session) Quote(command string, args ...string) (*Reply, error) {
	return s.send(command, args...)
}

// SetFileType sets the transfer type (spec.md §6). EBCDIC is rejected.
func (s *Session) SetFileType(t FileType) (bool, error) {
	if t == TypeEBCDIC {
		return false, fmt.Errorf("ftp: EBCDIC file typing is not supported")
	}
	if s.currentTypeSet && s.fileType == t {
		return true, nil
	}
	reply, err := s.send("TYPE", string(t))
	if err != nil {
		return false, err
	}
	if reply.Code != 200 {
		return false, nil
	}
	s.fileType = t
	s.currentTypeSet = true
	return true, nil
}

// SetTransferMode sets STREAM or DEFLATE (spec.md §6; other modes are
// rejected since BLOCK/COMPRESSED beyond DEFLATE-as-socket-hook are out
// of scope).
func (s *Session) SetTransferMode(m TransferMode) error {
	if m != ModeStream && m != ModeDeflate {
		return fmt.Errorf("ftp: unsupported transfer mode %q", m)
	}
	s.transferMode = m
	return nil
}

// SetRestartOffset arms REST for the next transfer (spec.md §4.4.2): it
// is consumed unconditionally on the next attempt, regardless of outcome.
func (s *Session) SetRestartOffset(offset int64) {
	s.restartOffset = offset
}

// Abort cancels an active transfer by sending ABOR; the server typically
// answers with two replies (426 on the data command, 226/225 on ABOR
// itself), both of which are drained here.
func (s *Session) Abort() error {
	s.mu.Lock()
	active := s.activeDataConn != nil
	s.mu.Unlock()
	if !active {
		return fmt.Errorf("ftp: no transfer in progress")
	}

	reply, err := s.send("ABOR")
	if err != nil {
		return err
	}
	if reply.Code == 426 {
		// Drain the transfer's own completion reply too.
		if _, err := s.completePending(); err != nil {
			return err
		}
		return nil
	}
	if !reply.Is2xx() {
		return &ProtocolError{Command: "ABOR", Response: reply.Message(), Code: reply.Code}
	}
	return nil
}
