package ftp

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// WithConnectTimeout sets the dial + greeting-read timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) error {
		s.connectTimeout = d
		return nil
	}
}

// WithControlTimeout sets so_timeout, the control channel's read/write
// deadline.
func WithControlTimeout(d time.Duration) Option {
	return func(s *Session) error {
		s.soTimeout = d
		return nil
	}
}

// WithDataTimeout sets data_timeout, applied to every data connection.
func WithDataTimeout(d time.Duration) Option {
	return func(s *Session) error {
		s.dataTimeout = d
		return nil
	}
}

// WithKeepalive arms the control-channel keepalive interleaver
// (spec.md §4.4.1): idle is control_keepalive_idle, replyTimeout is
// control_keepalive_reply_timeout.
func WithKeepalive(idle, replyTimeout time.Duration) Option {
	return func(s *Session) error {
		s.keepaliveIdle = idle
		s.keepaliveReplyTimeout = replyTimeout
		return nil
	}
}

// WithIdleTimeout is a deprecated alias for WithKeepalive(d, d/2) kept
// for callers migrating from a single idle-timeout knob.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) error {
		s.keepaliveIdle = d
		s.keepaliveReplyTimeout = d / 2
		return nil
	}
}

// WithExplicitTLS enables explicit FTPS (AUTH TLS after a plaintext
// greeting, port 21). A ClientSessionCache is attached automatically if
// not already present, for TLS session reuse across data connections.
func WithExplicitTLS(config *tls.Config) Option {
	return func(s *Session) error {
		if s.tlsMode == tlsModeImplicit {
			return fmt.Errorf("ftp: explicit TLS cannot be combined with implicit TLS")
		}
		if config == nil {
			config = &tls.Config{}
		}
		if config.ClientSessionCache == nil {
			config.ClientSessionCache = tls.NewLRUClientSessionCache(0)
		}
		s.tlsConfig = config
		s.sessionCache = config.ClientSessionCache
		s.tlsMode = tlsModeExplicit
		return nil
	}
}

// WithImplicitTLS enables implicit FTPS (TLS wraps the socket before
// the greeting, conventionally port 990).
func WithImplicitTLS(config *tls.Config) Option {
	return func(s *Session) error {
		if s.tlsMode == tlsModeExplicit {
			return fmt.Errorf("ftp: implicit TLS cannot be combined with explicit TLS")
		}
		if config == nil {
			config = &tls.Config{}
		}
		if config.ClientSessionCache == nil {
			config.ClientSessionCache = tls.NewLRUClientSessionCache(0)
		}
		s.tlsConfig = config
		s.sessionCache = config.ClientSessionCache
		s.tlsMode = tlsModeImplicit
		return nil
	}
}

// WithLogger replaces the session's structured logger (teacher's
// log/slog idiom).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) error {
		s.logger = logger
		return nil
	}
}

// WithDialer installs a custom net.Dialer (source address, control of
// keep-alive, etc).
func WithDialer(dialer *net.Dialer) Option {
	return func(s *Session) error {
		s.dialer = dialer
		return nil
	}
}

// WithSOCKSProxy routes data connections through a SOCKS5 proxy at addr.
func WithSOCKSProxy(addr string) Option {
	return func(s *Session) error {
		d, err := dialViaSOCKS(addr, s.dialer)
		if err != nil {
			return fmt.Errorf("ftp: failed to configure SOCKS proxy: %w", err)
		}
		s.proxyDialer = d
		return nil
	}
}

// WithActiveMode selects ActiveLocal as the data connection mode
// (PORT/EPRT), which is also the default.
func WithActiveMode() Option {
	return func(s *Session) error {
		s.dataMode = ActiveLocal
		return nil
	}
}

// WithPassiveMode selects PassiveLocal (PASV/EPSV) instead of the
// default ActiveLocal.
func WithPassiveMode() Option {
	return func(s *Session) error {
		s.dataMode = PassiveLocal
		return nil
	}
}

// WithActivePortRange restricts active-mode listeners to [min, max].
func WithActivePortRange(min, max int) Option {
	return func(s *Session) error {
		if min <= 0 || max < min {
			return fmt.Errorf("ftp: invalid active port range [%d, %d]", min, max)
		}
		s.activeMinPort, s.activeMaxPort = min, max
		return nil
	}
}

// WithActiveExternalHost overrides the host literal announced in
// PORT/EPRT, for clients behind NAT announcing a public address.
func WithActiveExternalHost(host string) Option {
	return func(s *Session) error {
		s.activeExternalHost = host
		return nil
	}
}

// WithDisableEPSV forces PASV, skipping the EPSV attempt entirely.
func WithDisableEPSV() Option {
	return func(s *Session) error {
		s.disableEPSV = true
		return nil
	}
}

// WithEPSVForIPv4 makes the passive negotiator try EPSV even when the
// control peer is IPv4 (spec.md §4.3 step 1 "use_epsv_with_ipv4"). By
// default EPSV is only attempted for an IPv6 peer.
func WithEPSVForIPv4() Option {
	return func(s *Session) error {
		s.useEPSVWithIPv4 = true
		return nil
	}
}

// WithPassiveLocalHost binds the outgoing passive-mode data socket to
// the given local address before dialing (spec.md §4.3 step 5
// "passive_local_ip").
func WithPassiveLocalHost(host string) Option {
	return func(s *Session) error {
		s.passiveLocalHost = host
		return nil
	}
}

// WithDataBufferSizes sets the OS-level socket buffer sizes applied to
// every data connection (spec.md §6 "data_send_buf"/"data_recv_buf").
// A non-positive value leaves the OS default in place.
func WithDataBufferSizes(sendBytes, recvBytes int) Option {
	return func(s *Session) error {
		s.dataSendBuf = sendBytes
		s.dataRecvBuf = recvBytes
		return nil
	}
}

// WithTrustPASVIPLiteral keeps the address PASV/EPSV advertised instead
// of always substituting the control connection's peer address. The
// literal is then passed through the NAT resolver (DefaultNATResolver
// unless WithNATResolver replaced it), which may still swap it.
func WithTrustPASVIPLiteral() Option {
	return func(s *Session) error {
		s.trustPASVIPLiteral = true
		return nil
	}
}

// WithNATResolver installs a custom Resolver in place of
// DefaultNATResolver.
func WithNATResolver(r Resolver) Option {
	return func(s *Session) error {
		s.natResolver = r
		return nil
	}
}

// WithRemoteVerification toggles comparing the data socket's peer
// against the control channel's peer (spec.md §4.3.1). Enabled by
// default.
func WithRemoteVerification(enabled bool) Option {
	return func(s *Session) error {
		s.remoteVerificationEnabled = enabled
		return nil
	}
}

// WithBufferSize sets the chunk size used by the transfer engine's copy
// loop.
func WithBufferSize(n int) Option {
	return func(s *Session) error {
		if n <= 0 {
			return fmt.Errorf("ftp: buffer size must be positive")
		}
		s.bufferSize = n
		return nil
	}
}

// WithBandwidthLimit caps transfer throughput at bytesPerSecond using a
// token-bucket limiter.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(s *Session) error {
		s.bandwidthLimitBytesPerSec = bytesPerSecond
		return nil
	}
}

// WithAutoDetectUTF8 switches the control encoding to UTF-8 once FEAT
// advertises it (spec.md §4.8).
func WithAutoDetectUTF8(enabled bool) Option {
	return func(s *Session) error {
		s.autoDetectUTF8 = enabled
		return nil
	}
}

// WithServerSystemKey pins the dialect key explicitly, skipping SYST
// auto-detection (spec.md §4.7.1 step 2).
func WithServerSystemKey(key string) Option {
	return func(s *Session) error {
		s.serverSystemKey = key
		return nil
	}
}

// WithDefaultSystemType sets the dialect key fallback used when SYST
// fails (spec.md §4.7.1 step 3).
func WithDefaultSystemType(key string) Option {
	return func(s *Session) error {
		s.defaultSystemType = key
		return nil
	}
}

// WithCustomListParser prepends a caller-supplied parser to the
// session's parser list. List, MLSD and Walk do not consult that list:
// they use the single parser chosen by resolveParser, and connect resets
// the list to the built-in parsers. The parser is therefore not used for
// listings.
func WithCustomListParser(parser ListingParser) Option {
	return func(s *Session) error {
		s.parsers = append([]ListingParser{parser}, s.parsers...)
		return nil
	}
}

// WithListHidden prepends "-a" to LIST arguments (spec.md §4.6).
func WithListHidden(enabled bool) Option {
	return func(s *Session) error {
		s.listHidden = enabled
		return nil
	}
}

// WithSaveUnparseableEntries controls whether listing lines no parser
// recognizes are dropped (default) or surfaced as Entry{Valid: false}
// (spec.md §4.7.8).
func WithSaveUnparseableEntries(enabled bool) Option {
	return func(s *Session) error {
		s.saveUnparseable = enabled
		return nil
	}
}

// WithServerTimeZone stores loc in the session's date configuration.
// connect resets that configuration to its default, and the built-in
// listing parsers do not read it: the Unix parser's recent-date
// heuristic always judges "in the future" against UTC.
func WithServerTimeZone(loc *time.Location) Option {
	return func(s *Session) error {
		s.dateConfig.location = loc
		return nil
	}
}

// WithShortMonthNames stores a month-name table in the session's date
// configuration (spec.md §4.7.2). connect resets that configuration to
// its default, and the Unix/VMS parsers do not read it: they always
// match the English three-letter month names.
func WithShortMonthNames(names [12]string) Option {
	return func(s *Session) error {
		s.dateConfig.shortMonthNames = names[:]
		return nil
	}
}
