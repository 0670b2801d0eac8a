package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/origin"
)

const (
	EnvListenAddr      = "GAZELINK_LISTEN_ADDR"
	EnvAllowedOrigins  = "GAZELINK_ALLOWED_ORIGINS"
	EnvLogFormat       = "GAZELINK_LOG_FORMAT"
	EnvLogLevel        = "GAZELINK_LOG_LEVEL"
	EnvShutdownTimeout = "GAZELINK_SHUTDOWN_TIMEOUT"
	EnvMode            = "GAZELINK_MODE"

	EnvMaxSessions                   = "GAZELINK_MAX_SESSIONS"
	EnvSignalingWSIdleTimeout        = "GAZELINK_SIGNALING_WS_IDLE_TIMEOUT"
	EnvSignalingWSPingInterval       = "GAZELINK_SIGNALING_WS_PING_INTERVAL"
	EnvMaxSignalingMessageBytes      = "GAZELINK_MAX_SIGNALING_MESSAGE_BYTES"
	EnvMaxSignalingMessagesPerSecond = "GAZELINK_MAX_SIGNALING_MESSAGES_PER_SECOND"
	EnvMaxQueuedCandidates           = "GAZELINK_MAX_QUEUED_CANDIDATES"
	EnvClockSyncTimeout              = "GAZELINK_CLOCK_SYNC_TIMEOUT"

	EnvProcNodeURL            = "GAZELINK_PROCNODE_URL"
	EnvProcNodeRequestTimeout = "GAZELINK_PROCNODE_REQUEST_TIMEOUT"

	EnvICEGatheringTimeout          = "GAZELINK_ICE_GATHERING_TIMEOUT"
	EnvWebRTCUDPPortMin             = "GAZELINK_WEBRTC_UDP_PORT_MIN"
	EnvWebRTCUDPPortMax             = "GAZELINK_WEBRTC_UDP_PORT_MAX"
	EnvWebRTCNAT1To1IPs             = "GAZELINK_WEBRTC_NAT_1TO1_IPS"
	EnvWebRTCNAT1To1IPCandidateType = "GAZELINK_WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	EnvWebRTCUDPListenIP            = "GAZELINK_WEBRTC_UDP_LISTEN_IP"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdown             = 15 * time.Second
	DefaultMode            Mode = ModeDev
	DefaultICEGatherTimeout     = 2 * time.Second

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultMaxQueuedCandidates           = 64
	DefaultClockSyncTimeout              = 3 * time.Second

	DefaultProcNodeRequestTimeout = 10 * time.Second

	DefaultWebRTCUDPListenIP = "0.0.0.0"
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum. Each session
// may hold several UDP ports, and running out shows up as ICE failures.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// MaxSessions caps concurrent signaling sessions. 0 means unlimited.
	MaxSessions int

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	MaxQueuedCandidates int
	ClockSyncTimeout    time.Duration

	// ProcNodeURL is the processing node's HTTP base URL. Empty disables
	// proc:* negotiation; clients receive a room:error instead.
	ProcNodeURL            string
	ProcNodeRequestTimeout time.Duration

	ICEGatheringTimeout time.Duration

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. Nil leaves port
	// selection to the OS.
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs are public IPs advertised for ICE when running behind
	// NAT. Literal IPs only.
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts ICE sockets to one local address. 0.0.0.0
	// means every interface.
	WebRTCUDPListenIP net.IP

	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. Load does not
// fail on it so /webrtc/ice can surface the problem instead.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// Load reads configuration from the environment, an optional .env file, an
// optional YAML file and command-line flags, in increasing precedence for
// flags and decreasing precedence for the file sources.
func Load(args []string) (Config, error) {
	lookup, err := fileBackedLookup(os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	return load(lookup, args)
}

// rawConfig holds flag values before validation.
type rawConfig struct {
	listenAddr      string
	allowedOrigins  string
	mode            string
	logFormat       string
	logLevel        string
	shutdownTimeout time.Duration

	maxSessions          int
	wsIdleTimeout        time.Duration
	wsPingInterval       time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int
	maxQueuedCandidates  int
	clockSyncTimeout     time.Duration

	procNodeURL            string
	procNodeRequestTimeout time.Duration

	iceGatherTimeout time.Duration
	ice              ICESource

	udpPortMin, udpPortMax uint
	udpListenIP            string
	nat1To1IPs             string
	nat1To1CandidateType   string
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	var r rawConfig
	b := newBinder("gazelink-server", lookup)

	b.String(&r.listenAddr, "listen-addr", EnvListenAddr, DefaultListenAddr, "HTTP listen address (host:port)")
	b.String(&r.allowedOrigins, "allowed-origins", EnvAllowedOrigins, "", "Comma-separated list of allowed browser origins")
	b.String(&r.mode, "mode", EnvMode, string(DefaultMode), "Run mode: dev or prod")
	// Empty format and level resolve from the mode, so --mode prod alone
	// switches to JSON.
	b.String(&r.logFormat, "log-format", EnvLogFormat, "", "Log format: text or json (default depends on mode)")
	b.String(&r.logLevel, "log-level", EnvLogLevel, "", "Log level: debug, info, warn, error (default depends on mode)")
	b.Duration(&r.shutdownTimeout, "shutdown-timeout", EnvShutdownTimeout, DefaultShutdown, "Graceful shutdown timeout")

	b.Int(&r.maxSessions, "max-sessions", EnvMaxSessions, 0, "Maximum concurrent signaling sessions (0 = unlimited)")
	b.Duration(&r.wsIdleTimeout, "signaling-ws-idle-timeout", EnvSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout, "Close signaling sockets idle for this long")
	b.Duration(&r.wsPingInterval, "signaling-ws-ping-interval", EnvSignalingWSPingInterval, DefaultSignalingWSPingInterval, "Signaling keepalive ping interval")
	b.Int64(&r.maxMessageBytes, "max-signaling-message-bytes", EnvMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes, "Max inbound signaling frame size")
	b.Int(&r.maxMessagesPerSecond, "max-signaling-messages-per-second", EnvMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond, "Inbound signaling messages/sec per session")
	b.Int(&r.maxQueuedCandidates, "max-queued-candidates", EnvMaxQueuedCandidates, DefaultMaxQueuedCandidates, "Remote candidates buffered before the remote description")
	b.Duration(&r.clockSyncTimeout, "clock-sync-timeout", EnvClockSyncTimeout, DefaultClockSyncTimeout, "Clock offset probe timeout; zero offset is assumed after it")

	b.String(&r.procNodeURL, "procnode-url", EnvProcNodeURL, "", "Processing node HTTP base URL")
	b.Duration(&r.procNodeRequestTimeout, "procnode-request-timeout", EnvProcNodeRequestTimeout, DefaultProcNodeRequestTimeout, "Processing node request timeout")

	b.Duration(&r.iceGatherTimeout, "ice-gather-timeout", EnvICEGatheringTimeout, DefaultICEGatherTimeout, "Max time to wait for ICE gathering on non-trickle endpoints")
	b.String(&r.ice.JSON, "ice-servers-json", EnvICEServersJSON, "", "ICE server JSON config")
	b.String(&r.ice.STUNURLs, "stun-urls", EnvStunURLs, "", "Comma-separated STUN URLs")
	b.String(&r.ice.TURNURLs, "turn-urls", EnvTurnURLs, "", "Comma-separated TURN URLs")
	b.String(&r.ice.TURNUsername, "turn-username", EnvTurnUsername, "", "TURN username")
	b.String(&r.ice.TURNCredential, "turn-credential", EnvTurnCredential, "", "TURN credential")

	b.Port(&r.udpPortMin, "webrtc-udp-port-min", EnvWebRTCUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset)")
	b.Port(&r.udpPortMax, "webrtc-udp-port-max", EnvWebRTCUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset)")
	b.String(&r.udpListenIP, "webrtc-udp-listen-ip", EnvWebRTCUDPListenIP, DefaultWebRTCUDPListenIP, "Local listen IP for WebRTC ICE UDP sockets")
	b.String(&r.nat1To1IPs, "webrtc-nat-1to1-ips", EnvWebRTCNAT1To1IPs, "", "Comma-separated public IPs to advertise for WebRTC ICE")
	b.String(&r.nat1To1CandidateType, "webrtc-nat-1to1-ip-candidate-type", EnvWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost), "Candidate type for NAT 1:1 IPs: host or srflx")

	if err := b.Parse(args); err != nil {
		return Config{}, err
	}
	return r.resolve()
}

// resolve validates r and converts it into a Config.
func (r rawConfig) resolve() (Config, error) {
	bounds := []struct {
		ok  bool
		msg string
	}{
		{r.shutdownTimeout > 0, EnvShutdownTimeout + "/--shutdown-timeout must be > 0"},
		{r.maxSessions >= 0, EnvMaxSessions + "/--max-sessions must be >= 0"},
		{r.wsIdleTimeout > 0, EnvSignalingWSIdleTimeout + "/--signaling-ws-idle-timeout must be > 0"},
		{r.wsPingInterval > 0, EnvSignalingWSPingInterval + "/--signaling-ws-ping-interval must be > 0"},
		{r.wsPingInterval < r.wsIdleTimeout, EnvSignalingWSPingInterval + "/--signaling-ws-ping-interval must be < " + EnvSignalingWSIdleTimeout + "/--signaling-ws-idle-timeout"},
		{r.maxMessageBytes > 0, EnvMaxSignalingMessageBytes + "/--max-signaling-message-bytes must be > 0"},
		{r.maxMessagesPerSecond > 0, EnvMaxSignalingMessagesPerSecond + "/--max-signaling-messages-per-second must be > 0"},
		{r.maxQueuedCandidates > 0, EnvMaxQueuedCandidates + "/--max-queued-candidates must be > 0"},
		{r.clockSyncTimeout > 0, EnvClockSyncTimeout + "/--clock-sync-timeout must be > 0"},
		{r.procNodeRequestTimeout > 0, EnvProcNodeRequestTimeout + "/--procnode-request-timeout must be > 0"},
	}
	for _, b := range bounds {
		if !b.ok {
			return Config{}, errors.New(b.msg)
		}
	}

	mode, err := parseMode(r.mode)
	if err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(r.logFormat) == "" {
		r.logFormat = defaultLogFormatForMode(mode)
	}
	logFormat, err := parseLogFormat(r.logFormat)
	if err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(r.logLevel) == "" {
		r.logLevel = defaultLogLevelForMode(mode)
	}
	level, err := parseLogLevel(r.logLevel)
	if err != nil {
		return Config{}, err
	}

	procNodeURL, err := parseProcNodeURL(r.procNodeURL)
	if err != nil {
		return Config{}, err
	}
	portRange, err := parseUDPPortRange(r.udpPortMin, r.udpPortMax)
	if err != nil {
		return Config{}, err
	}
	listenIP := net.ParseIP(strings.TrimSpace(r.udpListenIP))
	if listenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/--webrtc-udp-listen-ip %q", EnvWebRTCUDPListenIP, r.udpListenIP)
	}
	var natIPs []string
	if strings.TrimSpace(r.nat1To1IPs) != "" {
		if natIPs, err = parseIPList(r.nat1To1IPs); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ips %q: %w", EnvWebRTCNAT1To1IPs, r.nat1To1IPs, err)
		}
	}
	candidateType, err := parseCandidateType(r.nat1To1CandidateType)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ip-candidate-type %q: %w", EnvWebRTCNAT1To1IPCandidateType, r.nat1To1CandidateType, err)
	}
	origins, err := parseAllowedOrigins(r.allowedOrigins)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--allowed-origins: %w", EnvAllowedOrigins, err)
	}

	cfg := Config{
		ListenAddr:      r.listenAddr,
		AllowedOrigins:  origins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: r.shutdownTimeout,
		Mode:            mode,

		MaxSessions:                   r.maxSessions,
		SignalingWSIdleTimeout:        r.wsIdleTimeout,
		SignalingWSPingInterval:       r.wsPingInterval,
		MaxSignalingMessageBytes:      r.maxMessageBytes,
		MaxSignalingMessagesPerSecond: r.maxMessagesPerSecond,
		MaxQueuedCandidates:           r.maxQueuedCandidates,
		ClockSyncTimeout:              r.clockSyncTimeout,

		ProcNodeURL:            procNodeURL,
		ProcNodeRequestTimeout: r.procNodeRequestTimeout,

		ICEGatheringTimeout:          r.iceGatherTimeout,
		WebRTCUDPPortRange:           portRange,
		WebRTCNAT1To1IPs:             natIPs,
		WebRTCNAT1To1IPCandidateType: candidateType,
		WebRTCUDPListenIP:            listenIP,
	}
	// A bad ICE list is reported through /readyz and /webrtc/ice instead of
	// failing startup.
	if cfg.ICEServers, err = r.ice.Servers(); err != nil {
		cfg.ICEServers = nil
		cfg.iceConfigErr = err
	}
	return cfg, nil
}

// parseProcNodeURL accepts an empty string or an http(s) URL with a host and
// strips trailing slashes.
func parseProcNodeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid %s/--procnode-url %q: %w", EnvProcNodeURL, raw, err)
	}
	if scheme := strings.ToLower(u.Scheme); (scheme != "http" && scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid %s/--procnode-url %q (expected http:// or https:// with a host)", EnvProcNodeURL, raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

func parseUDPPortRange(lo, hi uint) (*UDPPortRange, error) {
	if lo == 0 && hi == 0 {
		return nil, nil
	}
	if lo == 0 || hi == 0 {
		return nil, fmt.Errorf("%s and %s must be set together (or both unset)", EnvWebRTCUDPPortMin, EnvWebRTCUDPPortMax)
	}
	first, err := parsePortUint(lo)
	if err != nil {
		return nil, fmt.Errorf("%s/--webrtc-udp-port-min: %w", EnvWebRTCUDPPortMin, err)
	}
	last, err := parsePortUint(hi)
	if err != nil {
		return nil, fmt.Errorf("%s/--webrtc-udp-port-max: %w", EnvWebRTCUDPPortMax, err)
	}
	if first > last {
		return nil, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", first, last)
	}
	if size := int(last) - int(first) + 1; size < recommendedWebRTCUDPPortRangeSize {
		return nil, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
	}
	return &UDPPortRange{Min: first, Max: last}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

// parseAllowedOrigins accepts "*", "null" and bare scheme://host[:port]
// origins, normalized the way browsers send them.
func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected a full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost), "":
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
