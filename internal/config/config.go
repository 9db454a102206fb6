package config

import (
	"bufio"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const confFileName = "labelhub.conf"

type Config struct {
	ListenAddr      string
	TLSEnabled      bool
	TLSCertPath     string
	TLSKeyPath      string
	TLSAutoGenerate bool

	DataDir       string
	ConfDir       string
	CacheFilePath string

	ServerName       string
	ControlTokenHash string
	AllowLoopback    bool
	Announce         bool

	MaxLogSize    int64
	LogLevel      string
	ErrorLogPath  string
	AccessLogPath string
	JobLogPath    string

	MaxPayloadSize int64

	HealthInterval   time.Duration
	StaleAfter       time.Duration
	FailureThreshold int
	ReconnectPasses  int
	ReconnectDelay   time.Duration

	DiscoveryTimeout time.Duration
	DiscoveryTTL     time.Duration
	DeviceTTL        time.Duration
	SNMPCommunity    string
	SNMPSubnet       string

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryCapDelay  time.Duration

	CacheTTL      time.Duration
	CacheSweep    time.Duration
	CacheSnapshot bool

	StatusPollInterval time.Duration
	CompletionTimeout  time.Duration
	OperationTimeout   time.Duration
	SettleDelay        time.Duration
}

// envLocks records which settings arrived through the environment. A locked
// setting is immune to the conf file, so env always wins the layering.
type envLocks struct {
	dataDir   bool
	confDir   bool
	cacheFile bool
	listen    bool
	tlsCert   bool
	tlsKey    bool
	token     bool
	logLevel  bool
}

func Load() Config {
	locks := envLocks{}

	dataDir := getenv("LABELHUB_DATA_DIR", "data")
	confDir := getenv("LABELHUB_CONF_DIR", filepath.Join(dataDir, "conf"))

	cfg := Config{
		ListenAddr:      getenv("LABELHUB_LISTEN", "127.0.0.1:8631"),
		TLSEnabled:      getenvBool("LABELHUB_TLS_ENABLED", false),
		TLSCertPath:     getenv("LABELHUB_TLS_CERT", filepath.Join(confDir, "labelhubd.crt")),
		TLSKeyPath:      getenv("LABELHUB_TLS_KEY", filepath.Join(confDir, "labelhubd.key")),
		TLSAutoGenerate: getenvBool("LABELHUB_TLS_AUTOGEN", true),
		DataDir:         dataDir,
		ConfDir:         confDir,
		ServerName:      getenv("LABELHUB_SERVER_NAME", "labelhub"),
		AllowLoopback:   true,
		Announce:        true,
		LogLevel:        "info",
		MaxLogSize:      1 << 20,
		MaxPayloadSize:  1 << 20,

		HealthInterval:   30 * time.Second,
		StaleAfter:       10 * time.Minute,
		FailureThreshold: 3,
		ReconnectPasses:  2,
		ReconnectDelay:   2 * time.Second,

		DiscoveryTimeout: 5 * time.Second,
		DiscoveryTTL:     30 * time.Second,
		DeviceTTL:        10 * time.Minute,
		SNMPCommunity:    "public",

		MaxRetries:     3,
		RetryBaseDelay: 2 * time.Second,
		RetryCapDelay:  30 * time.Second,

		CacheTTL:      30 * time.Minute,
		CacheSweep:    5 * time.Minute,
		CacheSnapshot: true,

		StatusPollInterval: 500 * time.Millisecond,
		CompletionTimeout:  30 * time.Second,
		OperationTimeout:   2 * time.Minute,
		SettleDelay:        300 * time.Millisecond,
	}

	lockEnvKeys(&locks)
	applyConfFile(&cfg, &locks)
	applyEnv(&cfg)
	fillDerivedPaths(&cfg, &locks)

	if cfg.ListenAddr != "" {
		cfg.ListenAddr = withDefaultPort(cfg.ListenAddr, "8631")
	}
	return cfg
}

func lockEnvKeys(locks *envLocks) {
	if locks == nil {
		return
	}
	present := func(key string) bool {
		_, ok := os.LookupEnv(key)
		return ok
	}
	locks.dataDir = present("LABELHUB_DATA_DIR")
	locks.confDir = present("LABELHUB_CONF_DIR")
	locks.cacheFile = present("LABELHUB_CACHE_FILE")
	locks.listen = present("LABELHUB_LISTEN")
	locks.tlsCert = present("LABELHUB_TLS_CERT")
	locks.tlsKey = present("LABELHUB_TLS_KEY")
	locks.token = present("LABELHUB_TOKEN_HASH")
	locks.logLevel = present("LABELHUB_LOG_LEVEL")
}

func applyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	setString := func(key string, target *string) {
		if v, ok := os.LookupEnv(key); ok {
			*target = v
		}
	}
	setString("LABELHUB_DATA_DIR", &cfg.DataDir)
	setString("LABELHUB_CONF_DIR", &cfg.ConfDir)
	setString("LABELHUB_CACHE_FILE", &cfg.CacheFilePath)
	setString("LABELHUB_LISTEN", &cfg.ListenAddr)
	setString("LABELHUB_TLS_CERT", &cfg.TLSCertPath)
	setString("LABELHUB_TLS_KEY", &cfg.TLSKeyPath)
	setString("LABELHUB_TOKEN_HASH", &cfg.ControlTokenHash)
	setString("LABELHUB_LOG_LEVEL", &cfg.LogLevel)
	setString("LABELHUB_SNMP_SUBNET", &cfg.SNMPSubnet)
	setString("LABELHUB_SNMP_COMMUNITY", &cfg.SNMPCommunity)
	if v, ok := os.LookupEnv("LABELHUB_MAX_PAYLOAD"); ok {
		if n, good := parseSize(v); good {
			cfg.MaxPayloadSize = n
		}
	}
	cfg.TLSEnabled = getenvBool("LABELHUB_TLS_ENABLED", cfg.TLSEnabled)
	cfg.TLSAutoGenerate = getenvBool("LABELHUB_TLS_AUTOGEN", cfg.TLSAutoGenerate)
	cfg.AllowLoopback = getenvBool("LABELHUB_ALLOW_LOOPBACK", cfg.AllowLoopback)
	cfg.Announce = getenvBool("LABELHUB_ANNOUNCE", cfg.Announce)
	cfg.CacheSnapshot = getenvBool("LABELHUB_CACHE_SNAPSHOT", cfg.CacheSnapshot)
}

func fillDerivedPaths(cfg *Config, locks *envLocks) {
	if cfg == nil {
		return
	}
	if (locks == nil || !locks.cacheFile) && cfg.CacheFilePath == "" {
		cfg.CacheFilePath = filepath.Join(cfg.DataDir, "cache.json")
	}
	logDir := filepath.Join(cfg.DataDir, "log")
	if cfg.ErrorLogPath == "" {
		cfg.ErrorLogPath = filepath.Join(logDir, "error_log")
	}
	if cfg.AccessLogPath == "" {
		cfg.AccessLogPath = filepath.Join(logDir, "access_log")
	}
	if cfg.JobLogPath == "" {
		cfg.JobLogPath = filepath.Join(logDir, "job_log")
	}
	if locks == nil || !locks.tlsCert {
		cfg.TLSCertPath = filepath.Join(cfg.ConfDir, "labelhubd.crt")
	}
	if locks == nil || !locks.tlsKey {
		cfg.TLSKeyPath = filepath.Join(cfg.ConfDir, "labelhubd.key")
	}
}

func applyConfFile(cfg *Config, locks *envLocks) {
	if cfg == nil {
		return
	}
	startRoot := cfg.ConfDir
	parseConfFile(filepath.Join(cfg.ConfDir, confFileName), cfg, locks)
	if locks != nil && locks.confDir {
		return
	}
	// ServerRoot may relocate the conf dir; honor settings from the new one.
	if cfg.ConfDir != startRoot {
		parseConfFile(filepath.Join(cfg.ConfDir, confFileName), cfg, locks)
	}
}

func parseConfFile(path string, cfg *Config, locks *envLocks) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, rest, found := strings.Cut(line, " ")
		if !found {
			key, rest, found = strings.Cut(line, "\t")
		}
		value := strings.TrimSpace(rest)
		if !found || value == "" {
			continue
		}
		switch key {
		case "ServerRoot":
			if locks != nil && locks.confDir {
				continue
			}
			cfg.ConfDir = resolvePath(cfg.ConfDir, value)
		case "DataDir":
			if locks != nil && locks.dataDir {
				continue
			}
			cfg.DataDir = resolvePath(cfg.ConfDir, value)
		case "Listen", "Port":
			if locks != nil && locks.listen {
				continue
			}
			if key == "Port" {
				cfg.ListenAddr = ":" + value
			} else {
				cfg.ListenAddr = value
			}
		case "ServerName":
			cfg.ServerName = value
		case "CacheFile":
			if locks != nil && locks.cacheFile {
				continue
			}
			cfg.CacheFilePath = resolvePath(cfg.ConfDir, value)
			if locks != nil {
				locks.cacheFile = true
			}
		case "CacheSnapshot":
			if v, ok := parseBool(value); ok {
				cfg.CacheSnapshot = v
			}
		case "ControlTokenHash":
			if locks != nil && locks.token {
				continue
			}
			cfg.ControlTokenHash = value
		case "AllowLoopback":
			if v, ok := parseBool(value); ok {
				cfg.AllowLoopback = v
			}
		case "Announce":
			if v, ok := parseBool(value); ok {
				cfg.Announce = v
			}
		case "ErrorLog":
			cfg.ErrorLogPath = resolvePath(cfg.ConfDir, value)
		case "AccessLog":
			cfg.AccessLogPath = resolvePath(cfg.ConfDir, value)
		case "JobLog":
			cfg.JobLogPath = resolvePath(cfg.ConfDir, value)
		case "MaxLogSize":
			if v, ok := parseSize(value); ok {
				cfg.MaxLogSize = v
			}
		case "LogLevel":
			if locks != nil && locks.logLevel {
				continue
			}
			cfg.LogLevel = value
		case "MaxPayloadSize":
			if v, ok := parseSize(value); ok {
				cfg.MaxPayloadSize = v
			}
		case "HealthCheckInterval":
			if d, ok := parseDuration(value); ok {
				cfg.HealthInterval = d
			}
		case "StaleTimeout":
			if d, ok := parseDuration(value); ok {
				cfg.StaleAfter = d
			}
		case "FailureThreshold":
			if n, ok := parseInt(value); ok && n > 0 {
				cfg.FailureThreshold = n
			}
		case "ReconnectAttempts":
			if n, ok := parseInt(value); ok && n >= 0 {
				cfg.ReconnectPasses = n
			}
		case "ReconnectDelay":
			if d, ok := parseDuration(value); ok {
				cfg.ReconnectDelay = d
			}
		case "DiscoveryTimeout":
			if d, ok := parseDuration(value); ok {
				cfg.DiscoveryTimeout = d
			}
		case "DiscoveryTTL":
			if d, ok := parseDuration(value); ok {
				cfg.DiscoveryTTL = d
			}
		case "DeviceTTL":
			if d, ok := parseDuration(value); ok {
				cfg.DeviceTTL = d
			}
		case "SNMPCommunity":
			cfg.SNMPCommunity = value
		case "SNMPSubnet":
			cfg.SNMPSubnet = value
		case "MaxRetries":
			if n, ok := parseInt(value); ok && n >= 0 {
				cfg.MaxRetries = n
			}
		case "RetryBaseDelay":
			if d, ok := parseDuration(value); ok {
				cfg.RetryBaseDelay = d
			}
		case "RetryCapDelay":
			if d, ok := parseDuration(value); ok {
				cfg.RetryCapDelay = d
			}
		case "CacheTTL":
			if d, ok := parseDuration(value); ok {
				cfg.CacheTTL = d
			}
		case "CacheSweepInterval":
			if d, ok := parseDuration(value); ok {
				cfg.CacheSweep = d
			}
		case "StatusPollInterval":
			if d, ok := parseDuration(value); ok {
				cfg.StatusPollInterval = d
			}
		case "CompletionTimeout":
			if d, ok := parseDuration(value); ok {
				cfg.CompletionTimeout = d
			}
		case "OperationTimeout":
			if d, ok := parseDuration(value); ok {
				cfg.OperationTimeout = d
			}
		case "SettleDelay":
			if d, ok := parseDuration(value); ok {
				cfg.SettleDelay = d
			}
		case "DefaultEncryption":
			switch strings.ToLower(value) {
			case "never", "off", "no":
				cfg.TLSEnabled = false
			case "required", "always", "ifrequested", "on", "yes":
				cfg.TLSEnabled = true
			}
		case "TLSCert":
			if locks != nil && locks.tlsCert {
				continue
			}
			cfg.TLSCertPath = resolvePath(cfg.ConfDir, value)
			if locks != nil {
				locks.tlsCert = true
			}
		case "TLSKey":
			if locks != nil && locks.tlsKey {
				continue
			}
			cfg.TLSKeyPath = resolvePath(cfg.ConfDir, value)
			if locks != nil {
				locks.tlsKey = true
			}
		}
	}
}

// withDefaultPort attaches port to addr when addr names no port of its own.
// Bare IPv6 literals come back bracketed.
func withDefaultPort(addr, port string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, p, err := net.SplitHostPort(addr); err == nil {
		if p == "" {
			p = port
		}
		return net.JoinHostPort(host, p)
	}
	bare := strings.Trim(addr, "[]")
	if ip, err := netip.ParseAddr(bare); err == nil && ip.Is6() {
		return net.JoinHostPort(bare, port)
	}
	if strings.Contains(addr, ":") {
		return addr
	}
	return net.JoinHostPort(addr, port)
}

func resolvePath(root, value string) string {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return ""
	case filepath.IsAbs(value):
		return value
	}
	switch strings.ToLower(value) {
	case "syslog", "stderr", "stdout":
		return value
	}
	return filepath.Join(root, value)
}

func parseBool(value string) (bool, bool) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return false, false
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b, true
	}
	switch value {
	case "yes", "on":
		return true, true
	case "no", "off":
		return false, true
	}
	return false, false
}

// parseSize reads "4m" style sizes with k/m/g suffixes, fractions allowed.
func parseSize(value string) (int64, bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return 0, false
	}
	mult := int64(1)
	if i := strings.IndexByte("kmg", v[len(v)-1]); i >= 0 {
		mult = int64(1) << (10 * (i + 1))
		v = strings.TrimSpace(v[:len(v)-1])
	}
	num, err := strconv.ParseFloat(v, 64)
	if err != nil || num < 0 {
		return 0, false
	}
	return int64(num * float64(mult)), true
}

func parseInt(value string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	return n, err == nil
}

// parseDuration accepts Go duration syntax ("500ms", "2s") plus bare-second
// integers ("30") for conf-file convenience.
func parseDuration(value string) (time.Duration, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if b, ok := parseBool(os.Getenv(key)); ok {
		return b
	}
	return fallback
}
