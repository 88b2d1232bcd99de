// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrutil/v2"
	"github.com/decred/slog"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename  = "dropd.conf"
	defaultDataDirname     = "data"
	defaultLogLevel        = "info"
	defaultLogDirname      = "logs"
	defaultLogFilename     = "dropd.log"
	defaultTLSCertFilename = "dropd.cert"
	defaultTLSKeyFilename  = "dropd.key"

	defaultAPIListen = ":8080"
	defaultSSEListen = ":8081"

	defaultPoWDifficulty = 4
	defaultPoWMaxAgeSec  = 300

	defaultRateLimitWindowMs    = 60000
	defaultRateLimitMaxRequests = 30

	defaultMinTrustScore    = 50
	defaultMinBehaviorScore = 20

	defaultAdmissionRate      = 5.0
	defaultMaxConcurrentReady = 100
	defaultAdmissionTickMs    = 1000
	defaultReadyWindowSec     = 300
	defaultMaxQueueAgeMin     = 60
	defaultMaxTokensPerFP     = 3
	defaultMaxTokensPerIP     = 10

	defaultPromoWindowSec = 300
	defaultPromoGraceSec  = 900

	defaultMaxRollover            = 10
	defaultExpiredRolloverPercent = 0.5

	defaultStreakThreshold = 3
	defaultStreakBonus     = 0.1
	defaultMaxMultiplier   = 2.0

	defaultAPITimeoutMs = 15000
)

var (
	dropdHomeDir       = dcrutil.AppDataDir("dropd", false)
	defaultConfigFile  = filepath.Join(dropdHomeDir, defaultConfigFilename)
	defaultLogDir      = filepath.Join(dropdHomeDir, defaultLogDirname)
	defaultTLSCertFile = filepath.Join(dropdHomeDir, defaultTLSCertFilename)
	defaultTLSKeyFile  = filepath.Join(dropdHomeDir, defaultTLSKeyFilename)
)

// config defines the configuration options for dropd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppData     string `short:"A" long:"appdata" description:"Application data directory for drop state, logs, and generated certificates"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	DevMode     bool   `long:"devmode" description:"Relax required secrets and keep all state in memory for local development"`

	APIListen    string `long:"apilisten" env:"API_PORT" description:"Interface/port for the JSON API (port alone or host:port)"`
	SSEListen    string `long:"sselisten" env:"SSE_PORT" description:"Interface/port for the event stream"`
	NATSURL      string `long:"natsurl" env:"NATS_URL" description:"NATS server URL for cross-process events; the in-process bus is used when empty"`
	RealIPHeader string `long:"realipheader" description:"The name of an HTTP request header containing the actual remote client IP address, typically \"X-Forwarded-For\" or \"X-Real-IP\", if dropd is behind a reverse proxy like nginx"`

	PoWDifficulty int `long:"powdifficulty" env:"POW_DIFFICULTY" description:"Leading zero hex digits required of proof-of-work solutions"`
	PoWMaxAgeSec  int `long:"powmaxagesec" env:"POW_MAX_AGE_SECONDS" description:"Proof-of-work challenge lifetime in seconds"`

	RateLimitWindowMs    int `long:"ratelimitwindowms" env:"RATE_LIMIT_WINDOW_MS" description:"Per-IP rate limit window in milliseconds"`
	RateLimitMaxRequests int `long:"ratelimitmaxrequests" env:"RATE_LIMIT_MAX_REQUESTS" description:"Requests allowed per IP per window"`

	IPHashSalt          string `long:"iphashsalt" env:"IP_HASH_SALT" description:"Salt mixed into hashed client IPs; random each boot when empty"`
	PurchaseTokenSecret string `long:"purchasetokensecret" env:"PURCHASE_TOKEN_SECRET" description:"HMAC secret for purchase tokens"`
	FingerprintAPIKey   string `long:"fingerprintapikey" env:"FINGERPRINT_API_KEY" description:"API key for an external fingerprint verifier (reserved)"`

	MinTrustScore    float64 `long:"mintrustscore" env:"MIN_TRUST_SCORE" description:"Minimum composite trust score required to register"`
	MinBehaviorScore float64 `long:"minbehaviorscore" env:"MIN_BEHAVIOR_SCORE" description:"Explicit floor on the behavior component"`

	AdmissionRate      float64 `long:"admissionrate" env:"QUEUE_ADMISSION_RATE" description:"Queue admissions per second"`
	MaxConcurrentReady int     `long:"maxconcurrentready" env:"QUEUE_MAX_CONCURRENT_READY" description:"Cap on queue tokens in the ready state"`
	AdmissionTickMs    int     `long:"admissiontickms" env:"QUEUE_ADMISSION_TICK_MS" description:"Queue admission loop tick in milliseconds"`
	ReadyWindowSec     int     `long:"readywindowsec" env:"QUEUE_READY_WINDOW_SECONDS" description:"Seconds a ready queue token stays usable"`
	MaxQueueAgeMin     int     `long:"maxqueueagemin" env:"QUEUE_MAX_AGE_MINUTES" description:"Minutes a waiting queue token survives"`
	MaxTokensPerFP     int     `long:"maxtokensperfp" env:"QUEUE_MAX_TOKENS_PER_FINGERPRINT" description:"Active queue tokens allowed per fingerprint"`
	MaxTokensPerIP     int     `long:"maxtokensperip" env:"QUEUE_MAX_TOKENS_PER_IP" description:"Active queue tokens allowed per hashed IP"`

	PromoWindowSec int `long:"promowindowsec" env:"PROMO_WINDOW_SECONDS" description:"Purchase window for promoted backup winners in seconds"`
	PromoGraceSec  int `long:"promogracesec" env:"PROMO_GRACE_SECONDS" description:"Grace period after the purchase window before a drop completes"`

	MaxRollover            int     `long:"maxrollover" description:"Cap on a user's banked rollover tickets"`
	ExpiredRolloverPercent float64 `long:"expiredrolloverpercent" description:"Fraction of tickets returned when a winner lets the purchase window lapse"`

	StreakThreshold int     `long:"streakthreshold" description:"Consecutive drops required for the loyalty streak bonus"`
	StreakBonus     float64 `long:"streakbonus" description:"Multiplier bonus for an active participation streak"`
	MaxMultiplier   float64 `long:"maxmultiplier" description:"Ceiling on the combined loyalty multiplier"`

	AdminPassHash string `long:"adminpasshash" description:"bcrypt hash of the admin password; the admin API is disabled when empty"`
	APISecret     string `long:"apisecret" description:"Secret for signing admin session tokens"`

	APITimeoutMs int `long:"apitimeoutms" description:"Per-request handler deadline in milliseconds"`

	SMTPFrom     string `long:"smtpfrom" description:"From address to use on outbound mail"`
	SMTPHost     string `long:"smtphost" description:"SMTP hostname/ip and port, e.g. mail.example.com:25"`
	SMTPUsername string `long:"smtpusername" description:"SMTP username for authentication if required"`
	SMTPPassword string `long:"smtppassword" description:"SMTP password for authentication if required"`
	UseSMTPS     bool   `long:"usesmtps" description:"Connect to the SMTP server using smtps."`

	ArchiveDSN string `long:"archivedsn" description:"MySQL DSN for the completed-drop archive; archiving is disabled when empty"`

	TLS     bool   `long:"tls" description:"Serve both listeners over TLS"`
	TLSCert string `long:"tlscert" description:"File containing the TLS certificate"`
	TLSKey  string `long:"tlskey" description:"File containing the TLS private key"`

	Version string
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(dropdHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// dataDir returns the directory holding persistent engine state.
func (cfg *config) dataDir() string {
	return filepath.Join(cfg.AppData, defaultDataDirname)
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	_, ok := slog.LevelFromString(logLevel)
	return ok
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// normalizeListener returns addr as a host:port listen address, accepting a
// bare port, a bare host, or a full host:port.
func normalizeListener(addr, defaultPort string) string {
	if _, err := strconv.Atoi(addr); err == nil {
		return net.JoinHostPort("", addr)
	}
	return normalizeAddress(addr, defaultPort)
}

// validateTunables checks the numeric configuration against the ranges the
// engine accepts.
func (cfg *config) validateTunables() error {
	if cfg.PoWDifficulty < 1 || cfg.PoWDifficulty > 16 {
		return fmt.Errorf("powdifficulty must be between 1 and 16, not %d",
			cfg.PoWDifficulty)
	}
	if cfg.PoWMaxAgeSec <= 0 {
		return fmt.Errorf("powmaxagesec must be positive, not %d", cfg.PoWMaxAgeSec)
	}
	if cfg.RateLimitWindowMs <= 0 {
		return fmt.Errorf("ratelimitwindowms must be positive, not %d",
			cfg.RateLimitWindowMs)
	}
	if cfg.RateLimitMaxRequests <= 0 {
		return fmt.Errorf("ratelimitmaxrequests must be positive, not %d",
			cfg.RateLimitMaxRequests)
	}
	if cfg.AdmissionRate <= 0 {
		return fmt.Errorf("admissionrate must be positive, not %v", cfg.AdmissionRate)
	}
	if cfg.MaxConcurrentReady < 1 {
		return fmt.Errorf("maxconcurrentready must be at least 1, not %d",
			cfg.MaxConcurrentReady)
	}
	if cfg.AdmissionTickMs <= 0 {
		return fmt.Errorf("admissiontickms must be positive, not %d", cfg.AdmissionTickMs)
	}
	if cfg.ReadyWindowSec <= 0 {
		return fmt.Errorf("readywindowsec must be positive, not %d", cfg.ReadyWindowSec)
	}
	if cfg.MaxQueueAgeMin <= 0 {
		return fmt.Errorf("maxqueueagemin must be positive, not %d", cfg.MaxQueueAgeMin)
	}
	if cfg.MaxTokensPerFP < 1 {
		return fmt.Errorf("maxtokensperfp must be at least 1, not %d", cfg.MaxTokensPerFP)
	}
	if cfg.MaxTokensPerIP < 1 {
		return fmt.Errorf("maxtokensperip must be at least 1, not %d", cfg.MaxTokensPerIP)
	}
	if cfg.PromoWindowSec <= 0 {
		return fmt.Errorf("promowindowsec must be positive, not %d", cfg.PromoWindowSec)
	}
	if cfg.PromoGraceSec <= 0 {
		return fmt.Errorf("promogracesec must be positive, not %d", cfg.PromoGraceSec)
	}
	if cfg.MaxRollover < 0 {
		return fmt.Errorf("maxrollover must not be negative, not %d", cfg.MaxRollover)
	}
	if cfg.ExpiredRolloverPercent < 0 || cfg.ExpiredRolloverPercent > 1 {
		return fmt.Errorf("expiredrolloverpercent must be between 0 and 1, not %v",
			cfg.ExpiredRolloverPercent)
	}
	if cfg.StreakThreshold < 1 {
		return fmt.Errorf("streakthreshold must be at least 1, not %d",
			cfg.StreakThreshold)
	}
	if cfg.StreakBonus < 0 {
		return fmt.Errorf("streakbonus must not be negative, not %v", cfg.StreakBonus)
	}
	if cfg.MaxMultiplier < 1 {
		return fmt.Errorf("maxmultiplier must be at least 1.0, not %v", cfg.MaxMultiplier)
	}
	if cfg.APITimeoutMs <= 0 {
		return fmt.Errorf("apitimeoutms must be positive, not %d", cfg.APITimeoutMs)
	}
	return nil
}

// randomHex returns size random bytes as a hex string.
func randomHex(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// filesExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	return flags.NewParser(cfg, options)
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
// 	1) Start with a default config with sane settings
// 	2) Pre-parse the command line to check for an alternative config file
// 	3) Load configuration file overwriting defaults with any specified options
// 	4) Parse CLI options and overwrite/add any specified options
//
// The above results in daemon functioning properly without any config settings
// while still allowing the user to override settings with config files and
// command line options.  Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		ConfigFile:             defaultConfigFile,
		AppData:                dropdHomeDir,
		LogDir:                 defaultLogDir,
		DebugLevel:             defaultLogLevel,
		APIListen:              defaultAPIListen,
		SSEListen:              defaultSSEListen,
		PoWDifficulty:          defaultPoWDifficulty,
		PoWMaxAgeSec:           defaultPoWMaxAgeSec,
		RateLimitWindowMs:      defaultRateLimitWindowMs,
		RateLimitMaxRequests:   defaultRateLimitMaxRequests,
		MinTrustScore:          defaultMinTrustScore,
		MinBehaviorScore:       defaultMinBehaviorScore,
		AdmissionRate:          defaultAdmissionRate,
		MaxConcurrentReady:     defaultMaxConcurrentReady,
		AdmissionTickMs:        defaultAdmissionTickMs,
		ReadyWindowSec:         defaultReadyWindowSec,
		MaxQueueAgeMin:         defaultMaxQueueAgeMin,
		MaxTokensPerFP:         defaultMaxTokensPerFP,
		MaxTokensPerIP:         defaultMaxTokensPerIP,
		PromoWindowSec:         defaultPromoWindowSec,
		PromoGraceSec:          defaultPromoGraceSec,
		MaxRollover:            defaultMaxRollover,
		ExpiredRolloverPercent: defaultExpiredRolloverPercent,
		StreakThreshold:        defaultStreakThreshold,
		StreakBonus:            defaultStreakBonus,
		MaxMultiplier:          defaultMaxMultiplier,
		APITimeoutMs:           defaultAPITimeoutMs,
		TLSCert:                defaultTLSCertFile,
		TLSKey:                 defaultTLSKeyFile,
		Version:                version(),
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := newConfigParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := newConfigParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintf(os.Stderr, "Error parsing config "+
				"file: %v\n", err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	funcName := "loadConfig"

	// Relocate the default log directory and TLS key pair with an
	// overridden application data directory unless those were overridden
	// too.
	cfg.AppData = cleanAndExpandPath(cfg.AppData)
	if cfg.AppData != dropdHomeDir {
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.AppData, defaultLogDirname)
		}
		if cfg.TLSCert == defaultTLSCertFile {
			cfg.TLSCert = filepath.Join(cfg.AppData, defaultTLSCertFilename)
		}
		if cfg.TLSKey == defaultTLSKeyFile {
			cfg.TLSKey = filepath.Join(cfg.AppData, defaultTLSKeyFilename)
		}
	}
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.TLSCert = cleanAndExpandPath(cfg.TLSCert)
	cfg.TLSKey = cleanAndExpandPath(cfg.TLSKey)

	// Create the application data directory if it doesn't already exist.
	err = os.MkdirAll(cfg.AppData, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		if e, ok := err.(*os.PathError); ok && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}

		str := "%s: Failed to create application data directory: %v"
		err := fmt.Errorf(str, funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After the log rotation has been
	// initialized, the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	setLogLevels(defaultLogLevel)

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Accept a bare port for either listener.
	cfg.APIListen = normalizeListener(cfg.APIListen, "8080")
	cfg.SSEListen = normalizeListener(cfg.SSEListen, "8081")
	if cfg.APIListen == cfg.SSEListen {
		str := "%s: apilisten and sselisten must differ"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if err := cfg.validateTunables(); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// The purchase token secret signs every purchase authorization, so an
	// operator must pin it outside of development.  An ephemeral secret
	// invalidates outstanding tokens on restart.
	if cfg.PurchaseTokenSecret == "" {
		if !cfg.DevMode {
			str := "%s: purchasetokensecret is not set in config"
			err := fmt.Errorf(str, funcName)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		cfg.PurchaseTokenSecret, err = randomHex(32)
		if err != nil {
			return nil, nil, err
		}
		log.Warnf("purchasetokensecret not set, using an ephemeral " +
			"secret; purchase tokens will not survive a restart")
	}

	if cfg.APISecret == "" {
		if cfg.AdminPassHash != "" && !cfg.DevMode {
			str := "%s: apisecret must be set when adminpasshash is set"
			err := fmt.Errorf(str, funcName)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		cfg.APISecret, err = randomHex(32)
		if err != nil {
			return nil, nil, err
		}
	}

	if cfg.IPHashSalt == "" {
		cfg.IPHashSalt, err = randomHex(16)
		if err != nil {
			return nil, nil, err
		}
	}

	if cfg.SMTPHost != "" && cfg.SMTPFrom == "" {
		str := "%s: smtpfrom must be set when smtphost is set"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
