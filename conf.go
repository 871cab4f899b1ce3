/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Program configuration
 */

package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"
)

// ConfFileName is the default name looked for under PathConfDir when
// -c is not given.
const ConfFileName = "network-rngd.conf"

// Config holds the fully resolved configuration for one daemon run:
// compile-time defaults, overridden by the optional ini file (-c),
// overridden in turn by explicit command-line flags.
type Config struct {
	IPv4Enable bool
	IPv6Enable bool

	Port       int
	BufferSize int

	LogFile string
	TeeFile string

	ConfFile          string
	StatusSocketPath  string
	AdvertiseEnable   bool
	AdvertiseName     string
	Verbosity         int
	LogMaxFileSize    int64
	LogMaxBackupFiles uint

	// LoopbackOnly restricts DNS-SD advertisement (dnssd_avahi.go) to
	// the loopback interface; it has no CLI flag of its own and is
	// only ever set through the ini file's [daemon] loopback-only key,
	// matching how the reference codebase scopes this as an
	// advanced/rarely-touched setting.
	LoopbackOnly bool

	// IPV6Enable mirrors IPv6Enable under the name the Avahi
	// advertisement code (carried over from the reference codebase)
	// expects.
	IPV6Enable bool

	// AllowPatterns optionally restricts which attached Quantis devices
	// are served, by VID:PID (HWID) pattern or by glob against the
	// device's identifier. Empty means "serve every Quantis device
	// found". Only settable via the ini file's [daemon] allow key.
	AllowPatterns []string

	StatusMode bool // -status: query a running daemon and exit
}

// Conf holds the configuration of the running daemon, set once in
// main after ParseArgv returns. Code that can't conveniently thread a
// *Config through (the Avahi advertisement's D-Bus calls) reads this
// global instead.
var Conf Config

// DefaultConfig returns the built-in defaults, before any ini file or
// command-line flag is applied.
func DefaultConfig() Config {
	return Config{
		IPv4Enable:        true,
		IPv6Enable:        true,
		Port:              DefaultPort,
		BufferSize:        DefaultEntropyBufSize,
		StatusSocketPath:  DefaultStatusSocket,
		AdvertiseName:     "network-rngd",
		Verbosity:         DefaultVerbosity,
		LogMaxFileSize:    LogMaxFileSize,
		LogMaxBackupFiles: LogMaxBackupFiles,
	}
}

// confBadValue formats a validation error the way the reference
// codebase's own configuration loader does, naming the offending
// field.
func confBadValue(field string, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %s", field, fmt.Sprintf(format, args...))
}

// LoadConfigFile layers ini-file defaults from path onto cfg. A
// missing file is not an error; a malformed one is. The [daemon]
// section keys read here are buffer-size, status-socket,
// advertise-name, loopback-only, allow, max-file-size and
// max-backup-files; buffer-size and status-socket can also be given
// on the command line, which wins.
func LoadConfigFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	file, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	sec := file.Section("daemon")

	if k := sec.Key("buffer-size"); k.String() != "" {
		n, err := k.Int()
		if err != nil || n < MinBufSize {
			return confBadValue("buffer-size", "must be an integer >= %d", MinBufSize)
		}
		cfg.BufferSize = n
	}

	if k := sec.Key("status-socket"); k.String() != "" {
		cfg.StatusSocketPath = k.String()
	}

	if k := sec.Key("advertise-name"); k.String() != "" {
		cfg.AdvertiseName = k.String()
	}

	if k := sec.Key("loopback-only"); k.String() != "" {
		b, err := k.Bool()
		if err != nil {
			return confBadValue("loopback-only", "must be true or false")
		}
		cfg.LoopbackOnly = b
	}

	if k := sec.Key("max-file-size"); k.String() != "" {
		n, err := k.Int64()
		if err != nil || n <= 0 {
			return confBadValue("max-file-size", "must be a positive integer")
		}
		cfg.LogMaxFileSize = n
	}

	if k := sec.Key("allow"); k.String() != "" {
		cfg.AllowPatterns = k.Strings(",")
	}

	if k := sec.Key("max-backup-files"); k.String() != "" {
		n, err := k.Uint()
		if err != nil {
			return confBadValue("max-backup-files", "must be a non-negative integer")
		}
		cfg.LogMaxBackupFiles = n
	}

	return nil
}

// ParseArgv parses the command-line flags described in the CLI
// surface, in the reference codebase's own style: a hand-written
// switch over os.Args[1:] rather than the standard library's flag
// package, since nothing in the wider corpus reaches for one either.
//
// The -c ini file, if given or found at its default location, is
// loaded before any later flag is applied, so flags always win over
// it and it always wins over DefaultConfig.
func ParseArgv(argv []string) (*Config, error) {
	cfg := DefaultConfig()

	var ipv4, ipv6 bool
	var confFile string
	haveConfFile := false

	// First pass: find -c, so it can be loaded before the rest of the
	// flags are applied on top of it.
	for i := 0; i < len(argv); i++ {
		if argv[i] == "-c" {
			if i+1 >= len(argv) {
				return nil, confBadValue("-c", "missing argument")
			}
			confFile = argv[i+1]
			haveConfFile = true
			break
		}
	}

	if !haveConfFile {
		confFile = PathConfDir + "/" + ConfFileName
	}
	cfg.ConfFile = confFile

	if err := LoadConfigFile(confFile, &cfg); err != nil {
		return nil, err
	}

	for i := 0; i < len(argv); i++ {
		arg := argv[i]

		next := func(name string) (string, error) {
			i++
			if i >= len(argv) {
				return "", confBadValue(name, "missing argument")
			}
			return argv[i], nil
		}

		switch arg {
		case "-4":
			ipv4 = true
		case "-6":
			ipv6 = true
		case "-a":
			cfg.AdvertiseEnable = true
		case "-h":
			return nil, flagUsageRequested{}
		case "-status":
			cfg.StatusMode = true
		case "-b":
			v, err := next("-b")
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < MinBufSize {
				return nil, confBadValue("-b", "must be an integer >= %d", MinBufSize)
			}
			cfg.BufferSize = n
		case "-p":
			v, err := next("-p")
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 65535 {
				return nil, confBadValue("-p", "must be in range 1...65535")
			}
			cfg.Port = n
		case "-l":
			v, err := next("-l")
			if err != nil {
				return nil, err
			}
			cfg.LogFile = v
		case "-o":
			v, err := next("-o")
			if err != nil {
				return nil, err
			}
			cfg.TeeFile = v
		case "-c":
			// Already handled above; just skip its argument.
			if _, err := next("-c"); err != nil {
				return nil, err
			}
		case "-s":
			v, err := next("-s")
			if err != nil {
				return nil, err
			}
			cfg.StatusSocketPath = v
		case "-v":
			v, err := next("-v")
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < -1 || n > 3 {
				return nil, confBadValue("-v", "must be in range -1...3")
			}
			cfg.Verbosity = n
		default:
			return nil, confBadValue(arg, "unrecognized option")
		}
	}

	if ipv4 || ipv6 {
		cfg.IPv4Enable = ipv4
		cfg.IPv6Enable = ipv6
	}

	cfg.IPV6Enable = cfg.IPv6Enable

	return &cfg, nil
}

// flagUsageRequested is a sentinel error signaling that -h was given;
// main treats it as "print usage, exit 0" rather than a real error.
type flagUsageRequested struct{}

func (flagUsageRequested) Error() string { return "usage requested" }

// LogLevelFromVerbosity maps the -v integer scale onto the Logger's
// bitmask.
func LogLevelFromVerbosity(v int) LogLevel {
	switch {
	case v <= -1:
		return LogError
	case v == 0:
		return LogError | LogWarn
	case v == 1:
		return LogError | LogWarn | LogInfo
	case v == 2:
		return LogError | LogWarn | LogInfo | LogDebug
	default:
		return LogAll
	}
}
