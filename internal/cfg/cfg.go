package cfg

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/keithlinneman/linnemanlabs-ota/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-ota/internal/log"
	"github.com/keithlinneman/linnemanlabs-ota/internal/pathutil"
)

// Fetch sources for the serve watcher.
const (
	FetchHTTP = "http"
	FetchS3   = "s3"
	FetchNone = "none"
)

type App struct {
	// logging
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	LogRedactKeys     []string

	// bundle storage
	DataDir        string
	SettingsPath   string
	SettingsScope  string
	AppID          string
	AppVersion     string
	Platform       string
	Debug          bool
	DefaultServer  string
	PassphraseFile string
	UseBundle      bool
	UseDownload    bool
	HashAlgorithm  string
	EntryName      string
	ShippedBundle  string
	MaxFileSize    int64
	MaxTotalSize   int64

	// serve
	BridgeAddr      string
	BridgePort      int
	AdminPort       int
	BridgeRateLimit float64
	BridgeBurst     int
	EnablePprof     bool
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	// updates
	FetchSource      string
	PollInterval     time.Duration
	SSMParam         string
	S3Bucket         string
	S3Prefix         string
	SigningKeyARN    string
	RequireSignature bool
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *pflag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", false, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error chain links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.StringSliceVar(&c.LogRedactKeys, "log-redact-keys", nil, "extra log attribute keys whose values are redacted")

	fs.StringVar(&c.DataDir, "data-dir", "/var/lib/otactl", "directory holding the bundle root (files/) and settings")
	fs.StringVar(&c.SettingsPath, "settings-path", "", "settings database path (default <data-dir>/settings.db)")
	fs.StringVar(&c.SettingsScope, "settings-scope", "ota", "settings bucket name, one per application")
	fs.StringVar(&c.AppID, "app-id", "", "application identifier sent to the bundle server")
	fs.StringVar(&c.AppVersion, "app-version", "", "host application version; a change invalidates the cached bundle")
	fs.StringVar(&c.Platform, "platform", "android", "platform sent to the bundle server")
	fs.BoolVar(&c.Debug, "debug", false, "request development bundles from the bundle server")
	fs.StringVar(&c.DefaultServer, "default-server", "", "bundle server URL used when no override is stored")
	fs.StringVar(&c.PassphraseFile, "passphrase-file", "", "file holding the archive passphrase and request signing key")
	fs.BoolVar(&c.UseBundle, "use-bundle", true, "default for the use_bundle toggle")
	fs.BoolVar(&c.UseDownload, "use-download", false, "default for the use_download toggle")
	fs.StringVar(&c.HashAlgorithm, "hash-algorithm", string(cryptoutil.DefaultAlgorithm), "content hash algorithm (md5|sha256|blake3)")
	fs.StringVar(&c.EntryName, "entry-name", "bundle/main.jsbundle", "archive entry holding the bundle entry point")
	fs.StringVar(&c.ShippedBundle, "shipped-bundle", "", "archive installed on a fresh start (default: embedded bundle)")
	fs.Int64Var(&c.MaxFileSize, "max-file-size", 256<<20, "max uncompressed size of one archive entry (bytes)")
	fs.Int64Var(&c.MaxTotalSize, "max-total-size", 1<<30, "max uncompressed size of one archive (bytes)")

	fs.StringVar(&c.BridgeAddr, "bridge-addr", "127.0.0.1", "bridge API listen address")
	fs.IntVar(&c.BridgePort, "bridge-port", 8480, "bridge API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9480, "admin listen TCP port (1..65535)")
	fs.Float64Var(&c.BridgeRateLimit, "bridge-rate-limit", 20, "bridge API requests per second per client")
	fs.IntVar(&c.BridgeBurst, "bridge-burst", 40, "bridge API burst per client")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in --pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.FetchSource, "fetch-source", FetchHTTP, "where the watcher looks for new bundles (http|s3|none)")
	fs.DurationVar(&c.PollInterval, "poll-interval", 5*time.Minute, "watcher poll interval")
	fs.StringVar(&c.SSMParam, "ssm-param", "", "ssm parameter name holding the published bundle hash")
	fs.StringVar(&c.S3Bucket, "s3-bucket", "", "s3 bucket holding bundle archives")
	fs.StringVar(&c.S3Prefix, "s3-prefix", "", "s3 prefix (key) holding bundle archives")
	fs.StringVar(&c.SigningKeyARN, "signing-key-arn", "", "KMS key ARN for bundle signature verification")
	fs.BoolVar(&c.RequireSignature, "require-signature", false, "reject installs without a valid signature")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *pflag.FlagSet, prefix string, logf func(string, ...any)) {
	fs.VisitAll(func(f *pflag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if f.Changed {
			if logf != nil {
				logf("flag --%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := f.Value.Set(envVal); err != nil {
			_ = f.Value.Set(prev)
			if logf != nil {
				logf("flag --%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// FilesDir is the bundle root: blobs and the extracted tree.
func (c App) FilesDir() string {
	return filepath.Join(c.DataDir, "files")
}

// SettingsFile resolves the settings database path.
func (c App) SettingsFile() string {
	if c.SettingsPath != "" {
		return c.SettingsPath
	}
	return filepath.Join(c.DataDir, "settings.db")
}

// Passphrase reads the passphrase file. No file configured means no passphrase.
func (c App) Passphrase() (string, error) {
	if c.PassphraseFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(c.PassphraseFile)
	if err != nil {
		return "", fmt.Errorf("read passphrase file: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

// Validate checks values needed by every command: logging and bundle storage.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR is required"))
	}
	if c.SettingsScope == "" {
		errs = append(errs, errors.New("SETTINGS_SCOPE is required"))
	}
	if c.AppID == "" {
		errs = append(errs, errors.New("APP_ID is required"))
	}
	if c.AppVersion == "" {
		errs = append(errs, errors.New("APP_VERSION is required"))
	}
	if c.Platform == "" {
		errs = append(errs, errors.New("PLATFORM is required"))
	}
	if _, err := cryptoutil.ParseAlgorithm(c.HashAlgorithm); err != nil {
		errs = append(errs, fmt.Errorf("invalid HASH_ALGORITHM %q: %w", c.HashAlgorithm, err))
	}
	if c.EntryName == "" || strings.HasPrefix(c.EntryName, "/") || pathutil.HasDotSegments(c.EntryName) {
		errs = append(errs, fmt.Errorf("ENTRY_NAME must be a relative path without dot segments (got %q)", c.EntryName))
	}
	if c.DefaultServer != "" {
		if u, err := url.Parse(c.DefaultServer); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("DEFAULT_SERVER must be an http(s) URL (got %q)", c.DefaultServer))
		}
	}
	if c.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_FILE_SIZE must be positive (got %d)", c.MaxFileSize))
	}
	if c.MaxTotalSize < c.MaxFileSize {
		errs = append(errs, fmt.Errorf("MAX_TOTAL_SIZE %d must be at least MAX_FILE_SIZE %d", c.MaxTotalSize, c.MaxFileSize))
	}
	if c.RequireSignature && c.SigningKeyARN == "" {
		errs = append(errs, errors.New("SIGNING_KEY_ARN required when REQUIRE_SIGNATURE=true"))
	}

	return errors.Join(errs...)
}

// ValidateServe adds the checks for the long-running serve command.
func ValidateServe(c App) error {
	var errs []error
	if err := Validate(c); err != nil {
		errs = append(errs, err)
	}

	// Ports
	if c.BridgePort < 1 || c.BridgePort > 65535 {
		errs = append(errs, fmt.Errorf("invalid BRIDGE_PORT %d (must be 1..65535)", c.BridgePort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.BridgePort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and BRIDGE_PORT must differ (both %d)", c.BridgePort))
	}
	if c.BridgeAddr != "" && net.ParseIP(c.BridgeAddr) == nil {
		errs = append(errs, fmt.Errorf("BRIDGE_ADDR must be an IP address (got %q)", c.BridgeAddr))
	}
	if c.BridgeRateLimit <= 0 || c.BridgeBurst < 1 {
		errs = append(errs, fmt.Errorf("BRIDGE_RATE_LIMIT and BRIDGE_BURST must be positive (got %g, %d)", c.BridgeRateLimit, c.BridgeBurst))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, errors.New("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
	}

	switch c.FetchSource {
	case FetchNone, FetchHTTP:
	case FetchS3:
		if c.SSMParam == "" {
			errs = append(errs, errors.New("SSM_PARAM required when FETCH_SOURCE=s3"))
		}
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET required when FETCH_SOURCE=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid FETCH_SOURCE %q (must be http|s3|none)", c.FetchSource))
	}
	if c.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be at least 1s (got %s)", c.PollInterval))
	}

	return errors.Join(errs...)
}
