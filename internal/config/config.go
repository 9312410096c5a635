package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	SourceMySQL   = "mysql"
	SourceHTTPCSV = "http-csv"
	SourceFile    = "file"
)

type Config struct {
	// SQLite
	DBPath    string   `json:"db_path" yaml:"db_path" validate:"required"`
	DBTimeout Duration `json:"db_timeout" yaml:"db_timeout"`

	Source SourceConfig `json:"source" yaml:"source"`
	Remote RemoteConfig `json:"remote" yaml:"remote"`
	SSH    SSHConfig    `json:"ssh" yaml:"ssh"`
	Sync   SyncConfig   `json:"sync" yaml:"sync"`
	Cache  CacheConfig  `json:"cache" yaml:"cache"`
	HTTP   HTTPConfig   `json:"http" yaml:"http"`
	Alert  AlertConfig  `json:"alert" yaml:"alert"`

	// Operational
	Verbose          bool   `json:"verbose" yaml:"verbose"`
	LogFormat        string `json:"log_format" yaml:"log_format" validate:"oneof=text json console"`
	ConfigFile       string `json:"-" yaml:"-"`
	EnvFile          string `json:"-" yaml:"-"`
	Version          bool   `json:"-" yaml:"-"`
	CheckConnections bool   `json:"-" yaml:"-"`
	InitDB           bool   `json:"-" yaml:"-"`
	StatsOnly        bool   `json:"-" yaml:"-"`
	SyncOnce         bool   `json:"-" yaml:"-"`
	Vacuum           bool   `json:"-" yaml:"-"`
	WriteConfig      string `json:"-" yaml:"-"`
}

// SourceConfig selects where call records come from.
type SourceConfig struct {
	Kind    string   `json:"kind" yaml:"kind" validate:"oneof=mysql http-csv file"`
	URL     string   `json:"url" yaml:"url" validate:"omitempty,url"`
	File    string   `json:"file" yaml:"file"`
	Timeout Duration `json:"timeout" yaml:"timeout"`

	// FallbackFile is read when the primary source fails.
	FallbackFile string `json:"fallback_file" yaml:"fallback_file"`

	// Circuit breaker around the HTTP export.
	BreakerFailures uint32   `json:"breaker_failures" yaml:"breaker_failures" validate:"gte=1"`
	BreakerCooldown Duration `json:"breaker_cooldown" yaml:"breaker_cooldown"`
}

type RemoteConfig struct {
	DSN      string   `json:"dsn" yaml:"dsn"`
	Host     string   `json:"host" yaml:"host"`
	Port     int      `json:"port" yaml:"port" validate:"gte=0,lte=65535"`
	User     string   `json:"user" yaml:"user"`
	Password string   `json:"password" yaml:"password"`
	Name     string   `json:"name" yaml:"name"`
	Table    string   `json:"table" yaml:"table"`
	Region   int      `json:"region" yaml:"region" validate:"gte=0"`
	Timeout  Duration `json:"timeout" yaml:"timeout"`
}

// SSHConfig describes the optional bastion in front of the remote database.
// The tunnel is used when Host is set.
type SSHConfig struct {
	Host                  string   `json:"host" yaml:"host"`
	Port                  int      `json:"port" yaml:"port" validate:"gte=0,lte=65535"`
	User                  string   `json:"user" yaml:"user"`
	Password              string   `json:"password" yaml:"password"`
	KeyFile               string   `json:"key_file" yaml:"key_file"`
	KnownHostsFile        string   `json:"known_hosts_file" yaml:"known_hosts_file"`
	Timeout               Duration `json:"timeout" yaml:"timeout"`
	// InsecureIgnoreHostKey skips bastion host key verification. It must be
	// set explicitly; without it KnownHostsFile is required.
	InsecureIgnoreHostKey bool     `json:"insecure_ignore_host_key" yaml:"insecure_ignore_host_key"`
}

type SyncConfig struct {
	Schedule         string   `json:"schedule" yaml:"schedule" validate:"required"`
	FetchTimeout     Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	IncrementalScope string   `json:"incremental_scope" yaml:"incremental_scope" validate:"oneof=year month all"`
}

type CacheConfig struct {
	TTL Duration `json:"ttl" yaml:"ttl"`
}

type HTTPConfig struct {
	Addr            string   `json:"addr" yaml:"addr" validate:"required,hostname_port"`
	CORSOrigins     []string `json:"cors_origins" yaml:"cors_origins"`
	RefreshInterval Duration `json:"refresh_interval" yaml:"refresh_interval"`
	RefreshBurst    int      `json:"refresh_burst" yaml:"refresh_burst" validate:"gte=1"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// WriteTimeout bounds a whole request. 0 derives it from the fetch
	// timeout, since a cold-start read waits for the initial pull.
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
}

type AlertConfig struct {
	WebhookURL    string   `json:"webhook_url" yaml:"webhook_url" validate:"omitempty,url"`
	Channel       string   `json:"channel" yaml:"channel"`
	Timeout       Duration `json:"timeout" yaml:"timeout"`
	RetryAttempts int      `json:"retry_attempts" yaml:"retry_attempts" validate:"gte=0,lte=10"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBPath:    "./data/centrais.db",
		DBTimeout: NewDuration(5 * time.Second),
		Source: SourceConfig{
			Kind:            SourceMySQL,
			Timeout:         NewDuration(60 * time.Second),
			BreakerFailures: 3,
			BreakerCooldown: NewDuration(time.Minute),
		},
		Remote: RemoteConfig{
			Host:    "127.0.0.1",
			Port:    3306,
			Table:   "meso_detalhe",
			Region:  2,
			Timeout: NewDuration(30 * time.Second),
		},
		SSH: SSHConfig{
			Port:    22,
			Timeout: NewDuration(15 * time.Second),
		},
		Sync: SyncConfig{
			Schedule:         "@every 5m",
			FetchTimeout:     NewDuration(90 * time.Second),
			IncrementalScope: "year",
		},
		Cache: CacheConfig{
			TTL: NewDuration(300 * time.Second),
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			CORSOrigins:     []string{"*"},
			RefreshInterval: NewDuration(30 * time.Second),
			RefreshBurst:    1,
			ShutdownTimeout: NewDuration(10 * time.Second),
		},
		Alert: AlertConfig{
			Timeout:       NewDuration(10 * time.Second),
			RetryAttempts: 3,
		},
		LogFormat: "text",
	}
}

// Load builds the configuration from defaults, the optional config file, the
// environment (after loading the env file) and finally the flags explicitly
// present in args.
func Load(args []string) (*Config, error) {
	early := Default()
	if err := early.flagSet().Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if early.ConfigFile != "" {
		if err := cfg.LoadFromFile(early.ConfigFile); err != nil {
			return nil, err
		}
	}

	envFile := early.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !(early.EnvFile == "" && errors.Is(err, fs.ErrNotExist)) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	// Flags are bound to the merged values, so only those given on the
	// command line change anything.
	if err := cfg.flagSet().Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) flagSet() *flag.FlagSet {
	set := flag.NewFlagSet("painel-centrais", flag.ContinueOnError)

	set.StringVar(&c.ConfigFile, "config-file", c.ConfigFile, "Path to JSON or YAML configuration file")
	set.StringVar(&c.EnvFile, "env-file", c.EnvFile, "Path to .env file (default ./.env when present)")

	// SQLite flags
	set.StringVar(&c.DBPath, "db-path", c.DBPath, "Path to SQLite database")
	set.Var(&c.DBTimeout, "db-timeout", "SQLite busy timeout")

	// Source flags
	set.StringVar(&c.Source.Kind, "source", c.Source.Kind, "Record source (mysql, http-csv or file)")
	set.StringVar(&c.Source.URL, "source-url", c.Source.URL, "CSV export URL for the http-csv source")
	set.StringVar(&c.Source.File, "source-file", c.Source.File, "CSV or JSON file for the file source")
	set.Var(&c.Source.Timeout, "source-timeout", "HTTP export request timeout")
	set.StringVar(&c.Source.FallbackFile, "source-fallback-file", c.Source.FallbackFile, "CSV or JSON file read when the primary source fails")

	// Remote database flags
	set.StringVar(&c.Remote.DSN, "remote-dsn", c.Remote.DSN, "Remote MySQL DSN (overrides host/user/name)")
	set.StringVar(&c.Remote.Host, "remote-host", c.Remote.Host, "Remote MySQL host")
	set.IntVar(&c.Remote.Port, "remote-port", c.Remote.Port, "Remote MySQL port")
	set.StringVar(&c.Remote.User, "remote-user", c.Remote.User, "Remote MySQL user")
	set.StringVar(&c.Remote.Name, "remote-name", c.Remote.Name, "Remote MySQL database name")
	set.StringVar(&c.Remote.Table, "remote-table", c.Remote.Table, "Remote call detail table")
	set.IntVar(&c.Remote.Region, "remote-region", c.Remote.Region, "COB code assigned to remote records")

	// SSH flags
	set.StringVar(&c.SSH.Host, "ssh-host", c.SSH.Host, "SSH bastion host (enables tunnel)")
	set.IntVar(&c.SSH.Port, "ssh-port", c.SSH.Port, "SSH bastion port")
	set.StringVar(&c.SSH.User, "ssh-user", c.SSH.User, "SSH user")
	set.StringVar(&c.SSH.KeyFile, "ssh-key-file", c.SSH.KeyFile, "SSH private key file")
	set.StringVar(&c.SSH.KnownHostsFile, "ssh-known-hosts", c.SSH.KnownHostsFile, "known_hosts file used to verify the bastion")
	set.BoolVar(&c.SSH.InsecureIgnoreHostKey, "ssh-insecure-ignore-host-key", c.SSH.InsecureIgnoreHostKey, "Do not verify the bastion host key (testing only)")

	// Sync and cache flags
	set.StringVar(&c.Sync.Schedule, "sync-schedule", c.Sync.Schedule, "Incremental sync schedule (cron or @every)")
	set.Var(&c.Sync.FetchTimeout, "fetch-timeout", "Upper bound for one upstream fetch")
	set.StringVar(&c.Sync.IncrementalScope, "incremental-scope", c.Sync.IncrementalScope, "Incremental pull window (year, month or all)")
	set.Var(&c.Cache.TTL, "cache-ttl", "Cache time to live")

	// HTTP flags
	set.StringVar(&c.HTTP.Addr, "http-addr", c.HTTP.Addr, "HTTP listen address")
	set.Var((*listValue)(&c.HTTP.CORSOrigins), "cors-origins", "Comma separated allowed CORS origins")
	set.Var(&c.HTTP.RefreshInterval, "refresh-interval", "Minimum interval between manual refreshes")
	set.Var(&c.HTTP.WriteTimeout, "http-write-timeout", "HTTP write timeout (0 = fetch timeout + 30s)")

	// Alert flags
	set.StringVar(&c.Alert.WebhookURL, "alert-webhook", c.Alert.WebhookURL, "Slack webhook URL for sync failure alerts")
	set.IntVar(&c.Alert.RetryAttempts, "alert-retry-attempts", c.Alert.RetryAttempts, "Alert retry attempts")

	// Operational flags
	set.BoolVar(&c.Verbose, "verbose", c.Verbose, "Enable verbose logging")
	set.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format (text, json or console)")
	set.BoolVar(&c.Version, "version", c.Version, "Print version and exit")
	set.BoolVar(&c.CheckConnections, "check-connections", c.CheckConnections, "Test connections and exit")
	set.BoolVar(&c.InitDB, "init-db", c.InitDB, "Initialize database and exit")
	set.BoolVar(&c.StatsOnly, "stats-only", c.StatsOnly, "Print statistics and exit")
	set.BoolVar(&c.SyncOnce, "sync-once", c.SyncOnce, "Run one sync (full on an empty store) and exit")
	set.BoolVar(&c.Vacuum, "vacuum", c.Vacuum, "Vacuum the local database and exit")
	set.StringVar(&c.WriteConfig, "write-config", c.WriteConfig, "Write the effective configuration to this .json/.yaml file and exit")

	return set
}

// LoadFromFile merges a .json, .yaml or .yml file into c.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// SaveToFile writes the effective configuration, as YAML or JSON depending
// on the extension. Flag-only fields are not written.
func (c *Config) SaveToFile(filename string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides c with the deployment environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		if err := dst.Set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		return nil
	}

	str("DB_PATH", &c.DBPath)
	str("SOURCE_KIND", &c.Source.Kind)
	str("SOURCE_URL", &c.Source.URL)
	str("SOURCE_FILE", &c.Source.File)
	str("SOURCE_FALLBACK_FILE", &c.Source.FallbackFile)

	str("REMOTE_DB_DSN", &c.Remote.DSN)
	str("REMOTE_DB_HOST", &c.Remote.Host)
	str("REMOTE_DB_USER", &c.Remote.User)
	str("REMOTE_DB_PASS", &c.Remote.Password)
	str("REMOTE_DB_NAME", &c.Remote.Name)
	str("REMOTE_DB_TABLE", &c.Remote.Table)

	str("SSH_HOST", &c.SSH.Host)
	str("SSH_USER", &c.SSH.User)
	str("SSH_PASS", &c.SSH.Password)
	str("SSH_KEY_FILE", &c.SSH.KeyFile)
	str("SSH_KNOWN_HOSTS", &c.SSH.KnownHostsFile)
	if v, ok := lookup("SSH_INSECURE_IGNORE_HOST_KEY"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("SSH_INSECURE_IGNORE_HOST_KEY: %w", err)
		}
		c.SSH.InsecureIgnoreHostKey = b
	}

	str("SYNC_SCHEDULE", &c.Sync.Schedule)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("ALERT_WEBHOOK_URL", &c.Alert.WebhookURL)
	str("LOG_FORMAT", &c.LogFormat)

	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		_ = (*listValue)(&c.HTTP.CORSOrigins).Set(v)
	}

	for key, dst := range map[string]*int{
		"REMOTE_DB_PORT": &c.Remote.Port,
		"REMOTE_REGION":  &c.Remote.Region,
		"SSH_PORT":       &c.SSH.Port,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*Duration{
		"CACHE_TTL":     &c.Cache.TTL,
		"FETCH_TIMEOUT": &c.Sync.FetchTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

var (
	validate    = validator.New(validator.WithRequiredStructEnabled())
	identifier  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	cronOptions = cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor
)

// ScheduleParser parses the sync schedule the same way Validate does.
func ScheduleParser() cron.Parser {
	return cron.NewParser(cronOptions)
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q check (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	if c.Cache.TTL.Duration <= 0 {
		return fmt.Errorf("--cache-ttl must be positive")
	}
	if c.Sync.FetchTimeout.Duration <= 0 {
		return fmt.Errorf("--fetch-timeout must be positive")
	}
	if wt := c.HTTP.WriteTimeout.Duration; wt != 0 && wt <= c.Sync.FetchTimeout.Duration {
		return fmt.Errorf("--http-write-timeout (%s) must exceed --fetch-timeout (%s)", wt, c.Sync.FetchTimeout)
	}
	if _, err := ScheduleParser().Parse(c.Sync.Schedule); err != nil {
		return fmt.Errorf("invalid --sync-schedule: %w", err)
	}

	switch c.Source.Kind {
	case SourceMySQL:
		if c.Remote.DSN == "" && (c.Remote.Host == "" || c.Remote.User == "" || c.Remote.Name == "") {
			return fmt.Errorf("mysql source needs --remote-dsn or REMOTE_DB_HOST, REMOTE_DB_USER and REMOTE_DB_NAME")
		}
		if c.Remote.DSN != "" {
			if _, err := mysql.ParseDSN(c.Remote.DSN); err != nil {
				return fmt.Errorf("invalid DSN: %w", err)
			}
		}
		if !identifier.MatchString(c.Remote.Table) {
			return fmt.Errorf("--remote-table %q is not a valid table name", c.Remote.Table)
		}
		if c.SSH.Host != "" {
			if c.SSH.User == "" {
				return fmt.Errorf("--ssh-user is required when --ssh-host is set")
			}
			if c.SSH.Password == "" && c.SSH.KeyFile == "" {
				return fmt.Errorf("SSH_PASS or --ssh-key-file is required when --ssh-host is set")
			}
			if c.SSH.KnownHostsFile == "" && !c.SSH.InsecureIgnoreHostKey {
				return fmt.Errorf("SSH_KNOWN_HOSTS or --ssh-known-hosts is required when --ssh-host is set (or --ssh-insecure-ignore-host-key)")
			}
		}
	case SourceHTTPCSV:
		if c.Source.URL == "" {
			return fmt.Errorf("--source-url is required for the http-csv source")
		}
	case SourceFile:
		if c.Source.File == "" {
			return fmt.Errorf("--source-file is required for the file source")
		}
	}

	return nil
}

// ServerWriteTimeout is the HTTP write timeout in effect. Unless set, it
// leaves room for a cold-start read that waits on a full fetch.
func (c *Config) ServerWriteTimeout() time.Duration {
	if c.HTTP.WriteTimeout.Duration > 0 {
		return c.HTTP.WriteTimeout.Duration
	}
	return c.Sync.FetchTimeout.Duration + 30*time.Second
}

// RemoteDSN returns the MySQL DSN, building it from parts when none was given.
func (c *Config) RemoteDSN() string {
	if c.Remote.DSN != "" {
		return c.Remote.DSN
	}
	m := mysql.NewConfig()
	m.User = c.Remote.User
	m.Passwd = c.Remote.Password
	m.Net = "tcp"
	if c.SSH.Host != "" {
		m.Net = TunnelNet
	}
	m.Addr = fmt.Sprintf("%s:%d", c.Remote.Host, c.Remote.Port)
	m.DBName = c.Remote.Name
	m.ParseTime = true
	m.Timeout = c.Remote.Timeout.Duration
	m.ReadTimeout = c.Sync.FetchTimeout.Duration
	return m.FormatDSN()
}

// TunnelNet is the network name the SSH dialer is registered under.
const TunnelNet = "ssh-tunnel"

// GetDSNInfo returns parsed information from the DSN for display purposes
func (c *Config) GetDSNInfo() map[string]string {
	info := make(map[string]string)
	m, err := mysql.ParseDSN(c.RemoteDSN())
	if err != nil {
		return info
	}
	info["user"] = m.User
	info["net"] = m.Net
	info["host_port"] = m.Addr
	info["database"] = m.DBName
	if c.SSH.Host != "" {
		info["ssh"] = fmt.Sprintf("%s@%s:%d", c.SSH.User, c.SSH.Host, c.SSH.Port)
	}
	return info
}

// listValue is a comma separated flag.
type listValue []string

func (l *listValue) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *listValue) Set(s string) error {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*l = out
	return nil
}
