package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validMySQL() *Config {
	cfg := Default()
	cfg.Remote.Host = "db.internal"
	cfg.Remote.User = "painel"
	cfg.Remote.Name = "centrais"
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validMySQL()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Cache.TTL.Duration != 300*time.Second {
		t.Errorf("default TTL = %s, want 5m", cfg.Cache.TTL)
	}
	if cfg.Sync.Schedule != "@every 5m" {
		t.Errorf("default schedule = %q", cfg.Sync.Schedule)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown source", func(c *Config) { c.Source.Kind = "ftp" }, "Kind"},
		{"mysql without host", func(c *Config) { c.Remote.Host = "" }, "mysql source"},
		{"bad table", func(c *Config) { c.Remote.Table = "calls; DROP" }, "remote-table"},
		{"bad schedule", func(c *Config) { c.Sync.Schedule = "every five" }, "sync-schedule"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = NewDuration(0) }, "cache-ttl"},
		{"http without url", func(c *Config) { c.Source.Kind = SourceHTTPCSV }, "source-url"},
		{"file without path", func(c *Config) { c.Source.Kind = SourceFile }, "source-file"},
		{"ssh without credentials", func(c *Config) { c.SSH.Host = "bastion"; c.SSH.User = "u" }, "SSH_PASS"},
		{"ssh without known hosts", func(c *Config) { c.SSH.Host = "bastion"; c.SSH.User = "u"; c.SSH.Password = "p" }, "SSH_KNOWN_HOSTS"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LogFormat"},
		{"bad scope", func(c *Config) { c.Sync.IncrementalScope = "week" }, "IncrementalScope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validMySQL()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SSH_HOST":        "bastion.example",
		"SSH_PORT":        "2222",
		"SSH_USER":        "tunnel",
		"SSH_PASS":        "secret",
		"SSH_KNOWN_HOSTS": "/etc/painel/known_hosts",
		"REMOTE_DB_HOST":  "10.0.0.5",
		"REMOTE_DB_PORT":  "3307",
		"REMOTE_DB_USER":  "reader",
		"REMOTE_DB_PASS":  "pw",
		"REMOTE_DB_NAME":  "central",
		"CACHE_TTL":       "120",
		"SYNC_SCHEDULE":   "*/10 * * * *",
		"CORS_ORIGINS":    "https://a.example, https://b.example",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.SSH.Port != 2222 || cfg.Remote.Port != 3307 || cfg.Remote.Password != "pw" {
		t.Errorf("unexpected remote/ssh config %+v %+v", cfg.Remote, cfg.SSH)
	}
	if cfg.Cache.TTL.Duration != 2*time.Minute {
		t.Errorf("CACHE_TTL in seconds not applied: %s", cfg.Cache.TTL)
	}
	if len(cfg.HTTP.CORSOrigins) != 2 || cfg.HTTP.CORSOrigins[1] != "https://b.example" {
		t.Errorf("unexpected CORS origins %v", cfg.HTTP.CORSOrigins)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("env config should validate: %v", err)
	}

	info := cfg.GetDSNInfo()
	if info["net"] != TunnelNet || info["host_port"] != "10.0.0.5:3307" || info["database"] != "central" {
		t.Errorf("unexpected DSN info %v", info)
	}
	if _, ok := info["password"]; ok {
		t.Error("DSN info must not expose the password")
	}
}

func TestApplyEnvInsecureHostKey(t *testing.T) {
	base := map[string]string{
		"SSH_HOST": "bastion.example",
		"SSH_USER": "tunnel",
		"SSH_PASS": "secret",
	}
	lookup := func(extra map[string]string) func(string) (string, bool) {
		return func(k string) (string, bool) {
			if v, ok := extra[k]; ok {
				return v, true
			}
			v, ok := base[k]
			return v, ok
		}
	}

	cfg := validMySQL()
	if err := cfg.ApplyEnv(lookup(nil)); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "SSH_KNOWN_HOSTS") {
		t.Fatalf("unverified bastion should be rejected, got %v", err)
	}

	cfg = validMySQL()
	if err := cfg.ApplyEnv(lookup(map[string]string{"SSH_INSECURE_IGNORE_HOST_KEY": "true"})); err != nil {
		t.Fatal(err)
	}
	if !cfg.SSH.InsecureIgnoreHostKey {
		t.Fatal("explicit opt-in not applied")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("explicit opt-in should validate: %v", err)
	}

	cfg = validMySQL()
	if err := cfg.ApplyEnv(lookup(map[string]string{"SSH_INSECURE_IGNORE_HOST_KEY": "maybe"})); err == nil {
		t.Fatal("expected error for a non-boolean value")
	}
}

func TestApplyEnvBadNumber(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "SSH_PORT" {
			return "twenty-two", true
		}
		return "", false
	})
	if err == nil || !strings.Contains(err.Error(), "SSH_PORT") {
		t.Fatalf("expected SSH_PORT error, got %v", err)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	yamlBody := `
db_path: /var/lib/painel/file.db
source:
  kind: file
  file: /srv/geral_df.csv
cache:
  ttl: 60
http:
  addr: ":9000"
`
	if err := os.WriteFile(yamlPath, []byte(yamlBody), 0600); err != nil {
		t.Fatal(err)
	}
	envPath := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envPath, []byte("HTTP_ADDR=:9100\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DB_PATH", "/tmp/env.db")
	t.Cleanup(func() { os.Unsetenv("HTTP_ADDR") })

	cfg, err := Load([]string{
		"-config-file", yamlPath,
		"-env-file", envPath,
		"-db-path", "/tmp/flag.db",
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "/tmp/flag.db" {
		t.Errorf("flag should win over env and file, got %q", cfg.DBPath)
	}
	if cfg.HTTP.Addr != ":9100" {
		t.Errorf("env file should win over config file, got %q", cfg.HTTP.Addr)
	}
	if cfg.Source.Kind != SourceFile || cfg.Source.File != "/srv/geral_df.csv" {
		t.Errorf("file values not applied: %+v", cfg.Source)
	}
	if cfg.Cache.TTL.Duration != time.Minute {
		t.Errorf("yaml integer TTL should be seconds, got %s", cfg.Cache.TTL)
	}
	if cfg.Sync.FetchTimeout.Duration != 90*time.Second {
		t.Errorf("untouched default changed: %s", cfg.Sync.FetchTimeout)
	}
}

func TestLoadFromJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"source": {"kind": "http-csv", "url": "https://export.example/calls.csv", "timeout": "45s"}, "sync": {"fetch_timeout": "2m"}}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	cfg := Default()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Source.Timeout.Duration != 45*time.Second || cfg.Sync.FetchTimeout.Duration != 2*time.Minute {
		t.Errorf("durations not parsed: %s %s", cfg.Source.Timeout, cfg.Sync.FetchTimeout)
	}
	if cfg.Remote.Table != "meso_detalhe" {
		t.Errorf("defaults should survive a partial file, got table %q", cfg.Remote.Table)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("http-csv config should validate: %v", err)
	}
}

func TestDurationSet(t *testing.T) {
	var d Duration
	if err := d.Set("300"); err != nil || d.Duration != 5*time.Minute {
		t.Fatalf("Set(300) = %s, %v", d, err)
	}
	if err := d.Set("1m30s"); err != nil || d.Duration != 90*time.Second {
		t.Fatalf("Set(1m30s) = %s, %v", d, err)
	}
	if err := d.Set("soon"); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestSaveToFileRoundTrip(t *testing.T) {
	for _, name := range []string{"out.yaml", "out.json"} {
		t.Run(name, func(t *testing.T) {
			cfg := validMySQL()
			cfg.Cache.TTL = NewDuration(90 * time.Second)
			cfg.HTTP.CORSOrigins = []string{"https://painel.example"}
			cfg.Sync.IncrementalScope = "month"
			cfg.SyncOnce = true

			path := filepath.Join(t.TempDir(), name)
			if err := cfg.SaveToFile(path); err != nil {
				t.Fatalf("SaveToFile failed: %v", err)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if strings.Contains(string(data), "sync_once") || strings.Contains(string(data), "SyncOnce") {
				t.Errorf("flag-only fields should not be written:\n%s", data)
			}

			loaded := &Config{}
			if err := loaded.LoadFromFile(path); err != nil {
				t.Fatalf("LoadFromFile failed: %v", err)
			}
			if loaded.Cache.TTL.Duration != 90*time.Second {
				t.Errorf("ttl = %s", loaded.Cache.TTL)
			}
			if loaded.Remote.Host != "db.internal" || loaded.Remote.Table != "meso_detalhe" {
				t.Errorf("remote not restored: %+v", loaded.Remote)
			}
			if len(loaded.HTTP.CORSOrigins) != 1 || loaded.HTTP.CORSOrigins[0] != "https://painel.example" {
				t.Errorf("cors origins = %v", loaded.HTTP.CORSOrigins)
			}
			if loaded.Sync.IncrementalScope != "month" || loaded.SyncOnce {
				t.Errorf("sync settings = %+v, sync once %v", loaded.Sync, loaded.SyncOnce)
			}
			if err := loaded.Validate(); err != nil {
				t.Errorf("written config should validate: %v", err)
			}
		})
	}
}

func TestServerWriteTimeout(t *testing.T) {
	cfg := validMySQL()
	if got := cfg.ServerWriteTimeout(); got != cfg.Sync.FetchTimeout.Duration+30*time.Second {
		t.Fatalf("derived write timeout = %s", got)
	}

	cfg.HTTP.WriteTimeout = NewDuration(3 * time.Minute)
	if got := cfg.ServerWriteTimeout(); got != 3*time.Minute {
		t.Fatalf("explicit write timeout ignored, got %s", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("write timeout above fetch timeout should validate: %v", err)
	}

	cfg.HTTP.WriteTimeout = NewDuration(time.Minute)
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "http-write-timeout") {
		t.Fatalf("write timeout below fetch timeout should be rejected, got %v", err)
	}
}
