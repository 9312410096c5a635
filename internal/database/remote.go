package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/cbmmg/painel-centrais/internal/config"
	"github.com/cbmmg/painel-centrais/internal/normalize"
)

// Remote is the upstream call-center database, optionally reached through
// an SSH tunnel.
type Remote struct {
	*sql.DB
	tunnel *Tunnel
}

func ConnectRemote(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Remote, error) {
	var tunnel *Tunnel
	if cfg.SSH.Host != "" {
		t, err := OpenTunnel(cfg.SSH, logger)
		if err != nil {
			return nil, err
		}
		mysql.RegisterDialContext(config.TunnelNet, t.DialContext)
		tunnel = t
	}

	db, err := sql.Open("mysql", cfg.RemoteDSN())
	if err != nil {
		tunnel.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Remote.Timeout.Duration)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		tunnel.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// The remote is only read every few minutes
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Remote{DB: db, tunnel: tunnel}, nil
}

func (r *Remote) Close() error {
	err := r.DB.Close()
	r.tunnel.Close()
	return err
}

// FetchCalls reads the call detail projection from table. A non-zero since
// restricts the result to calls at or after that moment.
func FetchCalls(ctx context.Context, db *sql.DB, table string, since time.Time) (*normalize.Batch, error) {
	query, args := callsQuery(table, since)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	return scanBatch(rows)
}

// remoteDateTime is how datahora values are compared upstream.
const remoteDateTime = "2006-01-02 15:04:05"

// callsQuery builds the projection query. since is bound as its wall-clock
// text: datahora holds local wall-clock times, while the driver would convert
// a time.Time argument into the DSN location (UTC unless set).
func callsQuery(table string, since time.Time) (string, []any) {
	query := fmt.Sprintf(`
		SELECT datahora, duracao, fila, holdtime, teleatendente, estado
		FROM %s
	`, table)

	var args []any
	if !since.IsZero() {
		query += " WHERE datahora >= ?"
		args = append(args, since.Format(remoteDateTime))
	}
	return query, args
}

func scanBatch(rows *sql.Rows) (*normalize.Batch, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns failed: %w", err)
	}

	batch := &normalize.Batch{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		// The driver reuses its buffers
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = append([]byte(nil), b...)
			}
		}
		batch.Rows = append(batch.Rows, vals)
	}

	return batch, rows.Err()
}

// Tunnel forwards MySQL connections through an SSH bastion. A broken SSH
// session is redialed on the next connection attempt.
type Tunnel struct {
	addr   string
	config *ssh.ClientConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

func OpenTunnel(cfg config.SSHConfig, logger *slog.Logger) (*Tunnel, error) {
	auth := []ssh.AuthMethod{}
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}

	hostKey, err := hostKeyCallback(cfg, logger)
	if err != nil {
		return nil, err
	}

	t := &Tunnel{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         cfg.Timeout.Duration,
		},
		logger: logger,
	}

	if _, err := t.connect(); err != nil {
		return nil, err
	}
	return t, nil
}

// hostKeyCallback verifies the bastion against KnownHostsFile. Skipping
// verification needs InsecureIgnoreHostKey.
func hostKeyCallback(cfg config.SSHConfig, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		return cb, nil
	}
	if !cfg.InsecureIgnoreHostKey {
		return nil, fmt.Errorf("ssh host key verification needs a known_hosts file for %s", cfg.Host)
	}
	logger.Warn("ssh host key verification disabled", "host", cfg.Host)
	return ssh.InsecureIgnoreHostKey(), nil
}

func (t *Tunnel) connect() (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return t.client, nil
	}
	client, err := ssh.Dial("tcp", t.addr, t.config)
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh tunnel to %s: %w", t.addr, err)
	}
	t.logger.Info("ssh tunnel open", "bastion", t.addr)
	t.client = client
	return client, nil
}

func (t *Tunnel) reset(broken *ssh.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == broken {
		t.client.Close()
		t.client = nil
	}
}

// DialContext matches mysql.DialContextFunc. addr is resolved on the bastion.
func (t *Tunnel) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	client, err := t.connect()
	if err != nil {
		return nil, err
	}
	conn, err := client.DialContext(ctx, "tcp", addr)
	if err == nil {
		return conn, nil
	}

	// Retry once on a fresh session
	t.logger.Warn("ssh tunnel dial failed, reconnecting", "error", err)
	t.reset(client)
	if client, err = t.connect(); err != nil {
		return nil, err
	}
	return client.DialContext(ctx, "tcp", addr)
}

func (t *Tunnel) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
}
