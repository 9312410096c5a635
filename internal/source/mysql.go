package source

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cbmmg/painel-centrais/internal/config"
	"github.com/cbmmg/painel-centrais/internal/database"
	"github.com/cbmmg/painel-centrais/internal/normalize"
)

// MySQL reads the call detail table of the remote call-center database.
// The connection (and SSH tunnel) is opened lazily and dropped after a
// failed fetch so the next run starts clean.
type MySQL struct {
	cfg    *config.Config
	logger *slog.Logger

	mu     sync.Mutex
	remote *database.Remote
}

func NewMySQL(cfg *config.Config, logger *slog.Logger) *MySQL {
	return &MySQL{cfg: cfg, logger: logger}
}

func (m *MySQL) Kind() string {
	return config.SourceMySQL
}

func (m *MySQL) Ident() string {
	info := m.cfg.GetDSNInfo()
	ident := info["host_port"] + "/" + info["database"] + "." + m.cfg.Remote.Table
	if ssh, ok := info["ssh"]; ok {
		ident += " via " + ssh
	}
	return ident
}

func (m *MySQL) Variant() normalize.Variant {
	return normalize.RemoteVariant(m.cfg.Remote.Region)
}

func (m *MySQL) conn(ctx context.Context) (*database.Remote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.remote != nil {
		return m.remote, nil
	}
	remote, err := database.ConnectRemote(ctx, m.cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.remote = remote
	return remote, nil
}

func (m *MySQL) drop(remote *database.Remote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remote == remote {
		m.remote.Close()
		m.remote = nil
	}
}

func (m *MySQL) Fetch(ctx context.Context, scope Scope) (*normalize.Batch, error) {
	remote, err := m.conn(ctx)
	if err != nil {
		return nil, fetchErr(m.Ident(), err)
	}

	var since time.Time
	if !scope.Full {
		since = scope.Since
	}
	batch, err := database.FetchCalls(ctx, remote.DB, m.cfg.Remote.Table, since)
	if err != nil {
		m.drop(remote)
		return nil, fetchErr(m.Ident(), err)
	}
	return batch, nil
}

func (m *MySQL) Check(ctx context.Context) error {
	remote, err := m.conn(ctx)
	if err != nil {
		return fetchErr(m.Ident(), err)
	}
	if err := remote.PingContext(ctx); err != nil {
		m.drop(remote)
		return fetchErr(m.Ident(), err)
	}
	return nil
}

func (m *MySQL) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remote == nil {
		return nil
	}
	err := m.remote.Close()
	m.remote = nil
	return err
}
