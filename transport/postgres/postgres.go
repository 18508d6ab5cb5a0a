// Package postgres provides a shared, persistent queue backend on PostgreSQL.
// Concurrent workers claim rows with FOR UPDATE SKIP LOCKED.
package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/lib/pq" // PostgreSQL driver

	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/transport"
)

// TransportName is the name used to register this backend.
const TransportName = "postgres"

const (
	// DefaultPollInterval is the pause between polls of an empty queue.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultPollTimeout bounds how long ReceiveBatch waits on an empty queue.
	DefaultPollTimeout = time.Second
	// DefaultVisibilityTimeout is how long a claimed row stays hidden.
	DefaultVisibilityTimeout = 30 * time.Second
	// DefaultSchemaName holds the queue tables.
	DefaultSchemaName = "presto"
)

var schemaNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ErrConnectionStringRequired is returned by New without a DSN.
var ErrConnectionStringRequired = errors.New("presto: postgres connection string is required")

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities) // Alias
}

// Build creates a PostgreSQL backend from cfg.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	return New(ctx, Config{
		ConnectionString:  cfg.GetPostgresURL(),
		PollTimeout:       cfg.GetPollTimeout(),
		VisibilityTimeout: cfg.GetVisibilityTimeout(),
	}, logger)
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	ConnectionString  string
	PollInterval      time.Duration
	PollTimeout       time.Duration
	VisibilityTimeout time.Duration
	// SchemaName is the schema holding the queue tables. Defaults to "presto".
	SchemaName   string
	MaxOpenConns int
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

func (c Config) validate() error {
	if c.ConnectionString == "" {
		return ErrConnectionStringRequired
	}
	if !schemaNamePattern.MatchString(c.SchemaName) {
		return fmt.Errorf("presto: invalid postgres schema name %q", c.SchemaName)
	}
	return nil
}

// Backend implements transport.Backend on PostgreSQL.
type Backend struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter
}

// New connects to PostgreSQL and creates the queue schema if needed.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Backend, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, prestoerrors.Transient("postgres ping", err)
	}

	b := &Backend{db: db, config: cfg, logger: logger}
	if err := b.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return b, nil
}

func (b *Backend) table(name string) string {
	return b.config.SchemaName + "." + name
}

func (b *Backend) initSchema(ctx context.Context) error {
	// #nosec G201 - schema name is checked by Config.validate
	schema := fmt.Sprintf(`
	CREATE SCHEMA IF NOT EXISTS %[1]s;

	CREATE TABLE IF NOT EXISTS %[1]s.queues (
		name TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS %[1]s.queue_messages (
		id BIGSERIAL PRIMARY KEY,
		queue TEXT NOT NULL,
		payload BYTEA NOT NULL,
		group_id TEXT,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		locked_until TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_queue_messages_available
		ON %[1]s.queue_messages(queue, id);
	`, b.config.SchemaName)
	_, err := b.db.ExecContext(ctx, schema)
	return err
}

func (b *Backend) CreateOrGet(ctx context.Context, name string, role transport.Role) (transport.Handle, error) {
	// #nosec G201 - schema name is checked by Config.validate
	query := fmt.Sprintf(`INSERT INTO %s (name, role) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`, b.table("queues"))
	if _, err := b.db.ExecContext(ctx, query, name, role.String()); err != nil {
		return transport.Handle{}, prestoerrors.Transient("postgres create queue", err)
	}
	return transport.Handle{Name: name, Locator: name, Role: role}, nil
}

func (b *Backend) Send(ctx context.Context, h transport.Handle, payload []byte, opts transport.SendOptions) error {
	// #nosec G201 - schema name is checked by Config.validate
	query := fmt.Sprintf(`INSERT INTO %s (queue, payload, group_id) VALUES ($1, $2, $3)`, b.table("queue_messages"))
	if _, err := b.db.ExecContext(ctx, query, h.Locator, payload, opts.GroupID); err != nil {
		return prestoerrors.Transient("postgres insert", err)
	}
	return nil
}

func (b *Backend) ReceiveBatch(ctx context.Context, h transport.Handle, max int) ([]transport.Received, error) {
	if max < 1 {
		max = 1
	}
	deadline := time.Now().Add(b.config.PollTimeout)
	for {
		out, err := b.claim(ctx, h, max)
		if err != nil || len(out) > 0 {
			return out, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.config.PollInterval):
		}
	}
}

func (b *Backend) claim(ctx context.Context, h transport.Handle, max int) ([]transport.Received, error) {
	// #nosec G201 - schema name is checked by Config.validate
	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET locked_until = NOW() + $3 * INTERVAL '1 millisecond'
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE queue = $1 AND (locked_until IS NULL OR locked_until <= NOW())
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload`, b.table("queue_messages"))

	rows, err := b.db.QueryContext(ctx, query, h.Locator, max, b.config.VisibilityTimeout.Milliseconds())
	if err != nil {
		return nil, prestoerrors.Transient("postgres claim", err)
	}
	defer rows.Close()

	var out []transport.Received
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		out = append(out, transport.Received{Body: payload, Token: transport.AckToken(strconv.FormatInt(id, 10))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order.
	sortByID(out)
	return out, nil
}

func (b *Backend) DeleteBatch(ctx context.Context, h transport.Handle, tokens []transport.AckToken) error {
	if len(tokens) == 0 {
		return nil
	}
	ids, err := tokenIDs(tokens)
	if err != nil {
		return err
	}
	// #nosec G201 - schema name is checked by Config.validate
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, b.table("queue_messages"))
	if _, err := b.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return prestoerrors.Transient("postgres delete", err)
	}
	return nil
}

// Release makes claimed rows visible again immediately.
func (b *Backend) Release(ctx context.Context, h transport.Handle, tokens []transport.AckToken) error {
	if len(tokens) == 0 {
		return nil
	}
	ids, err := tokenIDs(tokens)
	if err != nil {
		return err
	}
	// #nosec G201 - schema name is checked by Config.validate
	query := fmt.Sprintf(`UPDATE %s SET locked_until = NULL WHERE id = ANY($1)`, b.table("queue_messages"))
	if _, err := b.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return prestoerrors.Transient("postgres release", err)
	}
	return nil
}

func (b *Backend) Pending(ctx context.Context, h transport.Handle) (int64, error) {
	// #nosec G201 - schema name is checked by Config.validate
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE queue = $1 AND (locked_until IS NULL OR locked_until <= NOW())`, b.table("queue_messages"))
	var n int64
	if err := b.db.QueryRowContext(ctx, query, h.Locator).Scan(&n); err != nil {
		return 0, prestoerrors.Transient("postgres count", err)
	}
	return n, nil
}

func (b *Backend) Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func tokenIDs(tokens []transport.AckToken) ([]int64, error) {
	ids := make([]int64, len(tokens))
	for i, token := range tokens {
		id, err := strconv.ParseInt(string(token), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("postgres: invalid ack token %q: %w", token, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func sortByID(out []transport.Received) {
	slices.SortFunc(out, func(a, b transport.Received) int {
		x, _ := strconv.ParseInt(string(a.Token), 10, 64)
		y, _ := strconv.ParseInt(string(b.Token), 10, 64)
		return cmp.Compare(x, y)
	})
}
