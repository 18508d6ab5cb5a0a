// Package sqlite provides a persistent, single-process queue backend on
// SQLite. Received rows are locked for a visibility timeout and reappear if
// they are not deleted in time.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/transport"
)

// TransportName is the name used to register this backend.
const TransportName = "sqlite"

const (
	// DefaultPollInterval is the pause between polls of an empty queue.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultPollTimeout bounds how long ReceiveBatch waits on an empty queue.
	DefaultPollTimeout = time.Second
	// DefaultVisibilityTimeout hides received rows from other receivers.
	DefaultVisibilityTimeout = 30 * time.Second
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build creates a SQLite backend from cfg.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	return New(Config{
		FilePath:          cfg.GetSQLiteFile(),
		PollTimeout:       cfg.GetPollTimeout(),
		VisibilityTimeout: cfg.GetVisibilityTimeout(),
	}, logger)
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the database file. ":memory:" keeps everything in process.
	FilePath          string
	PollInterval      time.Duration
	PollTimeout       time.Duration
	VisibilityTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = "presto_queue.db"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	return c
}

// Backend implements transport.Backend on SQLite.
type Backend struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter
	now    func() time.Time
}

// New opens (and if needed creates) the database.
func New(cfg Config, logger watermill.LoggerAdapter) (*Backend, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	b := &Backend{db: db, config: cfg, logger: logger, now: time.Now}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Info("Opened SQLite queue backend", watermill.LogFields{"file": cfg.FilePath})
	return b, nil
}

func (b *Backend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queues (
		name TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS queue_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		queue TEXT NOT NULL,
		payload BLOB NOT NULL,
		group_id TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		locked_until INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_queue_messages_available ON queue_messages(queue, locked_until, id);
	`
	_, err := b.db.Exec(schema)
	return err
}

func (b *Backend) CreateOrGet(ctx context.Context, name string, role transport.Role) (transport.Handle, error) {
	if _, err := b.db.ExecContext(ctx, `INSERT OR IGNORE INTO queues (name, role) VALUES (?, ?)`, name, role.String()); err != nil {
		return transport.Handle{}, prestoerrors.Transient("sqlite create queue", err)
	}
	return transport.Handle{Name: name, Locator: name, Role: role}, nil
}

// Queues lists every queue created through this database.
func (b *Backend) Queues(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM queues ORDER BY name`)
	if err != nil {
		return nil, prestoerrors.Transient("sqlite list queues", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (b *Backend) Send(ctx context.Context, h transport.Handle, payload []byte, opts transport.SendOptions) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO queue_messages (queue, payload, group_id) VALUES (?, ?, ?)`,
		h.Locator, payload, opts.GroupID)
	if err != nil {
		return prestoerrors.Transient("sqlite insert", err)
	}
	return nil
}

// ReceiveBatch polls until at least one row is available or the poll
// timeout lapses.
func (b *Backend) ReceiveBatch(ctx context.Context, h transport.Handle, max int) ([]transport.Received, error) {
	if max < 1 {
		max = 1
	}
	deadline := b.now().Add(b.config.PollTimeout)
	for {
		out, err := b.tryReceive(ctx, h, max)
		if err != nil || len(out) > 0 {
			return out, err
		}
		if !b.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.config.PollInterval):
		}
	}
}

func (b *Backend) tryReceive(ctx context.Context, h transport.Handle, max int) ([]transport.Received, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, prestoerrors.Transient("sqlite begin", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			b.logger.Error("failed to rollback transaction", err, nil)
		}
	}()

	now := b.now()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload FROM queue_messages
		WHERE queue = ? AND locked_until <= ?
		ORDER BY id
		LIMIT ?`, h.Locator, now.UnixNano(), max)
	if err != nil {
		return nil, prestoerrors.Transient("sqlite select", err)
	}
	var (
		out     []transport.Received
		lockIDs []any
	)
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, transport.Received{Body: payload, Token: transport.AckToken(strconv.FormatInt(id, 10))})
		lockIDs = append(lockIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(out) == 0 {
		return nil, nil
	}

	lockedUntil := now.Add(b.config.VisibilityTimeout).UnixNano()
	args := append([]any{lockedUntil}, lockIDs...)
	// #nosec G201 - only placeholders are interpolated
	query := fmt.Sprintf(`UPDATE queue_messages SET locked_until = ? WHERE id IN (%s)`, placeholders(len(lockIDs)))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, prestoerrors.Transient("sqlite lock", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, prestoerrors.Transient("sqlite commit", err)
	}
	return out, nil
}

func (b *Backend) DeleteBatch(ctx context.Context, h transport.Handle, tokens []transport.AckToken) error {
	if len(tokens) == 0 {
		return nil
	}
	args, err := tokenArgs(tokens)
	if err != nil {
		return err
	}
	// #nosec G201 - only placeholders are interpolated
	query := fmt.Sprintf(`DELETE FROM queue_messages WHERE id IN (%s)`, placeholders(len(args)))
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return prestoerrors.Transient("sqlite delete", err)
	}
	return nil
}

// Release unlocks rows so the next receive picks them up again.
func (b *Backend) Release(ctx context.Context, h transport.Handle, tokens []transport.AckToken) error {
	if len(tokens) == 0 {
		return nil
	}
	args, err := tokenArgs(tokens)
	if err != nil {
		return err
	}
	// #nosec G201 - only placeholders are interpolated
	query := fmt.Sprintf(`UPDATE queue_messages SET locked_until = 0 WHERE id IN (%s)`, placeholders(len(args)))
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return prestoerrors.Transient("sqlite release", err)
	}
	return nil
}

// Pending counts rows currently available for receiving.
func (b *Backend) Pending(ctx context.Context, h transport.Handle) (int64, error) {
	var n int64
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_messages WHERE queue = ? AND locked_until <= ?`,
		h.Locator, b.now().UnixNano()).Scan(&n)
	if err != nil {
		return 0, prestoerrors.Transient("sqlite count", err)
	}
	return n, nil
}

func (b *Backend) Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func tokenArgs(tokens []transport.AckToken) ([]any, error) {
	args := make([]any, len(tokens))
	for i, token := range tokens {
		id, err := strconv.ParseInt(string(token), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("sqlite: invalid ack token %q: %w", token, err)
		}
		args[i] = id
	}
	return args, nil
}
