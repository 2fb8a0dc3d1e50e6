package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteBackend persists conversations so they survive restarts.
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = &SQLiteBackend{}

func NewSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite conversation backend: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// SQLiteDSNForFile builds a DSN for path, creating its parent directory.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite conversation backend: empty path")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", errors.Wrap(err, "sqlite conversation backend: create db directory")
		}
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) migrate() error {
	if b == nil || b.db == nil {
		return errors.New("sqlite conversation backend: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			user_id INTEGER NOT NULL,
			ordinal INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (user_id, ordinal)
		);`,
		`CREATE INDEX IF NOT EXISTS conversation_turns_by_user ON conversation_turns(user_id);`,
	}
	for _, st := range stmts {
		if _, err := b.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite conversation backend: migrate")
		}
	}
	return nil
}

func (b *SQLiteBackend) Load(ctx context.Context, userID int64) ([]Turn, bool, error) {
	if b == nil || b.db == nil {
		return nil, false, errors.New("sqlite conversation backend: db is nil")
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT role, content, created_at_ms
		FROM conversation_turns
		WHERE user_id = ?
		ORDER BY ordinal ASC
	`, userID)
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlite conversation backend: query turns")
	}
	defer func() { _ = rows.Close() }()

	var out []Turn
	for rows.Next() {
		var (
			role        string
			content     string
			createdAtMs int64
		)
		if err := rows.Scan(&role, &content, &createdAtMs); err != nil {
			return nil, false, errors.Wrap(err, "sqlite conversation backend: scan turn")
		}
		r, err := ParseRole(role)
		if err != nil {
			return nil, false, err
		}
		t := Turn{Role: r, Content: content}
		if createdAtMs > 0 {
			t.CreatedAt = time.UnixMilli(createdAtMs)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, false, errors.Wrap(err, "sqlite conversation backend: iterate turns")
	}
	return out, len(out) > 0, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, userID int64, turns []Turn) error {
	if b == nil || b.db == nil {
		return errors.New("sqlite conversation backend: db is nil")
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation backend: begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_turns WHERE user_id = ?`, userID); err != nil {
		return errors.Wrap(err, "sqlite conversation backend: clear turns")
	}
	now := time.Now().UnixMilli()
	for i, t := range turns {
		createdAtMs := now
		if !t.CreatedAt.IsZero() {
			createdAtMs = t.CreatedAt.UnixMilli()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_turns(user_id, ordinal, role, content, created_at_ms)
			VALUES(?, ?, ?, ?, ?)
		`, userID, i, t.Role.String(), t.Content, createdAtMs); err != nil {
			return errors.Wrap(err, "sqlite conversation backend: insert turn")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite conversation backend: commit tx")
	}
	committed = true
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, userID int64) error {
	if b == nil || b.db == nil {
		return errors.New("sqlite conversation backend: db is nil")
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM conversation_turns WHERE user_id = ?`, userID); err != nil {
		return errors.Wrap(err, "sqlite conversation backend: delete turns")
	}
	return nil
}

func (b *SQLiteBackend) Keys(ctx context.Context) ([]int64, error) {
	if b == nil || b.db == nil {
		return nil, errors.New("sqlite conversation backend: db is nil")
	}
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM conversation_turns`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite conversation backend: list users")
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
