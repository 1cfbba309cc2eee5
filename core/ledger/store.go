package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/davidahmann/skillgate/core/fsx"

	_ "modernc.org/sqlite"
)

// SealFunc encodes the next receipt line given the hash of the receipt it
// follows ("" for the first receipt in a store).
type SealFunc func(prevHash string) ([]byte, error)

// LocalStore is an append-only, insertion-ordered receipt store.
type LocalStore interface {
	Append(ctx context.Context, seal SealFunc) error
	Lines(ctx context.Context) ([][]byte, error)
}

// JSONLStore keeps one receipt per line. Appends from several processes are
// serialized by the lock file next to Path.
type JSONLStore struct {
	Path string
}

func NewJSONLStore(path string) (*JSONLStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	return &JSONLStore{Path: trimmed}, nil
}

func (s *JSONLStore) Append(ctx context.Context, seal SealFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fsx.AppendBuiltLineLocked(s.Path, func(lastLine []byte) ([]byte, error) {
		prevHash, err := receiptHashOf(lastLine)
		if err != nil {
			return nil, err
		}
		return seal(prevHash)
	}, 0o600)
}

func (s *JSONLStore) Lines(ctx context.Context) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fsx.ReadLines(s.Path)
}

// Tail reads the newest n lines backwards from the end of the file.
func (s *JSONLStore) Tail(ctx context.Context, n int) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fsx.ReadTail(s.Path, n)
}

func receiptHashOf(line []byte) (string, error) {
	if len(line) == 0 {
		return "", nil
	}
	var head struct {
		ReceiptHash string `json:"receipt_hash"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return "", fmt.Errorf("parse ledger tail: %w", err)
	}
	if head.ReceiptHash == "" {
		return "", fmt.Errorf("ledger tail has no receipt_hash")
	}
	return head.ReceiptHash, nil
}

// SQLiteStore keeps receipts in a single table ordered by seq.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLiteStore opens the ledger database at path. Writers from other
// processes are waited on for up to fsx.DefaultLockPolicy.Wait, the same
// bound the JSONL store applies to its lock file.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path, fsx.DefaultLockPolicy.Wait))
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	store, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// sqliteDSN sets a busy timeout on every pooled connection and starts
// transactions with BEGIN IMMEDIATE, so the tail read and the insert of one
// append happen under the write lock instead of failing on lock upgrade.
func sqliteDSN(path string, busyWait time.Duration) string {
	query := url.Values{}
	query.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyWait.Milliseconds()))
	query.Set("_txlock", "immediate")
	return "file:" + filepath.ToSlash(path) + "?" + query.Encode()
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate sqlite ledger: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS receipt_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		receipt_id TEXT NOT NULL,
		receipt_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, seal SealFunc) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var prevHash string
	row := tx.QueryRowContext(ctx, `SELECT receipt_hash FROM receipt_log ORDER BY seq DESC LIMIT 1`)
	if scanErr := row.Scan(&prevHash); scanErr != nil && !stderrors.Is(scanErr, sql.ErrNoRows) {
		return fmt.Errorf("read ledger tail: %w", scanErr)
	}

	line, err := seal(prevHash)
	if err != nil {
		return err
	}
	var head struct {
		ReceiptID   string `json:"receipt_id"`
		ReceiptHash string `json:"receipt_hash"`
	}
	if err = json.Unmarshal(line, &head); err != nil {
		return fmt.Errorf("parse sealed receipt: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO receipt_log (receipt_id, receipt_hash, prev_hash, body) VALUES (?, ?, ?, ?)`,
		head.ReceiptID, head.ReceiptHash, prevHash, string(line),
	); err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Lines(ctx context.Context) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM receipt_log ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	lines := make([][]byte, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		lines = append(lines, []byte(body))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}
	return lines, nil
}

func (s *SQLiteStore) Tail(ctx context.Context, n int) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM receipt_log ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query receipt tail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var lines [][]byte
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		lines = append(lines, []byte(body))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipt tail: %w", err)
	}
	return lines, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
