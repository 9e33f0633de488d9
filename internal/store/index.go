package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/ledger/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on command_claims.command_id
const currentSchemaVersion = 1

// ClaimState is the result of trying to claim an idempotency key.
type ClaimState int

const (
	// ClaimProceed means the caller now holds the claim and must Complete or Release it.
	ClaimProceed ClaimState = iota
	// ClaimInFlight means another execution holds the claim.
	ClaimInFlight
	// ClaimDuplicate means a terminal outcome already exists; Claim.Outcome holds it.
	ClaimDuplicate
)

// String returns the state name used in logs and traces.
func (s ClaimState) String() string {
	switch s {
	case ClaimProceed:
		return "proceed"
	case ClaimInFlight:
		return "in_flight"
	case ClaimDuplicate:
		return "duplicate"
	}
	return fmt.Sprintf("ClaimState(%d)", int(s))
}

// Claim is the answer to a claim attempt.
type Claim struct {
	State ClaimState

	// CommandID is the command that holds (or completed) the claim.
	CommandID string

	// Outcome is set when State is ClaimDuplicate.
	Outcome *ir.CommandOutcome
}

// Index provides durable idempotency claims in SQLite.
// Uses WAL mode; a single connection serializes all writers.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithIndexLogger sets the logger used for open-time recovery messages.
func WithIndexLogger(l *slog.Logger) IndexOption {
	return func(ix *Index) {
		ix.logger = l
	}
}

// OpenIndex creates or opens a SQLite claim index at the given path.
// Applies required pragmas and migrations automatically.
//
// Claims left in progress by a previous process are released on open: the
// data directory has a single writer, so any in-progress claim found at
// startup belongs to an execution that can no longer complete.
//
// This function is idempotent - safe to call multiple times.
func OpenIndex(path string, opts ...IndexOption) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	ix := &Index{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(ix)
	}

	res, err := db.Exec(`DELETE FROM command_claims WHERE state = 'in_progress'`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("release stale claims: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		ix.logger.Warn("released stale idempotency claims", "count", n, "path", path)
	}

	return ix, nil
}

// Close closes the database connection.
func (ix *Index) Close() error {
	if ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(`
			CREATE INDEX IF NOT EXISTS idx_command_claims_command_id
			ON command_claims(command_id)
		`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Claim atomically checks and marks (idempotencyKey, scopeKey) as starting.
//
// Uses a transaction to make insert-or-select atomic: INSERT ... ON CONFLICT
// DO NOTHING, and when no row was inserted, SELECT the existing claim to see
// whether it is in flight or completed.
func (ix *Index) Claim(ctx context.Context, idempotencyKey, scopeKey, commandID string) (Claim, error) {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return Claim{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO command_claims
		(idempotency_key, scope_key, command_id, state, claimed_at)
		VALUES (?, ?, ?, 'in_progress', ?)
		ON CONFLICT(idempotency_key, scope_key) DO NOTHING
	`,
		idempotencyKey,
		scopeKey,
		commandID,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Claim{}, fmt.Errorf("claim: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return Claim{}, fmt.Errorf("claim: rows affected: %w", err)
	}

	claim := Claim{State: ClaimProceed, CommandID: commandID}
	if rowsAffected == 0 {
		var (
			holder  string
			state   string
			outcome sql.NullString
		)
		err := tx.QueryRowContext(ctx, `
			SELECT command_id, state, outcome FROM command_claims
			WHERE idempotency_key = ? AND scope_key = ?
		`, idempotencyKey, scopeKey).Scan(&holder, &state, &outcome)
		if err != nil {
			return Claim{}, fmt.Errorf("claim: select existing: %w", err)
		}

		claim.CommandID = holder
		switch state {
		case "in_progress":
			claim.State = ClaimInFlight
		case "completed":
			if !outcome.Valid {
				return Claim{}, fmt.Errorf("claim: completed claim %s/%s has no outcome", idempotencyKey, scopeKey)
			}
			out, err := unmarshalOutcome(outcome.String)
			if err != nil {
				return Claim{}, fmt.Errorf("claim: %w", err)
			}
			claim.State = ClaimDuplicate
			claim.Outcome = &out
		default:
			return Claim{}, fmt.Errorf("claim: unknown state %q", state)
		}
	}

	if err := tx.Commit(); err != nil {
		return Claim{}, fmt.Errorf("claim: commit: %w", err)
	}
	return claim, nil
}

// Complete records the terminal outcome for a claim held by outcome.CommandID.
// Completing a claim that is not held by that command is an error.
func (ix *Index) Complete(ctx context.Context, idempotencyKey, scopeKey string, outcome ir.CommandOutcome) error {
	data, err := marshalOutcome(outcome)
	if err != nil {
		return fmt.Errorf("complete claim: %w", err)
	}
	completedAt := time.Now().UTC()
	if outcome.CompletedAt != nil {
		completedAt = outcome.CompletedAt.UTC()
	}

	res, err := ix.db.ExecContext(ctx, `
		UPDATE command_claims
		SET state = 'completed', outcome = ?, completed_at = ?
		WHERE idempotency_key = ? AND scope_key = ? AND command_id = ? AND state = 'in_progress'
	`,
		data,
		completedAt.Format(time.RFC3339Nano),
		idempotencyKey,
		scopeKey,
		outcome.CommandID,
	)
	if err != nil {
		return fmt.Errorf("complete claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete claim: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("complete claim %s/%s: %w", idempotencyKey, scopeKey, ErrNotFound)
	}
	return nil
}

// Release drops an in-progress claim held by commandID so a retry can proceed.
// Releasing a claim that is not held is a no-op.
func (ix *Index) Release(ctx context.Context, idempotencyKey, scopeKey, commandID string) error {
	_, err := ix.db.ExecContext(ctx, `
		DELETE FROM command_claims
		WHERE idempotency_key = ? AND scope_key = ? AND command_id = ? AND state = 'in_progress'
	`, idempotencyKey, scopeKey, commandID)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// Lookup returns the terminal outcome recorded for a key, or ErrNotFound.
func (ix *Index) Lookup(ctx context.Context, idempotencyKey, scopeKey string) (ir.CommandOutcome, error) {
	var outcome sql.NullString
	err := ix.db.QueryRowContext(ctx, `
		SELECT outcome FROM command_claims
		WHERE idempotency_key = ? AND scope_key = ? AND state = 'completed'
	`, idempotencyKey, scopeKey).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !outcome.Valid) {
		return ir.CommandOutcome{}, ErrNotFound
	}
	if err != nil {
		return ir.CommandOutcome{}, fmt.Errorf("lookup claim: %w", err)
	}
	return unmarshalOutcome(outcome.String)
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (ix *Index) verifyPragma(name, expected string) error {
	var value string
	if err := ix.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
