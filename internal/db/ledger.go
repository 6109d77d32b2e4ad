package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/reelmint/reelmint/internal/models"
)

// applyEntryTx writes one ledger entry and moves the cached balance inside
// an open transaction. It is the only code path that touches token_balance.
//
// The user row is locked first so concurrent debits serialize per user and
// never both pass the balance check against a stale read. Idempotency is
// enforced by the unique index on idempotency_key: a duplicate key with the
// same delta and reason is absorbed as a no-op, a duplicate key with a
// different delta or reason fails with ErrLedgerConflict.
//
// Ordering matters: the replay check runs before the overdraft guard. A
// retried debit whose first application already drained the balance must
// be absorbed as a no-op, not rejected for the funds it already spent.
func applyEntryTx(ctx context.Context, tx *sql.Tx, entry *models.LedgerEntry) error {
	var balance int64
	err := tx.QueryRowContext(ctx,
		`SELECT token_balance FROM users WHERE id = $1 FOR UPDATE`,
		entry.UserID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock user balance: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, delta, reason, video_id, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, entry.ID, entry.UserID, entry.Delta, entry.Reason, entry.VideoID, entry.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rows == 0 {
		// Key already used — verify the retried write matches the original.
		var existingDelta int64
		var existingReason models.LedgerReason
		err := tx.QueryRowContext(ctx,
			`SELECT delta, reason FROM ledger_entries WHERE idempotency_key = $1`,
			entry.IdempotencyKey,
		).Scan(&existingDelta, &existingReason)
		if err != nil {
			return fmt.Errorf("failed to read existing ledger entry: %w", err)
		}
		if existingDelta != entry.Delta || existingReason != entry.Reason {
			return fmt.Errorf("%w: key %s has delta=%d reason=%s, retried with delta=%d reason=%s",
				ErrLedgerConflict, entry.IdempotencyKey, existingDelta, existingReason, entry.Delta, entry.Reason)
		}
		return nil // already applied, balance untouched
	}

	// Only a genuinely new debit is checked against the balance. Returning
	// the error rolls the transaction back, insert included.
	if entry.Delta < 0 && balance+entry.Delta < 0 {
		return &InsufficientBalanceError{Required: -entry.Delta, Available: balance}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET token_balance = token_balance + $1, updated_at = NOW() WHERE id = $2`,
		entry.Delta, entry.UserID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	return nil
}

// ApplyEntry records a single debit or credit in its own transaction.
// Safe to retry: the idempotency key guarantees at-most-once application.
func (db *DB) ApplyEntry(ctx context.Context, entry *models.LedgerEntry) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := applyEntryTx(ctx, tx, entry); err != nil {
		return err
	}

	return tx.Commit()
}

// SubmitVideo is the admission transaction: insert the video row in queued
// state, debit the user, and decrement the cached balance — all or nothing.
// The debit key is derived from the video ID, so retrying the whole
// transaction after a commit-then-crash cannot double charge.
func (db *DB) SubmitVideo(ctx context.Context, video *models.Video, cost int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO videos (
			id, user_id, topic, style, duration_seconds,
			status, preview_requested, cost_charged
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, video.ID, video.UserID, video.Topic, video.Style, video.DurationSeconds,
		video.Status, video.PreviewRequested, cost,
	).Scan(&video.CreatedAt, &video.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert video: %w", err)
	}
	video.CostCharged = cost

	entry := &models.LedgerEntry{
		ID:             uuid.New(),
		UserID:         video.UserID,
		Delta:          -cost,
		Reason:         models.ReasonVideoCharge,
		VideoID:        &video.ID,
		IdempotencyKey: fmt.Sprintf("charge:%s", video.ID),
	}
	if err := applyEntryTx(ctx, tx, entry); err != nil {
		return err
	}

	return tx.Commit()
}

// BalanceOf reads the cached balance.
func (db *DB) BalanceOf(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := db.QueryRowContext(ctx,
		`SELECT token_balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// LedgerSum recomputes the balance from the entries. Any difference from
// BalanceOf is a bug; the reconciliation sweep logs it loudly.
func (db *DB) LedgerSum(ctx context.Context, userID uuid.UUID) (int64, error) {
	var sum int64
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE user_id = $1`,
		userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return sum, nil
}

// ListLedgerEntries returns a user's ledger history, newest first.
func (db *DB) ListLedgerEntries(ctx context.Context, userID uuid.UUID, limit int) ([]models.LedgerEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, delta, reason, video_id, idempotency_key, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Delta, &e.Reason,
			&e.VideoID, &e.IdempotencyKey, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
