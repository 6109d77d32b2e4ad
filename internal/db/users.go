package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/reelmint/reelmint/internal/models"
)

// GetUser retrieves a user by ID.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `
		SELECT id, email, plan, token_balance, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	user := &models.User{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.Email, &user.Plan, &user.TokenBalance,
		&user.CreatedAt, &user.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// EnsureUser creates the local user record on first sight of a verified
// identity, granting the signup token balance through the ledger in the
// same transaction. Subsequent calls only refresh the email and report
// whether the user already existed.
func (db *DB) EnsureUser(ctx context.Context, id uuid.UUID, email string, signupGrant int64) (*models.User, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	user := &models.User{ID: id, Email: email, Plan: "free"}
	var inserted bool
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (id, email, plan, token_balance)
		VALUES ($1, $2, 'free', 0)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			updated_at = NOW()
		RETURNING plan, token_balance, created_at, updated_at, (xmax = 0)
	`, id, email).Scan(&user.Plan, &user.TokenBalance, &user.CreatedAt, &user.UpdatedAt, &inserted)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	if inserted && signupGrant > 0 {
		entry := &models.LedgerEntry{
			ID:             uuid.New(),
			UserID:         id,
			Delta:          signupGrant,
			Reason:         models.ReasonSignupGrant,
			IdempotencyKey: fmt.Sprintf("signup:%s", id),
		}
		if err := applyEntryTx(ctx, tx, entry); err != nil {
			return nil, fmt.Errorf("failed to apply signup grant: %w", err)
		}
		user.TokenBalance += signupGrant
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit user upsert: %w", err)
	}

	return user, nil
}

// UpdateUserPlan sets the user's plan tier. Token grants that accompany a
// plan change are ledgered separately via ApplyEntry.
func (db *DB) UpdateUserPlan(ctx context.Context, id uuid.UUID, plan string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE users SET plan = $1, updated_at = NOW() WHERE id = $2`, plan, id)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
