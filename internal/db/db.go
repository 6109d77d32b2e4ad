package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Sentinel errors shared by all repository methods. Callers compare with
// errors.Is / errors.As rather than matching message strings.
var (
	ErrNotFound = errors.New("not found")

	// ErrLedgerConflict means an idempotency key was reused with a different
	// amount or reason. That is a programming error, never absorbed silently.
	ErrLedgerConflict = errors.New("ledger idempotency key conflict")
)

// InsufficientBalanceError is returned when a debit would overdraw the
// user's token balance. It carries both sides so the API can report them.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", e.Required, e.Available)
}

type DB struct {
	*sql.DB
}

func New(databaseURL string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{sqlDB}, nil
}
