package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/PresetStudio/internal/models"
)

type AccountRepository struct {
	db           *sql.DB
	startingFree int
}

func NewAccountRepository(db *sql.DB, startingFree int) *AccountRepository {
	return &AccountRepository{db: db, startingFree: startingFree}
}

func (r *AccountRepository) DB() *sql.DB {
	return r.db
}

// StartingFree is the grant a freshly created account receives.
func (r *AccountRepository) StartingFree() int {
	return r.startingFree
}

func (r *AccountRepository) Get(ctx context.Context, userID string) (*models.CreditAccount, error) {
	const query = `
SELECT user_id, free_credits, paid_credits, lifetime_generations, last_generation_at, COALESCE(last_preset_id, ''), created_at, updated_at
FROM credit_accounts WHERE user_id = ?`
	row := r.db.QueryRowContext(ctx, query, userID)
	var a models.CreditAccount
	var lastGen sql.NullTime
	if err := row.Scan(&a.UserID, &a.FreeCredits, &a.PaidCredits, &a.LifetimeGenerations, &lastGen, &a.LastPresetID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan credit account: %w", err)
	}
	if lastGen.Valid {
		a.LastGenerationAt = &lastGen.Time
	}
	return &a, nil
}

// Ensure creates the account with the starting grant if it does not exist yet.
func (r *AccountRepository) Ensure(ctx context.Context, userID string) error {
	const query = `INSERT IGNORE INTO credit_accounts (user_id, free_credits, paid_credits) VALUES (?, ?, 0)`
	if _, err := r.db.ExecContext(ctx, query, userID, r.startingFree); err != nil {
		return fmt.Errorf("ensure credit account: %w", err)
	}
	return nil
}

// TryDebitOne spends one credit, free before paid. Each bucket is a single
// conditional UPDATE so concurrent callers can never drive a balance negative.
func (r *AccountRepository) TryDebitOne(ctx context.Context, userID, presetID string, now time.Time) (models.DebitResult, error) {
	if err := r.Ensure(ctx, userID); err != nil {
		return models.DebitResult{}, err
	}

	const freeQuery = `
UPDATE credit_accounts
SET free_credits = free_credits - 1, lifetime_generations = lifetime_generations + 1, last_generation_at = ?, last_preset_id = ?
WHERE user_id = ? AND free_credits > 0`
	ok, err := r.conditionalDebit(ctx, freeQuery, userID, presetID, now)
	if err != nil {
		return models.DebitResult{}, fmt.Errorf("debit free credit: %w", err)
	}
	if ok {
		return models.DebitResult{OK: true, WasFree: true}, nil
	}

	const paidQuery = `
UPDATE credit_accounts
SET paid_credits = paid_credits - 1, lifetime_generations = lifetime_generations + 1, last_generation_at = ?, last_preset_id = ?
WHERE user_id = ? AND paid_credits > 0`
	ok, err = r.conditionalDebit(ctx, paidQuery, userID, presetID, now)
	if err != nil {
		return models.DebitResult{}, fmt.Errorf("debit paid credit: %w", err)
	}
	return models.DebitResult{OK: ok}, nil
}

func (r *AccountRepository) conditionalDebit(ctx context.Context, query, userID, presetID string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, now, presetID, userID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// AddCredits increases a bucket, creating the account first when needed.
func (r *AccountRepository) AddCredits(ctx context.Context, userID string, bucket models.CreditBucket, amount int) error {
	if err := r.Ensure(ctx, userID); err != nil {
		return err
	}
	query := `UPDATE credit_accounts SET paid_credits = paid_credits + ? WHERE user_id = ?`
	if bucket == models.BucketFree {
		query = `UPDATE credit_accounts SET free_credits = free_credits + ? WHERE user_id = ?`
	}
	if _, err := r.db.ExecContext(ctx, query, amount, userID); err != nil {
		return fmt.Errorf("add %s credits: %w", bucket, err)
	}
	return nil
}

// Refund returns one credit to the bucket it was taken from and rolls back the
// lifetime counter.
func (r *AccountRepository) Refund(ctx context.Context, userID string, bucket models.CreditBucket) error {
	query := `
UPDATE credit_accounts
SET paid_credits = paid_credits + 1, lifetime_generations = GREATEST(lifetime_generations - 1, 0)
WHERE user_id = ?`
	if bucket == models.BucketFree {
		query = `
UPDATE credit_accounts
SET free_credits = free_credits + 1, lifetime_generations = GREATEST(lifetime_generations - 1, 0)
WHERE user_id = ?`
	}
	res, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("refund credit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("refund rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("refund credit: account %s not found", userID)
	}
	return nil
}

func (r *AccountRepository) RecordTransaction(ctx context.Context, tx *models.CreditTransaction) error {
	const query = `
INSERT INTO credit_transactions (user_id, kind, bucket, amount, source, reference)
VALUES (?, ?, ?, ?, ?, NULLIF(?, ''))`
	res, err := r.db.ExecContext(ctx, query, tx.UserID, tx.Kind, tx.Bucket, tx.Amount, tx.Source, tx.Reference)
	if err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("credit transaction last insert id: %w", err)
	}
	tx.ID = id
	return nil
}

func (r *AccountRepository) ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	const query = `
SELECT id, user_id, kind, bucket, amount, source, COALESCE(reference, ''), created_at
FROM credit_transactions WHERE user_id = ?
ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Kind, &t.Bucket, &t.Amount, &t.Source, &t.Reference, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
