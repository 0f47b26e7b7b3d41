package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/PresetStudio/internal/models"
)

// LedgerService owns every credit mutation. It does not deduplicate grants;
// callers pass a reference that is unique per external transaction.
type LedgerService struct {
	accounts AccountStore
	log      *slog.Logger
	now      func() time.Time
}

func NewLedgerService(accounts AccountStore, log *slog.Logger) *LedgerService {
	return &LedgerService{accounts: accounts, log: log, now: time.Now}
}

// GetBalance never fails for an unknown user: it reports the starting grant.
func (s *LedgerService) GetBalance(ctx context.Context, userID string) (models.Balance, error) {
	acc, err := s.accounts.Get(ctx, userID)
	if err != nil {
		return models.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	if acc == nil {
		return models.Balance{Free: s.accounts.StartingFree()}, nil
	}
	return models.Balance{Free: acc.FreeCredits, Paid: acc.PaidCredits, Lifetime: acc.LifetimeGenerations}, nil
}

// TryDebitOne spends one credit. An empty account yields ErrInsufficientCredits
// with no side effects.
func (s *LedgerService) TryDebitOne(ctx context.Context, userID, presetID string) (models.DebitResult, error) {
	res, err := s.accounts.TryDebitOne(ctx, userID, presetID, s.now().UTC())
	if err != nil {
		return models.DebitResult{}, fmt.Errorf("debit credit: %w", err)
	}
	if !res.OK {
		return res, ErrInsufficientCredits
	}
	s.audit(ctx, models.CreditTransaction{
		UserID:    userID,
		Kind:      models.TransactionDebit,
		Bucket:    res.Bucket(),
		Amount:    1,
		Source:    "reservation",
		Reference: presetID,
	})
	return res, nil
}

// Credit adds purchased credits.
func (s *LedgerService) Credit(ctx context.Context, userID string, amount int, source, reference string) (models.Balance, error) {
	return s.add(ctx, userID, models.BucketPaid, models.TransactionCredit, amount, source, reference)
}

// GrantFree adds promotional credits.
func (s *LedgerService) GrantFree(ctx context.Context, userID string, amount int, source, reference string) (models.Balance, error) {
	return s.add(ctx, userID, models.BucketFree, models.TransactionGrant, amount, source, reference)
}

func (s *LedgerService) add(ctx context.Context, userID string, bucket models.CreditBucket, kind models.TransactionKind, amount int, source, reference string) (models.Balance, error) {
	if userID == "" || amount <= 0 {
		return models.Balance{}, fmt.Errorf("%w: user and positive amount required", ErrInvalidInput)
	}
	if err := s.accounts.AddCredits(ctx, userID, bucket, amount); err != nil {
		return models.Balance{}, fmt.Errorf("add credits: %w", err)
	}
	s.audit(ctx, models.CreditTransaction{
		UserID:    userID,
		Kind:      kind,
		Bucket:    bucket,
		Amount:    amount,
		Source:    source,
		Reference: reference,
	})
	return s.GetBalance(ctx, userID)
}

// Refund returns a reserved credit to the bucket it came from.
func (s *LedgerService) Refund(ctx context.Context, userID string, bucket models.CreditBucket, source, reference string) error {
	if err := s.accounts.Refund(ctx, userID, bucket); err != nil {
		return fmt.Errorf("refund credit: %w", err)
	}
	s.audit(ctx, models.CreditTransaction{
		UserID:    userID,
		Kind:      models.TransactionRefund,
		Bucket:    bucket,
		Amount:    1,
		Source:    source,
		Reference: reference,
	})
	return nil
}

// RecordGrant logs a grant applied outside the ledger, e.g. inside the promo
// redemption transaction.
func (s *LedgerService) RecordGrant(ctx context.Context, userID string, amount int, source, reference string) {
	s.audit(ctx, models.CreditTransaction{
		UserID:    userID,
		Kind:      models.TransactionGrant,
		Bucket:    models.BucketFree,
		Amount:    amount,
		Source:    source,
		Reference: reference,
	})
}

func (s *LedgerService) StartingFree() int {
	return s.accounts.StartingFree()
}

func (s *LedgerService) audit(ctx context.Context, tx models.CreditTransaction) {
	if err := s.accounts.RecordTransaction(context.WithoutCancel(ctx), &tx); err != nil {
		s.log.Warn("failed to record credit transaction", "user_id", tx.UserID, "kind", tx.Kind, "err", err)
	}
}
