package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/PresetStudio/internal/models"
)

// fakePromos applies a redemption to the shared fake accounts the way the SQL
// transaction does.
type fakePromos struct {
	mu       sync.Mutex
	codes    map[string]*models.PromoCode
	redeemed map[string]bool
	accounts *fakeAccounts
}

func (f *fakePromos) List(context.Context) ([]models.PromoCode, error) { return nil, nil }

func (f *fakePromos) GetByID(_ context.Context, id int64) (*models.PromoCode, error) {
	for _, p := range f.codes {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakePromos) Create(_ context.Context, p *models.PromoCode) (*models.PromoCode, error) {
	p.ID = int64(len(f.codes) + 1)
	f.codes[p.Code] = p
	return p, nil
}

func (f *fakePromos) Update(_ context.Context, p *models.PromoCode) (*models.PromoCode, error) {
	return p, nil
}

func (f *fakePromos) Delete(context.Context, int64) error { return nil }

func (f *fakePromos) Redeem(ctx context.Context, userID, code string, bonus, _ int) (*models.PromoCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	promo, ok := f.codes[code]
	if !ok {
		return nil, ErrPromoInvalid
	}
	if promo.Uses >= promo.MaxUses {
		return nil, ErrPromoExhausted
	}
	key := userID + "|" + code
	if f.redeemed[key] {
		return nil, ErrPromoAlreadyRedeemed
	}
	f.redeemed[key] = true
	promo.Uses++
	if err := f.accounts.AddCredits(ctx, userID, models.BucketFree, bonus); err != nil {
		return nil, err
	}
	cp := *promo
	return &cp, nil
}

func TestPromoApply(t *testing.T) {
	accounts := newFakeAccounts(1)
	ledger := NewLedgerService(accounts, discardLogger())
	store := &fakePromos{codes: map[string]*models.PromoCode{}, redeemed: map[string]bool{}, accounts: accounts}
	svc := NewPromoService(discardLogger(), store, ledger, 3)
	ctx := context.Background()

	_, err := svc.Create(ctx, "SPRING", 2)
	require.NoError(t, err)

	bal, err := svc.Apply(ctx, "alice", " SPRING ")
	require.NoError(t, err)
	assert.Equal(t, 4, bal.Free)

	_, err = svc.Apply(ctx, "alice", "SPRING")
	require.ErrorIs(t, err, ErrPromoAlreadyRedeemed)
	assert.Equal(t, "PROMO_REJECTED", Code(err))

	_, err = svc.Apply(ctx, "bob", "SPRING")
	require.NoError(t, err)
	_, err = svc.Apply(ctx, "carol", "SPRING")
	require.ErrorIs(t, err, ErrPromoExhausted)

	_, err = svc.Apply(ctx, "carol", "WINTER")
	require.ErrorIs(t, err, ErrPromoInvalid)

	_, err = svc.Apply(ctx, "carol", "")
	require.ErrorIs(t, err, ErrInvalidInput)

	grants := 0
	for _, tx := range accounts.txs {
		if tx.Kind == models.TransactionGrant && tx.Source == "promo" {
			grants++
		}
	}
	assert.Equal(t, 2, grants)
}
