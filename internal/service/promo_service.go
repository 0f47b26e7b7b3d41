package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/digkill/PresetStudio/internal/models"
)

type PromoStore interface {
	List(ctx context.Context) ([]models.PromoCode, error)
	GetByID(ctx context.Context, id int64) (*models.PromoCode, error)
	Create(ctx context.Context, promo *models.PromoCode) (*models.PromoCode, error)
	Update(ctx context.Context, promo *models.PromoCode) (*models.PromoCode, error)
	Delete(ctx context.Context, id int64) error
	Redeem(ctx context.Context, userID, code string, bonus, startingFree int) (*models.PromoCode, error)
}

// PromoService grants free credits for promo codes, once per user per code.
type PromoService struct {
	log    *slog.Logger
	promos PromoStore
	ledger *LedgerService
	bonus  int
}

func NewPromoService(log *slog.Logger, promos PromoStore, ledger *LedgerService, bonus int) *PromoService {
	return &PromoService{log: log, promos: promos, ledger: ledger, bonus: bonus}
}

// Apply redeems code for userID and returns the balance after the grant.
func (s *PromoService) Apply(ctx context.Context, userID, code string) (models.Balance, error) {
	code = strings.TrimSpace(code)
	if userID == "" || code == "" {
		return models.Balance{}, fmt.Errorf("%w: user and code are required", ErrInvalidInput)
	}

	promo, err := s.promos.Redeem(ctx, userID, code, s.bonus, s.ledger.StartingFree())
	if err != nil {
		return models.Balance{}, err
	}
	s.ledger.RecordGrant(ctx, userID, s.bonus, "promo", promo.Code)
	s.log.Info("promo redeemed", "user_id", userID, "code", promo.Code, "uses", promo.Uses, "max_uses", promo.MaxUses)
	return s.ledger.GetBalance(ctx, userID)
}

func (s *PromoService) List(ctx context.Context) ([]models.PromoCode, error) {
	return s.promos.List(ctx)
}

func (s *PromoService) Create(ctx context.Context, code string, maxUses int) (*models.PromoCode, error) {
	code = strings.TrimSpace(code)
	if code == "" || maxUses <= 0 {
		return nil, fmt.Errorf("%w: code and positive max_uses required", ErrInvalidInput)
	}
	return s.promos.Create(ctx, &models.PromoCode{Code: code, MaxUses: maxUses})
}

func (s *PromoService) GetByID(ctx context.Context, id int64) (*models.PromoCode, error) {
	return s.promos.GetByID(ctx, id)
}

func (s *PromoService) Update(ctx context.Context, id int64, code string, maxUses, uses int) (*models.PromoCode, error) {
	if strings.TrimSpace(code) == "" || maxUses <= 0 || uses < 0 || uses > maxUses {
		return nil, fmt.Errorf("%w: code, max_uses and uses out of range", ErrInvalidInput)
	}
	return s.promos.Update(ctx, &models.PromoCode{ID: id, Code: strings.TrimSpace(code), MaxUses: maxUses, Uses: uses})
}

func (s *PromoService) Delete(ctx context.Context, id int64) error {
	return s.promos.Delete(ctx, id)
}
