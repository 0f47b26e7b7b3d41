package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/digkill/PresetStudio/internal/config"
	"github.com/digkill/PresetStudio/internal/models"
	"github.com/digkill/PresetStudio/internal/repository"
)

const (
	providerTelegram = "telegram"
	providerYooKassa = "yookassa"
	yooKassaAPIURL   = "https://api.yookassa.ru/v3/payments"
)

type PaymentStore interface {
	Create(ctx context.Context, payment *models.Payment) error
	UpdateStatus(ctx context.Context, paymentID int64, status string, payload string) error
	MarkPaid(ctx context.Context, paymentID int64, payload string) (bool, error)
	FindByProviderCharge(ctx context.Context, provider, chargeID string) (*models.Payment, error)
}

// PaymentService turns confirmed purchases into paid credits. Every provider
// notification is keyed by (provider, charge id) and credits at most once.
type PaymentService struct {
	cfg         config.Config
	log         *slog.Logger
	payments    PaymentStore
	ledger      *LedgerService
	plans       *PlanService
	client      *http.Client
	yooKassaURL string
}

func NewPaymentService(cfg config.Config, log *slog.Logger, payments PaymentStore, ledger *LedgerService, plans *PlanService) *PaymentService {
	return &PaymentService{
		cfg:      cfg,
		log:      log,
		payments: payments,
		ledger:   ledger,
		plans:    plans,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		yooKassaURL: yooKassaAPIURL,
	}
}

// FormatAmount renders minor units as a decimal price, e.g. 29900 -> "299.00".
func FormatAmount(minorUnits int) string {
	return decimal.New(int64(minorUnits), -2).StringFixed(2)
}

// SendInvoice sends payment link/invoice depending on configured provider.
func (s *PaymentService) SendInvoice(ctx context.Context, bot *tgbotapi.BotAPI, userID string, chatID int64) error {
	plan, err := s.plans.GetDefault(ctx)
	if err != nil {
		return fmt.Errorf("get default plan: %w", err)
	}
	if plan == nil {
		return fmt.Errorf("no active plan configured")
	}

	switch strings.ToLower(s.cfg.PaymentProvider) {
	case providerTelegram, "":
		return s.sendTelegramInvoice(plan, bot, chatID)
	case providerYooKassa:
		return s.sendYooKassaPayment(ctx, plan, bot, userID, chatID)
	default:
		return fmt.Errorf("unsupported payment provider: %s", s.cfg.PaymentProvider)
	}
}

func (s *PaymentService) sendTelegramInvoice(plan *models.Plan, bot *tgbotapi.BotAPI, chatID int64) error {
	prices := []tgbotapi.LabeledPrice{
		{
			Label:  fmt.Sprintf("%d generations", plan.Credits),
			Amount: plan.PriceMinorUnits,
		},
	}

	payload, _ := json.Marshal(map[string]any{
		"plan_id": plan.ID,
	})

	description := plan.Description
	if description == "" {
		description = "Generation credits top-up"
	}

	invoice := tgbotapi.NewInvoice(chatID,
		plan.Title,
		description,
		string(payload),
		s.cfg.TelegramPaymentProviderToken,
		"topup",
		plan.Currency,
		prices,
	)

	if _, err := bot.Send(invoice); err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}
	return nil
}

func (s *PaymentService) sendYooKassaPayment(ctx context.Context, plan *models.Plan, bot *tgbotapi.BotAPI, userID string, chatID int64) error {
	confirmURL, err := s.CreateYooKassaPayment(ctx, userID, plan)
	if err != nil {
		return err
	}

	text := fmt.Sprintf("Payment via YooKassa:\nPlan: %s\nAmount: %s %s\nPay here: %s\nCredits are added automatically once the payment succeeds.",
		plan.Title, FormatAmount(plan.PriceMinorUnits), plan.Currency, confirmURL)

	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("send payment link: %w", err)
	}
	return nil
}

// CreateYooKassaPayment opens a pending payment and returns the confirmation URL.
func (s *PaymentService) CreateYooKassaPayment(ctx context.Context, userID string, plan *models.Plan) (string, error) {
	payment, err := s.createYooKassaPayment(ctx, plan)
	if err != nil {
		return "", err
	}

	planID := plan.ID
	record := &models.Payment{
		UserID:         userID,
		PlanID:         &planID,
		Provider:       providerYooKassa,
		ProviderCharge: payment.ID,
		Currency:       plan.Currency,
		Amount:         plan.PriceMinorUnits,
		Status:         payment.Status,
		RawPayload:     string(jsonMustMarshal(payment)),
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return "", fmt.Errorf("record payment: %w", err)
	}
	return payment.Confirmation.URL, nil
}

func (s *PaymentService) HandlePreCheckout(bot *tgbotapi.BotAPI, query *tgbotapi.PreCheckoutQuery) error {
	response := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: query.ID,
		OK:                 true,
	}
	if _, err := bot.Request(response); err != nil {
		return fmt.Errorf("answer pre-checkout: %w", err)
	}
	return nil
}

// HandleSuccessfulPayment credits a Telegram purchase. Redelivered updates for
// the same charge id are acknowledged without a second grant.
func (s *PaymentService) HandleSuccessfulPayment(ctx context.Context, userID string, payment *tgbotapi.SuccessfulPayment) (bool, error) {
	var payload struct {
		PlanID int64 `json:"plan_id"`
	}
	if err := json.Unmarshal([]byte(payment.InvoicePayload), &payload); err != nil {
		return false, fmt.Errorf("parse payment payload: %w", err)
	}

	plan, err := s.planFromPayload(ctx, payload.PlanID)
	if err != nil {
		return false, err
	}
	if plan == nil {
		return false, fmt.Errorf("no plan available for payment recording")
	}

	planID := plan.ID
	record := &models.Payment{
		UserID:         userID,
		PlanID:         &planID,
		Provider:       providerTelegram,
		ProviderCharge: payment.ProviderPaymentChargeID,
		Currency:       payment.Currency,
		Amount:         payment.TotalAmount,
		Status:         "pending",
		RawPayload:     string(jsonMustMarshal(payment)),
	}
	if err := s.payments.Create(ctx, record); err != nil {
		if !errors.Is(err, repository.ErrDuplicatePayment) {
			return false, fmt.Errorf("record payment: %w", err)
		}
		existing, err := s.payments.FindByProviderCharge(ctx, providerTelegram, payment.ProviderPaymentChargeID)
		if err != nil {
			return false, fmt.Errorf("find payment: %w", err)
		}
		if existing == nil {
			return false, fmt.Errorf("payment vanished for charge %s", payment.ProviderPaymentChargeID)
		}
		record = existing
	}

	return s.settlePaid(ctx, record, plan.Credits, record.RawPayload)
}

// settlePaid flips the payment to paid and, only if this call won the flip,
// credits the user.
func (s *PaymentService) settlePaid(ctx context.Context, pmt *models.Payment, credits int, payload string) (bool, error) {
	won, err := s.payments.MarkPaid(ctx, pmt.ID, payload)
	if err != nil {
		return false, err
	}
	if !won {
		s.log.Info("payment already processed", "provider", pmt.Provider, "charge_id", pmt.ProviderCharge)
		return false, nil
	}
	if _, err := s.ledger.Credit(context.WithoutCancel(ctx), pmt.UserID, credits, pmt.Provider, pmt.ProviderCharge); err != nil {
		return false, fmt.Errorf("add paid credits: %w", err)
	}
	s.log.Info("payment credited", "provider", pmt.Provider, "charge_id", pmt.ProviderCharge, "user_id", pmt.UserID, "credits", credits)
	return true, nil
}

func (s *PaymentService) planFromPayload(ctx context.Context, planID int64) (*models.Plan, error) {
	var plan *models.Plan
	var err error
	if planID > 0 {
		plan, err = s.plans.GetByID(ctx, planID)
		if err != nil {
			return nil, fmt.Errorf("get plan: %w", err)
		}
	}
	if plan == nil {
		plan, err = s.plans.GetDefault(ctx)
		if err != nil {
			return nil, fmt.Errorf("fallback plan: %w", err)
		}
	}
	return plan, nil
}

type yooPaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		Type string `json:"type"`
		URL  string `json:"confirmation_url"`
	} `json:"confirmation"`
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

func (s *PaymentService) createYooKassaPayment(ctx context.Context, plan *models.Plan) (*yooPaymentResponse, error) {
	if s.cfg.YooKassaShopID == "" || s.cfg.YooKassaSecretKey == "" {
		return nil, fmt.Errorf("yookassa credentials are not configured")
	}

	returnURL := s.cfg.YooKassaReturnURL
	if returnURL == "" {
		returnURL = "https://t.me"
	}

	payload := map[string]any{
		"amount": map[string]string{
			"value":    FormatAmount(plan.PriceMinorUnits),
			"currency": plan.Currency,
		},
		"capture": true,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": returnURL,
		},
		"description": fmt.Sprintf("%s (%d credits)", plan.Title, plan.Credits),
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.yooKassaURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build yookassa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())
	req.SetBasicAuth(s.cfg.YooKassaShopID, s.cfg.YooKassaSecretKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yookassa request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("yookassa request: status=%d", resp.StatusCode)
	}
	var parsed yooPaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode yookassa response: %w", err)
	}
	if parsed.ID == "" || parsed.Confirmation.URL == "" {
		return nil, fmt.Errorf("invalid yookassa response (missing id or confirmation url)")
	}
	if parsed.Status == "" {
		parsed.Status = "pending"
	}
	return &parsed, nil
}

// HandleYooKassaWebhook processes payment status updates and credits the user.
func (s *PaymentService) HandleYooKassaWebhook(ctx context.Context, payload []byte) error {
	var evt struct {
		Event  string `json:"event"`
		Object struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Amount struct {
				Value    string `json:"value"`
				Currency string `json:"currency"`
			} `json:"amount"`
		} `json:"object"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("parse webhook: %w", err)
	}
	if evt.Object.ID == "" {
		return fmt.Errorf("webhook missing payment id")
	}

	pmt, err := s.payments.FindByProviderCharge(ctx, providerYooKassa, evt.Object.ID)
	if err != nil {
		return fmt.Errorf("find payment: %w", err)
	}
	if pmt == nil {
		return fmt.Errorf("payment not found for id=%s", evt.Object.ID)
	}
	if pmt.Status == "paid" {
		return nil
	}

	if evt.Object.Status != "succeeded" {
		if err := s.payments.UpdateStatus(ctx, pmt.ID, evt.Object.Status, string(payload)); err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		return nil
	}

	if evt.Object.Amount.Value != "" {
		paid, err := decimal.NewFromString(evt.Object.Amount.Value)
		if err != nil {
			return fmt.Errorf("parse webhook amount: %w", err)
		}
		if !paid.Equal(decimal.New(int64(pmt.Amount), -2)) {
			return fmt.Errorf("webhook amount %s does not match payment amount %s", paid.StringFixed(2), FormatAmount(pmt.Amount))
		}
	}
	if pmt.PlanID == nil {
		return fmt.Errorf("payment missing plan_id")
	}
	plan, err := s.plans.GetByID(ctx, *pmt.PlanID)
	if err != nil {
		return fmt.Errorf("get plan: %w", err)
	}
	if plan == nil {
		return fmt.Errorf("plan not found for payment")
	}
	_, err = s.settlePaid(ctx, pmt, plan.Credits, string(payload))
	return err
}

func jsonMustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
