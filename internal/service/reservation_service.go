package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/PresetStudio/internal/catalog"
	"github.com/digkill/PresetStudio/internal/config"
	"github.com/digkill/PresetStudio/internal/models"
)

type ReserveRequest struct {
	UserID             string
	PresetID           string
	StyleID            string
	SourceImageRef     string
	ExpectedImageCount int
}

type Reservation struct {
	SessionID          string    `json:"sessionId"`
	GenerationRecordID string    `json:"generationRecordId"`
	IsFree             bool      `json:"isFree"`
	ExpectedImageCount int       `json:"expectedImageCount"`
	ExpiresAt          time.Time `json:"expiresAt"`
}

// ReservationService debits one credit and opens the session for a batch.
type ReservationService struct {
	cfg      config.Config
	log      *slog.Logger
	ledger   *LedgerService
	sessions SessionStore
	records  RecordStore
	catalog  *catalog.Catalog
	now      func() time.Time
}

func NewReservationService(cfg config.Config, log *slog.Logger, ledger *LedgerService, sessions SessionStore, records RecordStore, cat *catalog.Catalog) *ReservationService {
	return &ReservationService{
		cfg:      cfg,
		log:      log,
		ledger:   ledger,
		sessions: sessions,
		records:  records,
		catalog:  cat,
		now:      time.Now,
	}
}

func (s *ReservationService) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	count, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	debit, err := s.ledger.TryDebitOne(ctx, req.UserID, req.PresetID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rec := &models.GenerationRecord{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		PresetID:  req.PresetID,
		StyleID:   req.StyleID,
		Status:    models.RecordInProgress,
		CreatedAt: now,
	}
	if err := s.records.Create(ctx, rec, count); err != nil {
		s.compensate(ctx, req.UserID, debit, "")
		return nil, fmt.Errorf("create generation record: %w", err)
	}

	sess := &models.GenerationSession{
		ID:                 uuid.NewString(),
		UserID:             req.UserID,
		PresetID:           req.PresetID,
		StyleID:            req.StyleID,
		SourceImageRef:     req.SourceImageRef,
		ExpectedImageCount: count,
		IsFreeGeneration:   debit.WasFree,
		GenerationRecordID: rec.ID,
		CreatedAt:          now,
		ExpiresAt:          now.Add(s.cfg.SessionTTL),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		s.compensate(ctx, req.UserID, debit, rec.ID)
		return nil, fmt.Errorf("create generation session: %w", err)
	}

	s.log.Info("batch reserved", "user_id", req.UserID, "session_id", sess.ID, "record_id", rec.ID, "free", debit.WasFree, "expected", count)
	return &Reservation{
		SessionID:          sess.ID,
		GenerationRecordID: rec.ID,
		IsFree:             debit.WasFree,
		ExpectedImageCount: count,
		ExpiresAt:          sess.ExpiresAt,
	}, nil
}

func (s *ReservationService) validate(req ReserveRequest) (int, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.SourceImageRef) == "" {
		return 0, fmt.Errorf("%w: source image is required", ErrInvalidInput)
	}
	count := req.ExpectedImageCount
	if count == 0 {
		count = s.cfg.ImagesPerBatch
	}
	if count < 1 || count > s.cfg.MaxImagesPerBatch {
		return 0, fmt.Errorf("%w: expected image count must be within 1..%d", ErrInvalidInput, s.cfg.MaxImagesPerBatch)
	}
	if _, ok := s.catalog.Lookup(req.PresetID, req.StyleID); !ok {
		return 0, fmt.Errorf("%w: unknown preset %q or style %q", ErrInvalidInput, req.PresetID, req.StyleID)
	}
	return count, nil
}

// compensate restores the debited credit when the batch could not be opened.
func (s *ReservationService) compensate(ctx context.Context, userID string, debit models.DebitResult, recordID string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.ledger.Refund(ctx, userID, debit.Bucket(), "reservation_rollback", recordID); err != nil {
		s.log.Error("failed to refund after reservation failure", "user_id", userID, "bucket", debit.Bucket(), "err", err)
	}
	if recordID == "" {
		return
	}
	if err := s.records.Delete(ctx, recordID); err != nil {
		s.log.Warn("failed to delete orphan generation record", "record_id", recordID, "err", err)
	}
}
