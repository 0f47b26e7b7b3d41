package service

import (
	"context"
	"time"

	"github.com/digkill/PresetStudio/internal/kie"
	"github.com/digkill/PresetStudio/internal/models"
)

type AccountStore interface {
	Get(ctx context.Context, userID string) (*models.CreditAccount, error)
	TryDebitOne(ctx context.Context, userID, presetID string, now time.Time) (models.DebitResult, error)
	AddCredits(ctx context.Context, userID string, bucket models.CreditBucket, amount int) error
	Refund(ctx context.Context, userID string, bucket models.CreditBucket) error
	RecordTransaction(ctx context.Context, tx *models.CreditTransaction) error
	StartingFree() int
}

// SessionStore is satisfied by both the MySQL and the Redis session repositories.
type SessionStore interface {
	Create(ctx context.Context, s *models.GenerationSession) error
	Get(ctx context.Context, id string) (*models.GenerationSession, error)
	ClaimSlot(ctx context.Context, sessionID string, index int, token string, leaseUntil, now time.Time) (models.SlotClaim, error)
	ReleaseSlot(ctx context.Context, sessionID string, index int, token string) error
	CompleteSlot(ctx context.Context, sessionID string, index int, token string, result models.SlotResult, now time.Time) (int, error)
	ListExpiredUnsettled(ctx context.Context, now time.Time, limit int) ([]models.GenerationSession, error)
	MarkSettled(ctx context.Context, sessionID string, refunded bool, now time.Time) (bool, error)
	PurgeSettled(ctx context.Context, before time.Time) (int64, error)
}

type RecordStore interface {
	Create(ctx context.Context, rec *models.GenerationRecord, slots int) error
	Get(ctx context.Context, id string) (*models.GenerationRecord, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.GenerationRecord, error)
	SetSlot(ctx context.Context, id string, index int, url string) error
	ClearSlot(ctx context.Context, id string, index int) error
	MarkComplete(ctx context.Context, id string, now time.Time) error
	MarkSettled(ctx context.Context, id string, status models.RecordStatus, now time.Time) error
	Delete(ctx context.Context, id string) error
}

type ImageStore interface {
	Create(ctx context.Context, img *models.Image) error
	Get(ctx context.Context, id string) (*models.Image, error)
	ListByBatch(ctx context.Context, batchID string) ([]models.Image, error)
	SetPublic(ctx context.Context, id string, public bool) error
	Delete(ctx context.Context, id string) error
}

// Provider is the image generation backend. The worker drives polling itself.
type Provider interface {
	Submit(ctx context.Context, opts kie.GenerateOptions) (string, error)
	Poll(ctx context.Context, taskID string) (*kie.TaskStatus, error)
	Download(ctx context.Context, url string) ([]byte, string, error)
}

type ObjectStorage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}
