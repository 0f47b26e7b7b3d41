package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/PresetStudio/internal/catalog"
	"github.com/digkill/PresetStudio/internal/config"
	"github.com/digkill/PresetStudio/internal/kie"
	"github.com/digkill/PresetStudio/internal/models"
	"github.com/digkill/PresetStudio/internal/repository"
	"github.com/digkill/PresetStudio/internal/storage"
)

// persistGrace is how long past the generation timeout a slot claim stays
// exclusive, leaving room for download, upload and the database writes.
const persistGrace = 30 * time.Second

type VariationResult struct {
	Index              int    `json:"index"`
	ImageURL           string `json:"imageUrl"`
	ImageID            string `json:"imageId"`
	AlreadyCompleted   bool   `json:"alreadyCompleted"`
	CompletedCount     int    `json:"completedCount"`
	ExpectedImageCount int    `json:"expectedImageCount"`
}

// VariationService generates, stores and records one image of a batch.
type VariationService struct {
	cfg      config.Config
	log      *slog.Logger
	sessions SessionStore
	records  RecordStore
	images   ImageStore
	provider Provider
	storage  ObjectStorage
	catalog  *catalog.Catalog
	now      func() time.Time
}

func NewVariationService(cfg config.Config, log *slog.Logger, sessions SessionStore, records RecordStore, images ImageStore, provider Provider, store ObjectStorage, cat *catalog.Catalog) *VariationService {
	return &VariationService{
		cfg:      cfg,
		log:      log,
		sessions: sessions,
		records:  records,
		images:   images,
		provider: provider,
		storage:  store,
		catalog:  cat,
		now:      time.Now,
	}
}

// CompleteVariation produces the image for one variation index. Calling it
// again for an index that already succeeded returns the stored result.
// In-flight provider work is never cancelled by the caller going away; it is
// bounded by GenerationTimeout only.
func (s *VariationService) CompleteVariation(ctx context.Context, sessionID string, index int, userID string) (*VariationResult, error) {
	ctx = context.WithoutCancel(ctx)

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil || sess.UserID != userID {
		return nil, ErrInvalidSession
	}
	now := s.now().UTC()
	if sess.Expired(now) {
		return nil, ErrSessionExpired
	}
	if index < 0 || index >= sess.ExpectedImageCount {
		return nil, fmt.Errorf("%w: variation index %d outside [0, %d)", ErrInvalidInput, index, sess.ExpectedImageCount)
	}

	token := uuid.NewString()
	claim, err := s.sessions.ClaimSlot(ctx, sess.ID, index, token, now.Add(s.cfg.GenerationTimeout+persistGrace), now)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("claim slot: %w", err)
	}
	switch claim.State {
	case models.ClaimDone:
		return s.replay(ctx, sess, index, claim.Result)
	case models.ClaimInFlight:
		return nil, ErrDuplicateIndex
	}

	log := s.log.With("session_id", sess.ID, "index", index)

	resultURL, err := s.generate(ctx, sess, index)
	if err != nil {
		s.release(ctx, sess.ID, index, token)
		log.Warn("variation generation failed", "err", err)
		return nil, err
	}

	img, err := s.persist(ctx, sess, index, resultURL)
	if err != nil {
		s.release(ctx, sess.ID, index, token)
		log.Error("variation persistence failed", "err", err)
		return nil, err
	}

	completed, err := s.sessions.CompleteSlot(ctx, sess.ID, index, token, models.SlotResult{ImageID: img.ID, ImageURL: img.URL}, s.now().UTC())
	if err != nil {
		s.discard(ctx, img)
		s.release(ctx, sess.ID, index, token)
		log.Warn("variation completion rejected", "err", err)
		return nil, mapCompleteErr(err)
	}

	if err := s.records.SetSlot(ctx, sess.GenerationRecordID, index, img.URL); err != nil {
		log.Error("failed to write record slot", "err", err)
		return nil, fmt.Errorf("%w: write record slot: %v", ErrPersistenceFailed, err)
	}
	if completed >= sess.ExpectedImageCount {
		if err := s.records.MarkComplete(ctx, sess.GenerationRecordID, s.now().UTC()); err != nil {
			log.Error("failed to mark record complete", "err", err)
			return nil, fmt.Errorf("%w: mark record complete: %v", ErrPersistenceFailed, err)
		}
	}

	log.Info("variation completed", "image_id", img.ID, "completed", completed, "expected", sess.ExpectedImageCount)
	return &VariationResult{
		Index:              index,
		ImageURL:           img.URL,
		ImageID:            img.ID,
		CompletedCount:     completed,
		ExpectedImageCount: sess.ExpectedImageCount,
	}, nil
}

// replay answers a repeated call for a finished index and re-applies the
// record writes in case the first call failed after the slot was counted.
func (s *VariationService) replay(ctx context.Context, sess *models.GenerationSession, index int, result models.SlotResult) (*VariationResult, error) {
	if err := s.records.SetSlot(ctx, sess.GenerationRecordID, index, result.ImageURL); err != nil {
		return nil, fmt.Errorf("%w: heal record slot: %v", ErrPersistenceFailed, err)
	}
	completed := sess.CompletedCount
	if fresh, err := s.sessions.Get(ctx, sess.ID); err == nil && fresh != nil {
		completed = fresh.CompletedCount
	}
	if completed >= sess.ExpectedImageCount {
		if err := s.records.MarkComplete(ctx, sess.GenerationRecordID, s.now().UTC()); err != nil {
			return nil, fmt.Errorf("%w: mark record complete: %v", ErrPersistenceFailed, err)
		}
	}
	return &VariationResult{
		Index:              index,
		ImageURL:           result.ImageURL,
		ImageID:            result.ImageID,
		AlreadyCompleted:   true,
		CompletedCount:     completed,
		ExpectedImageCount: sess.ExpectedImageCount,
	}, nil
}

// generate submits the task and polls until it finishes or GenerationTimeout
// passes. It returns the provider's result URL.
func (s *VariationService) generate(ctx context.Context, sess *models.GenerationSession, index int) (string, error) {
	prompt, ok := s.catalog.Compose(sess.PresetID, sess.StyleID, index)
	if !ok {
		return "", fmt.Errorf("%w: preset %s/%s is no longer available", ErrGenerationFailed, sess.PresetID, sess.StyleID)
	}

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerationTimeout)
	defer cancel()

	taskID, err := s.provider.Submit(genCtx, kie.GenerateOptions{
		Model:       prompt.Model,
		Prompt:      prompt.Text,
		AspectRatio: prompt.AspectRatio,
		Resolution:  prompt.Resolution,
		InputURLs:   []string{sess.SourceImageRef},
	})
	if err != nil {
		return "", fmt.Errorf("%w: submit: %v", ErrGenerationFailed, err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := s.provider.Poll(genCtx, taskID)
		if err != nil {
			if genCtx.Err() != nil {
				return "", fmt.Errorf("%w: timed out after %s", ErrGenerationFailed, s.cfg.GenerationTimeout)
			}
			return "", fmt.Errorf("%w: poll: %v", ErrGenerationFailed, err)
		}
		switch status.State {
		case kie.StateDone:
			return status.ResultURLs[0], nil
		case kie.StateFailed:
			return "", fmt.Errorf("%w: %v", ErrGenerationFailed, status.Err())
		}

		select {
		case <-genCtx.Done():
			return "", fmt.Errorf("%w: timed out after %s", ErrGenerationFailed, s.cfg.GenerationTimeout)
		case <-ticker.C:
		}
	}
}

// persist copies the provider result into durable storage and inserts the
// Image row. On failure nothing is left behind.
func (s *VariationService) persist(ctx context.Context, sess *models.GenerationSession, index int, resultURL string) (*models.Image, error) {
	data, contentType, err := s.provider.Download(ctx, resultURL)
	if err != nil {
		return nil, fmt.Errorf("%w: download result: %v", ErrPersistenceFailed, err)
	}

	key := storage.GenerationKey(sess.UserID, sess.GenerationRecordID, index, contentType)
	url, err := s.storage.Put(ctx, key, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: store object: %v", ErrPersistenceFailed, err)
	}

	img := &models.Image{
		ID:                uuid.NewString(),
		UserID:            sess.UserID,
		GenerationBatchID: sess.GenerationRecordID,
		URL:               url,
		StoragePath:       key,
		PresetID:          sess.PresetID,
		StyleID:           sess.StyleID,
		ImageIndex:        index,
		IsFreeGeneration:  sess.IsFreeGeneration,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.images.Create(ctx, img); err != nil {
		s.deleteObject(ctx, key)
		if errors.Is(err, repository.ErrDuplicateImageIndex) {
			return nil, ErrDuplicateIndex
		}
		return nil, fmt.Errorf("%w: insert image: %v", ErrPersistenceFailed, err)
	}
	return img, nil
}

func (s *VariationService) discard(ctx context.Context, img *models.Image) {
	if err := s.images.Delete(ctx, img.ID); err != nil {
		s.log.Error("failed to delete discarded image row", "image_id", img.ID, "err", err)
	}
	s.deleteObject(ctx, img.StoragePath)
}

func (s *VariationService) deleteObject(ctx context.Context, key string) {
	if err := s.storage.Delete(ctx, key); err != nil {
		s.log.Warn("failed to delete storage object", "key", key, "err", err)
	}
}

func (s *VariationService) release(ctx context.Context, sessionID string, index int, token string) {
	if err := s.sessions.ReleaseSlot(ctx, sessionID, index, token); err != nil {
		s.log.Warn("failed to release slot claim", "session_id", sessionID, "index", index, "err", err)
	}
}

func mapCompleteErr(err error) error {
	switch {
	case errors.Is(err, repository.ErrSessionExpired):
		return ErrSessionExpired
	case errors.Is(err, repository.ErrSessionNotFound):
		return ErrInvalidSession
	case errors.Is(err, repository.ErrSessionFull), errors.Is(err, repository.ErrSlotLost):
		return ErrDuplicateIndex
	default:
		return fmt.Errorf("%w: complete slot: %v", ErrPersistenceFailed, err)
	}
}
