package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/PresetStudio/internal/models"
)

const defaultGalleryLimit = 50

// Generation is the gallery view of a batch: only populated slots are listed.
type Generation struct {
	ID          string              `json:"id"`
	PresetID    string              `json:"presetId"`
	StyleID     string              `json:"styleId"`
	Status      models.RecordStatus `json:"status"`
	IsComplete  bool                `json:"isComplete"`
	ImageURLs   []string            `json:"imageUrls"`
	CreatedAt   time.Time           `json:"createdAt"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
}

func toGeneration(rec *models.GenerationRecord) Generation {
	return Generation{
		ID:          rec.ID,
		PresetID:    rec.PresetID,
		StyleID:     rec.StyleID,
		Status:      rec.Status,
		IsComplete:  rec.IsComplete,
		ImageURLs:   rec.PopulatedURLs(),
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
	}
}

type ImageService struct {
	log     *slog.Logger
	records RecordStore
	images  ImageStore
	storage ObjectStorage
}

func NewImageService(log *slog.Logger, records RecordStore, images ImageStore, store ObjectStorage) *ImageService {
	return &ImageService{log: log, records: records, images: images, storage: store}
}

func (s *ImageService) ListGenerations(ctx context.Context, userID string, limit int) ([]Generation, error) {
	if limit <= 0 || limit > defaultGalleryLimit {
		limit = defaultGalleryLimit
	}
	recs, err := s.records.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	out := make([]Generation, 0, len(recs))
	for i := range recs {
		out = append(out, toGeneration(&recs[i]))
	}
	return out, nil
}

func (s *ImageService) GetGeneration(ctx context.Context, userID, recordID string) (*Generation, error) {
	rec, err := s.ownedRecord(ctx, userID, recordID)
	if err != nil {
		return nil, err
	}
	gen := toGeneration(rec)
	return &gen, nil
}

func (s *ImageService) ListBatch(ctx context.Context, userID, recordID string) ([]models.Image, error) {
	if _, err := s.ownedRecord(ctx, userID, recordID); err != nil {
		return nil, err
	}
	imgs, err := s.images.ListByBatch(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("list batch images: %w", err)
	}
	return imgs, nil
}

func (s *ImageService) SetPublic(ctx context.Context, userID, imageID string, public bool) (*models.Image, error) {
	img, err := s.ownedImage(ctx, userID, imageID)
	if err != nil {
		return nil, err
	}
	if err := s.images.SetPublic(ctx, img.ID, public); err != nil {
		return nil, fmt.Errorf("update image visibility: %w", err)
	}
	img.IsPublic = public
	return img, nil
}

// Delete removes the image row and clears its record slot. The storage object
// is removed best effort.
func (s *ImageService) Delete(ctx context.Context, userID, imageID string) error {
	img, err := s.ownedImage(ctx, userID, imageID)
	if err != nil {
		return err
	}
	if err := s.images.Delete(ctx, img.ID); err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	if err := s.records.ClearSlot(ctx, img.GenerationBatchID, img.ImageIndex); err != nil {
		s.log.Warn("failed to clear record slot", "record_id", img.GenerationBatchID, "index", img.ImageIndex, "err", err)
	}
	if img.StoragePath != "" {
		if err := s.storage.Delete(ctx, img.StoragePath); err != nil {
			s.log.Warn("failed to delete storage object", "key", img.StoragePath, "err", err)
		}
	}
	return nil
}

func (s *ImageService) ownedRecord(ctx context.Context, userID, recordID string) (*models.GenerationRecord, error) {
	rec, err := s.records.Get(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("get generation: %w", err)
	}
	if rec == nil || rec.UserID != userID {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *ImageService) ownedImage(ctx context.Context, userID, imageID string) (*models.Image, error) {
	img, err := s.images.Get(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	if img == nil || img.UserID != userID {
		return nil, ErrNotFound
	}
	return img, nil
}
