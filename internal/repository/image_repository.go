package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/PresetStudio/internal/database"
	"github.com/digkill/PresetStudio/internal/models"
)

var ErrDuplicateImageIndex = errors.New("image index already stored for batch")

type ImageRepository struct {
	db *sql.DB
}

func NewImageRepository(db *sql.DB) *ImageRepository {
	return &ImageRepository{db: db}
}

const imageColumns = `id, user_id, generation_batch_id, url, storage_path, preset_id, style_id, image_index, is_public, is_free_generation, created_at`

func scanImage(row interface{ Scan(...any) error }) (*models.Image, error) {
	var img models.Image
	if err := row.Scan(&img.ID, &img.UserID, &img.GenerationBatchID, &img.URL, &img.StoragePath, &img.PresetID, &img.StyleID, &img.ImageIndex, &img.IsPublic, &img.IsFreeGeneration, &img.CreatedAt); err != nil {
		return nil, err
	}
	return &img, nil
}

func (r *ImageRepository) Create(ctx context.Context, img *models.Image) error {
	const query = `
INSERT INTO images (id, user_id, generation_batch_id, url, storage_path, preset_id, style_id, image_index, is_public, is_free_generation, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, img.ID, img.UserID, img.GenerationBatchID, img.URL, img.StoragePath, img.PresetID, img.StyleID, img.ImageIndex, img.IsPublic, img.IsFreeGeneration, img.CreatedAt)
	if err != nil {
		if database.IsDuplicateKey(err) {
			return ErrDuplicateImageIndex
		}
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

func (r *ImageRepository) Get(ctx context.Context, id string) (*models.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE id = ?`
	img, err := scanImage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan image: %w", err)
	}
	return img, nil
}

func (r *ImageRepository) ListByBatch(ctx context.Context, batchID string) ([]models.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE generation_batch_id = ? ORDER BY image_index ASC`
	rows, err := r.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch images: %w", err)
	}
	defer rows.Close()

	var images []models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch image: %w", err)
		}
		images = append(images, *img)
	}
	return images, rows.Err()
}

func (r *ImageRepository) SetPublic(ctx context.Context, id string, public bool) error {
	const query = `UPDATE images SET is_public = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, public, id); err != nil {
		return fmt.Errorf("update image visibility: %w", err)
	}
	return nil
}

func (r *ImageRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM images WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	return nil
}
