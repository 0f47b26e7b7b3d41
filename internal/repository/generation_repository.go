package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/PresetStudio/internal/models"
)

// GenerationRepository stores the canonical per-batch record the gallery reads.
type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

const recordColumns = `id, user_id, preset_id, style_id, image_urls, is_complete, status, created_at, completed_at`

func scanRecord(row interface{ Scan(...any) error }) (*models.GenerationRecord, error) {
	var rec models.GenerationRecord
	var urls []byte
	var completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.PresetID, &rec.StyleID, &urls, &rec.IsComplete, &rec.Status, &rec.CreatedAt, &completed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(urls, &rec.ImageURLs); err != nil {
		return nil, fmt.Errorf("decode image urls: %w", err)
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return &rec, nil
}

// Create inserts the record with every slot empty.
func (r *GenerationRepository) Create(ctx context.Context, rec *models.GenerationRecord, slots int) error {
	rec.ImageURLs = make([]*string, slots)
	if rec.Status == "" {
		rec.Status = models.RecordInProgress
	}
	urls, err := json.Marshal(rec.ImageURLs)
	if err != nil {
		return fmt.Errorf("encode image urls: %w", err)
	}
	const query = `
INSERT INTO generation_records (id, user_id, preset_id, style_id, image_urls, is_complete, status, created_at)
VALUES (?, ?, ?, ?, ?, 0, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, rec.ID, rec.UserID, rec.PresetID, rec.StyleID, string(urls), rec.Status, rec.CreatedAt); err != nil {
		return fmt.Errorf("insert generation record: %w", err)
	}
	return nil
}

func (r *GenerationRepository) Get(ctx context.Context, id string) (*models.GenerationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM generation_records WHERE id = ?`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan generation record: %w", err)
	}
	return rec, nil
}

func (r *GenerationRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.GenerationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM generation_records
WHERE user_id = ?
ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list generation records: %w", err)
	}
	defer rows.Close()

	var records []models.GenerationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation record list: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// SetSlot writes url into slot index. Writing the same url twice is harmless,
// which is what lets a retried completion heal a lost record write.
func (r *GenerationRepository) SetSlot(ctx context.Context, id string, index int, url string) error {
	const query = `
UPDATE generation_records SET image_urls = JSON_SET(image_urls, CONCAT('$[', ?, ']'), ?)
WHERE id = ? AND JSON_LENGTH(image_urls) > ?`
	if _, err := r.db.ExecContext(ctx, query, index, url, id, index); err != nil {
		return fmt.Errorf("set record slot: %w", err)
	}
	return nil
}

func (r *GenerationRepository) ClearSlot(ctx context.Context, id string, index int) error {
	const query = `
UPDATE generation_records SET image_urls = JSON_SET(image_urls, CONCAT('$[', ?, ']'), CAST('null' AS JSON))
WHERE id = ? AND JSON_LENGTH(image_urls) > ?`
	if _, err := r.db.ExecContext(ctx, query, index, id, index); err != nil {
		return fmt.Errorf("clear record slot: %w", err)
	}
	return nil
}

func (r *GenerationRepository) MarkComplete(ctx context.Context, id string, now time.Time) error {
	const query = `
UPDATE generation_records SET is_complete = 1, status = 'complete', completed_at = ?
WHERE id = ? AND is_complete = 0`
	if _, err := r.db.ExecContext(ctx, query, now, id); err != nil {
		return fmt.Errorf("mark record complete: %w", err)
	}
	return nil
}

// MarkSettled gives an unfinished record its terminal status once its session
// can accept no more completions.
func (r *GenerationRepository) MarkSettled(ctx context.Context, id string, status models.RecordStatus, now time.Time) error {
	const query = `
UPDATE generation_records SET status = ?, is_complete = ?, completed_at = COALESCE(completed_at, ?)
WHERE id = ? AND status = 'in_progress'`
	if _, err := r.db.ExecContext(ctx, query, status, status == models.RecordComplete, now, id); err != nil {
		return fmt.Errorf("mark record settled: %w", err)
	}
	return nil
}

func (r *GenerationRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM generation_records WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete generation record: %w", err)
	}
	return nil
}
