package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/PresetStudio/internal/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionFull     = errors.New("session already has all expected completions")
	ErrSlotLost        = errors.New("slot claim no longer held")
)

const slotStateDone = "done"

// SessionRepository keeps generation sessions and their per-index slots in MySQL.
type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, user_id, preset_id, style_id, source_image_ref, expected_image_count, completed_count, is_free_generation, generation_record_id, refunded, settled_at, created_at, expires_at`

func scanSession(row interface{ Scan(...any) error }) (*models.GenerationSession, error) {
	var s models.GenerationSession
	var settled sql.NullTime
	if err := row.Scan(&s.ID, &s.UserID, &s.PresetID, &s.StyleID, &s.SourceImageRef, &s.ExpectedImageCount, &s.CompletedCount, &s.IsFreeGeneration, &s.GenerationRecordID, &s.Refunded, &settled, &s.CreatedAt, &s.ExpiresAt); err != nil {
		return nil, err
	}
	if settled.Valid {
		s.SettledAt = &settled.Time
	}
	return &s, nil
}

func (r *SessionRepository) Create(ctx context.Context, s *models.GenerationSession) error {
	const query = `
INSERT INTO generation_sessions (id, user_id, preset_id, style_id, source_image_ref, expected_image_count, completed_count, is_free_generation, generation_record_id, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, s.ID, s.UserID, s.PresetID, s.StyleID, s.SourceImageRef, s.ExpectedImageCount, s.IsFreeGeneration, s.GenerationRecordID, s.CreatedAt, s.ExpiresAt); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*models.GenerationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM generation_sessions WHERE id = ?`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return s, nil
}

// ClaimSlot reserves a variation index for the caller. A pending claim whose
// lease has run out is taken over; a done slot returns its stored result.
func (r *SessionRepository) ClaimSlot(ctx context.Context, sessionID string, index int, token string, leaseUntil, now time.Time) (models.SlotClaim, error) {
	const insertQuery = `
INSERT IGNORE INTO session_slots (session_id, variation_index, state, claim_token, lease_until, updated_at)
VALUES (?, ?, 'pending', ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, insertQuery, sessionID, index, token, leaseUntil, now)
	if err != nil {
		return models.SlotClaim{}, fmt.Errorf("insert slot claim: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return models.SlotClaim{}, fmt.Errorf("slot claim rows affected: %w", err)
	} else if affected > 0 {
		return models.SlotClaim{State: models.ClaimAcquired}, nil
	}

	const takeoverQuery = `
UPDATE session_slots SET claim_token = ?, lease_until = ?, updated_at = ?
WHERE session_id = ? AND variation_index = ? AND state = 'pending' AND lease_until <= ?`
	res, err = r.db.ExecContext(ctx, takeoverQuery, token, leaseUntil, now, sessionID, index, now)
	if err != nil {
		return models.SlotClaim{}, fmt.Errorf("take over stale slot: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return models.SlotClaim{}, fmt.Errorf("slot takeover rows affected: %w", err)
	} else if affected > 0 {
		return models.SlotClaim{State: models.ClaimAcquired}, nil
	}

	const selectQuery = `
SELECT state, COALESCE(image_id, ''), COALESCE(image_url, '')
FROM session_slots WHERE session_id = ? AND variation_index = ?`
	var state string
	var result models.SlotResult
	if err := r.db.QueryRowContext(ctx, selectQuery, sessionID, index).Scan(&state, &result.ImageID, &result.ImageURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// released between our statements; the caller may retry
			return models.SlotClaim{State: models.ClaimInFlight}, nil
		}
		return models.SlotClaim{}, fmt.Errorf("read slot: %w", err)
	}
	if state == slotStateDone {
		return models.SlotClaim{State: models.ClaimDone, Result: result}, nil
	}
	return models.SlotClaim{State: models.ClaimInFlight}, nil
}

// ReleaseSlot drops a pending claim so the index can be attempted again.
func (r *SessionRepository) ReleaseSlot(ctx context.Context, sessionID string, index int, token string) error {
	const query = `
DELETE FROM session_slots
WHERE session_id = ? AND variation_index = ? AND state = 'pending' AND claim_token = ?`
	if _, err := r.db.ExecContext(ctx, query, sessionID, index, token); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

// CompleteSlot marks the claimed slot done and bumps completed_count in one
// transaction. The increment is conditional on the session being open and not
// yet full, so concurrent workers can never overshoot expected_image_count.
func (r *SessionRepository) CompleteSlot(ctx context.Context, sessionID string, index int, token string, result models.SlotResult, now time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const slotQuery = `
UPDATE session_slots SET state = 'done', image_id = ?, image_url = ?, updated_at = ?
WHERE session_id = ? AND variation_index = ? AND state = 'pending' AND claim_token = ?`
	res, err := tx.ExecContext(ctx, slotQuery, result.ImageID, result.ImageURL, now, sessionID, index, token)
	if err != nil {
		return 0, fmt.Errorf("mark slot done: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("slot rows affected: %w", err)
	}
	if affected == 0 {
		return 0, ErrSlotLost
	}

	const countQuery = `
UPDATE generation_sessions SET completed_count = completed_count + 1
WHERE id = ? AND completed_count < expected_image_count AND expires_at > ?`
	res, err = tx.ExecContext(ctx, countQuery, sessionID, now)
	if err != nil {
		return 0, fmt.Errorf("increment completed count: %w", err)
	}
	affected, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return 0, r.rejectReason(ctx, tx, sessionID, now)
	}

	var completed int
	if err := tx.QueryRowContext(ctx, `SELECT completed_count FROM generation_sessions WHERE id = ?`, sessionID).Scan(&completed); err != nil {
		return 0, fmt.Errorf("read completed count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit slot tx: %w", err)
	}
	return completed, nil
}

func (r *SessionRepository) rejectReason(ctx context.Context, tx *sql.Tx, sessionID string, now time.Time) error {
	const query = `SELECT completed_count, expected_image_count, expires_at FROM generation_sessions WHERE id = ?`
	var completed, expected int
	var expiresAt time.Time
	if err := tx.QueryRowContext(ctx, query, sessionID).Scan(&completed, &expected, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("read session state: %w", err)
	}
	if !now.Before(expiresAt) {
		return ErrSessionExpired
	}
	if completed >= expected {
		return ErrSessionFull
	}
	return fmt.Errorf("session %s rejected completion", sessionID)
}

func (r *SessionRepository) ListExpiredUnsettled(ctx context.Context, now time.Time, limit int) ([]models.GenerationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM generation_sessions
WHERE settled_at IS NULL AND expires_at <= ?
ORDER BY expires_at ASC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.GenerationSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// MarkSettled flags a session as settled. It reports false when another
// sweeper got there first.
func (r *SessionRepository) MarkSettled(ctx context.Context, sessionID string, refunded bool, now time.Time) (bool, error) {
	const query = `UPDATE generation_sessions SET settled_at = ?, refunded = ? WHERE id = ? AND settled_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, now, refunded, sessionID)
	if err != nil {
		return false, fmt.Errorf("mark session settled: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("settle rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *SessionRepository) PurgeSettled(ctx context.Context, before time.Time) (int64, error) {
	const query = `
DELETE s, sl FROM generation_sessions s
LEFT JOIN session_slots sl ON sl.session_id = s.id
WHERE s.settled_at IS NOT NULL AND s.settled_at < ?`
	res, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("purge settled sessions: %w", err)
	}
	return res.RowsAffected()
}
