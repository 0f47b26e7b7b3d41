package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/PresetStudio/internal/models"
)

func TestClaimSlotAcquiresFreshIndex(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)
	now := time.Now()

	mock.ExpectExec(q("INSERT IGNORE INTO session_slots")).
		WithArgs("s1", 2, "tok", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claim, err := repo.ClaimSlot(context.Background(), "s1", 2, "tok", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, models.ClaimAcquired, claim.State)
}

func TestClaimSlotTakesOverStaleLease(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)
	now := time.Now()

	mock.ExpectExec(q("INSERT IGNORE INTO session_slots")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("AND state = 'pending' AND lease_until <= ?")).WillReturnResult(sqlmock.NewResult(0, 1))

	claim, err := repo.ClaimSlot(context.Background(), "s1", 0, "tok", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, models.ClaimAcquired, claim.State)
}

func TestClaimSlotReturnsStoredResult(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)
	now := time.Now()

	mock.ExpectExec(q("INSERT IGNORE INTO session_slots")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("UPDATE session_slots SET claim_token")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT state, COALESCE(image_id, ''), COALESCE(image_url, '')")).
		WithArgs("s1", 0).
		WillReturnRows(sqlmock.NewRows([]string{"state", "image_id", "image_url"}).AddRow("done", "img-1", "https://cdn/x.png"))

	claim, err := repo.ClaimSlot(context.Background(), "s1", 0, "tok", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, models.ClaimDone, claim.State)
	assert.Equal(t, "img-1", claim.Result.ImageID)
	assert.Equal(t, "https://cdn/x.png", claim.Result.ImageURL)
}

func TestClaimSlotInFlight(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)
	now := time.Now()

	mock.ExpectExec(q("INSERT IGNORE INTO session_slots")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("UPDATE session_slots SET claim_token")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("FROM session_slots WHERE session_id = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"state", "image_id", "image_url"}).AddRow("pending", "", ""))

	claim, err := repo.ClaimSlot(context.Background(), "s1", 0, "tok", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, models.ClaimInFlight, claim.State)
}

func TestCompleteSlotIncrementsCount(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)
	now := time.Now()
	result := models.SlotResult{ImageID: "img-1", ImageURL: "https://cdn/x.png"}

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE session_slots SET state = 'done'")).
		WithArgs("img-1", "https://cdn/x.png", sqlmock.AnyArg(), "s1", 1, "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("SET completed_count = completed_count + 1 WHERE id = ? AND completed_count < expected_image_count AND expires_at > ?")).
		WithArgs("s1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("SELECT completed_count FROM generation_sessions WHERE id = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"completed_count"}).AddRow(3))
	mock.ExpectCommit()

	count, err := repo.CompleteSlot(context.Background(), "s1", 1, "tok", result, now)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCompleteSlotRejectsLostClaim(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE session_slots SET state = 'done'")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.CompleteSlot(context.Background(), "s1", 1, "tok", models.SlotResult{}, time.Now())
	assert.ErrorIs(t, err, ErrSlotLost)
}

func TestCompleteSlotRejectsExpiredSession(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE session_slots SET state = 'done'")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("SET completed_count = completed_count + 1")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT completed_count, expected_image_count, expires_at")).
		WillReturnRows(sqlmock.NewRows([]string{"completed_count", "expected_image_count", "expires_at"}).AddRow(1, 4, now.Add(-time.Second)))
	mock.ExpectRollback()

	_, err := repo.CompleteSlot(context.Background(), "s1", 1, "tok", models.SlotResult{}, now)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestCompleteSlotRejectsFullSession(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE session_slots SET state = 'done'")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("SET completed_count = completed_count + 1")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT completed_count, expected_image_count, expires_at")).
		WillReturnRows(sqlmock.NewRows([]string{"completed_count", "expected_image_count", "expires_at"}).AddRow(4, 4, now.Add(time.Minute)))
	mock.ExpectRollback()

	_, err := repo.CompleteSlot(context.Background(), "s1", 1, "tok", models.SlotResult{}, now)
	assert.ErrorIs(t, err, ErrSessionFull)
}

func TestMarkSettledOnlyOnce(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)

	mock.ExpectExec(q("WHERE id = ? AND settled_at IS NULL")).
		WithArgs(sqlmock.AnyArg(), true, "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("WHERE id = ? AND settled_at IS NULL")).
		WithArgs(sqlmock.AnyArg(), true, "s1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := repo.MarkSettled(context.Background(), "s1", true, time.Now())
	require.NoError(t, err)
	second, err := repo.MarkSettled(context.Background(), "s1", true, time.Now())
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
}

func TestGetSessionScansSettledAt(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)
	now := time.Now().UTC()

	cols := []string{"id", "user_id", "preset_id", "style_id", "source_image_ref", "expected_image_count", "completed_count", "is_free_generation", "generation_record_id", "refunded", "settled_at", "created_at", "expires_at"}
	mock.ExpectQuery(q("FROM generation_sessions WHERE id = ?")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("s1", "u1", "portrait", "noir", "ref", 4, 2, true, "r1", false, now, now, now.Add(5*time.Minute)))

	s, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 2, s.CompletedCount)
	assert.True(t, s.IsFreeGeneration)
	require.NotNil(t, s.SettledAt)
}
