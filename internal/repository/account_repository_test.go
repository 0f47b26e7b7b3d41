package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/PresetStudio/internal/models"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func q(fragment string) string {
	return regexp.QuoteMeta(fragment)
}

func TestTryDebitOnePrefersFree(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db, 1)

	mock.ExpectExec(q("INSERT IGNORE INTO credit_accounts")).
		WithArgs("u1", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("SET free_credits = free_credits - 1")).
		WithArgs(sqlmock.AnyArg(), "portrait", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := repo.TryDebitOne(context.Background(), "u1", "portrait", time.Now())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.WasFree)
}

func TestTryDebitOneFallsBackToPaid(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db, 1)

	mock.ExpectExec(q("INSERT IGNORE INTO credit_accounts")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("WHERE user_id = ? AND free_credits > 0")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("WHERE user_id = ? AND paid_credits > 0")).
		WithArgs(sqlmock.AnyArg(), "portrait", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := repo.TryDebitOne(context.Background(), "u1", "portrait", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.DebitResult{OK: true, WasFree: false}, res)
}

func TestTryDebitOneInsufficient(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db, 1)

	mock.ExpectExec(q("INSERT IGNORE INTO credit_accounts")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("free_credits > 0")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("paid_credits > 0")).WillReturnResult(sqlmock.NewResult(0, 0))

	res, err := repo.TryDebitOne(context.Background(), "u1", "portrait", time.Now())
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestRefundTargetsDebitedBucket(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db, 1)

	mock.ExpectExec(q("SET free_credits = free_credits + 1, lifetime_generations = GREATEST(lifetime_generations - 1, 0)")).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Refund(context.Background(), "u1", models.BucketFree))

	mock.ExpectExec(q("SET paid_credits = paid_credits + 1")).
		WithArgs("u2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.Error(t, repo.Refund(context.Background(), "u2", models.BucketPaid))
}

func TestGetMissingAccount(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db, 1)

	mock.ExpectQuery(q("FROM credit_accounts WHERE user_id = ?")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	acc, err := repo.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, acc)
}

func TestAddCreditsPaid(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db, 1)

	mock.ExpectExec(q("INSERT IGNORE INTO credit_accounts")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("SET paid_credits = paid_credits + ?")).
		WithArgs(10, "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.AddCredits(context.Background(), "u1", models.BucketPaid, 10))
}
