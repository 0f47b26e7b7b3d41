package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"github.com/digkill/PresetStudio/internal/config"
	"github.com/digkill/PresetStudio/internal/models"
)

type SweepReport struct {
	Scanned  int   `json:"scanned"`
	Settled  int   `json:"settled"`
	Refunded int   `json:"refunded"`
	Purged   int64 `json:"purged"`
}

// Sweeper settles sessions whose window has closed: it stamps the record with
// its final status and returns the credit of batches that produced nothing.
type Sweeper struct {
	cfg      config.Config
	log      *slog.Logger
	sessions SessionStore
	records  RecordStore
	ledger   *LedgerService
	now      func() time.Time

	settledTotal  atomic.Int64
	refundedTotal atomic.Int64
}

func NewSweeper(cfg config.Config, log *slog.Logger, sessions SessionStore, records RecordStore, ledger *LedgerService) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		log:      log,
		sessions: sessions,
		records:  records,
		ledger:   ledger,
		now:      time.Now,
	}
}

// Run sweeps on every SweepInterval tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.Error("session sweep failed", "err", err)
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now().UTC()

	batch := s.cfg.SweepBatchSize
	if batch <= 0 {
		batch = 100
	}
	expired, err := s.sessions.ListExpiredUnsettled(ctx, now, batch)
	if err != nil {
		return report, fmt.Errorf("list expired sessions: %w", err)
	}
	report.Scanned = len(expired)

	for i := range expired {
		sess := &expired[i]
		settled, refunded, err := s.settle(ctx, sess, now)
		if err != nil {
			s.log.Error("failed to settle session", "session_id", sess.ID, "err", err)
			continue
		}
		if settled {
			report.Settled++
		}
		if refunded {
			report.Refunded++
		}
	}

	purged, err := s.sessions.PurgeSettled(ctx, now.Add(-s.cfg.SessionRetention))
	if err != nil {
		s.log.Warn("failed to purge settled sessions", "err", err)
	}
	report.Purged = purged

	s.settledTotal.Add(int64(report.Settled))
	s.refundedTotal.Add(int64(report.Refunded))
	if report.Scanned > 0 {
		s.log.Info("session sweep finished", "scanned", report.Scanned, "settled", report.Settled, "refunded", report.Refunded, "purged", report.Purged)
	}
	return report, nil
}

// settle marks the session before refunding so a refund is issued at most once
// even when two sweepers race.
func (s *Sweeper) settle(ctx context.Context, sess *models.GenerationSession, now time.Time) (bool, bool, error) {
	status := models.RecordComplete
	switch {
	case sess.CompletedCount == 0:
		status = models.RecordFailed
	case sess.CompletedCount < sess.ExpectedImageCount:
		status = models.RecordPartial
	}
	refund := status == models.RecordFailed && s.cfg.RefundOnTotalFailure

	won, err := s.sessions.MarkSettled(ctx, sess.ID, refund, now)
	if err != nil {
		return false, false, fmt.Errorf("mark session settled: %w", err)
	}
	if !won {
		return false, false, nil
	}

	if err := s.records.MarkSettled(ctx, sess.GenerationRecordID, status, now); err != nil {
		s.log.Warn("failed to stamp record status", "record_id", sess.GenerationRecordID, "status", status, "err", err)
	}

	if !refund {
		return true, false, nil
	}
	bucket := models.BucketPaid
	if sess.IsFreeGeneration {
		bucket = models.BucketFree
	}
	if err := s.ledger.Refund(context.WithoutCancel(ctx), sess.UserID, bucket, "batch_failed", sess.ID); err != nil {
		return true, false, fmt.Errorf("refund failed batch: %w", err)
	}
	return true, true, nil
}

// Totals reports the lifetime counters of this sweeper.
func (s *Sweeper) Totals() (settled, refunded int64) {
	return s.settledTotal.Load(), s.refundedTotal.Load()
}
