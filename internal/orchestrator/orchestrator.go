// Package orchestrator runs a whole batch on behalf of a client: one
// reservation, then every variation in parallel.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/PresetStudio/internal/service"
)

type SlotStatus string

const (
	SlotLoading SlotStatus = "loading"
	SlotSuccess SlotStatus = "success"
	SlotFailed  SlotStatus = "failed"
)

type Slot struct {
	Index     int        `json:"index"`
	Status    SlotStatus `json:"status"`
	ImageURL  string     `json:"imageUrl,omitempty"`
	ImageID   string     `json:"imageId,omitempty"`
	Retryable bool       `json:"retryable"`
	Code      string     `json:"code,omitempty"`
	Err       error      `json:"-"`
}

type BatchResult struct {
	SessionID          string `json:"sessionId"`
	GenerationRecordID string `json:"generationRecordId"`
	IsFree             bool   `json:"isFree"`
	Slots              []Slot `json:"slots"`
}

// Succeeded counts the slots that hold an image.
func (b *BatchResult) Succeeded() int {
	n := 0
	for _, s := range b.Slots {
		if s.Status == SlotSuccess {
			n++
		}
	}
	return n
}

type Reserver interface {
	Reserve(ctx context.Context, req service.ReserveRequest) (*service.Reservation, error)
}

type Completer interface {
	CompleteVariation(ctx context.Context, sessionID string, index int, userID string) (*service.VariationResult, error)
}

type Orchestrator struct {
	reserver  Reserver
	completer Completer
	log       *slog.Logger

	succeeded atomic.Int64
	failed    atomic.Int64
}

func New(reserver Reserver, completer Completer, log *slog.Logger) *Orchestrator {
	return &Orchestrator{reserver: reserver, completer: completer, log: log}
}

// Run reserves a batch and fires every variation at once. A failing slot never
// cancels its siblings; Run returns after all of them settled. Only a failed
// reservation is returned as an error.
func (o *Orchestrator) Run(ctx context.Context, req service.ReserveRequest) (*BatchResult, error) {
	res, err := o.reserver.Reserve(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &BatchResult{
		SessionID:          res.SessionID,
		GenerationRecordID: res.GenerationRecordID,
		IsFree:             res.IsFree,
		Slots:              make([]Slot, res.ExpectedImageCount),
	}
	for i := range out.Slots {
		out.Slots[i] = Slot{Index: i, Status: SlotLoading}
	}

	var g errgroup.Group
	for i := range out.Slots {
		g.Go(func() error {
			out.Slots[i] = o.complete(ctx, req.UserID, res.SessionID, i)
			return nil
		})
	}
	_ = g.Wait()

	o.log.Info("batch finished", "session_id", res.SessionID, "user_id", req.UserID, "succeeded", out.Succeeded(), "expected", len(out.Slots))
	return out, nil
}

// RetrySlot re-issues one variation of an existing batch.
func (o *Orchestrator) RetrySlot(ctx context.Context, userID, sessionID string, index int) Slot {
	return o.complete(ctx, userID, sessionID, index)
}

func (o *Orchestrator) complete(ctx context.Context, userID, sessionID string, index int) Slot {
	slot := Slot{Index: index}
	res, err := o.completer.CompleteVariation(ctx, sessionID, index, userID)
	if err != nil {
		slot.Err = err
		slot.Code = service.Code(err)
		if errors.Is(err, service.ErrDuplicateIndex) {
			// another worker holds the index
			slot.Status = SlotLoading
			return slot
		}
		o.failed.Inc()
		slot.Status = SlotFailed
		slot.Retryable = service.Retryable(err)
		o.log.Warn("variation failed", "session_id", sessionID, "index", index, "code", slot.Code, "err", err)
		return slot
	}
	o.succeeded.Inc()
	slot.Status = SlotSuccess
	slot.ImageURL = res.ImageURL
	slot.ImageID = res.ImageID
	return slot
}

// Stats reports how many variations this orchestrator completed and failed.
func (o *Orchestrator) Stats() (succeeded, failed int64) {
	return o.succeeded.Load(), o.failed.Load()
}
