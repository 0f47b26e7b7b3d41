package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/PresetStudio/internal/service"
)

type stubReserver struct {
	err   error
	count int
}

func (s stubReserver) Reserve(_ context.Context, req service.ReserveRequest) (*service.Reservation, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &service.Reservation{SessionID: "s1", GenerationRecordID: "r1", IsFree: true, ExpectedImageCount: s.count}, nil
}

type stubCompleter struct {
	mu       sync.Mutex
	failures map[int]error
	calls    map[int]int
	delay    time.Duration
}

func (s *stubCompleter) CompleteVariation(_ context.Context, sessionID string, index int, _ string) (*service.VariationResult, error) {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[index]++
	if err, ok := s.failures[index]; ok {
		return nil, err
	}
	return &service.VariationResult{
		Index:    index,
		ImageID:  fmt.Sprintf("img-%d", index),
		ImageURL: fmt.Sprintf("https://cdn.test/%s/%d.png", sessionID, index),
	}, nil
}

func newOrchestrator(reserver Reserver, completer Completer) *Orchestrator {
	return New(reserver, completer, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunAllSlotsSucceed(t *testing.T) {
	completer := &stubCompleter{calls: map[int]int{}}
	o := newOrchestrator(stubReserver{count: 4}, completer)

	res, err := o.Run(context.Background(), service.ReserveRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", res.SessionID)
	assert.True(t, res.IsFree)
	require.Len(t, res.Slots, 4)
	for i, slot := range res.Slots {
		assert.Equal(t, i, slot.Index)
		assert.Equal(t, SlotSuccess, slot.Status)
		assert.Equal(t, fmt.Sprintf("img-%d", i), slot.ImageID)
	}
	assert.Equal(t, 4, res.Succeeded())
}

func TestRunRunsVariationsConcurrently(t *testing.T) {
	completer := &stubCompleter{calls: map[int]int{}, delay: 50 * time.Millisecond}
	o := newOrchestrator(stubReserver{count: 4}, completer)

	start := time.Now()
	_, err := o.Run(context.Background(), service.ReserveRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestRunKeepsSiblingsOnFailure(t *testing.T) {
	completer := &stubCompleter{
		calls: map[int]int{},
		failures: map[int]error{
			1: fmt.Errorf("%w: timeout", service.ErrGenerationFailed),
			3: service.ErrSessionExpired,
		},
	}
	o := newOrchestrator(stubReserver{count: 4}, completer)

	res, err := o.Run(context.Background(), service.ReserveRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, SlotSuccess, res.Slots[0].Status)
	assert.Equal(t, SlotSuccess, res.Slots[2].Status)

	assert.Equal(t, SlotFailed, res.Slots[1].Status)
	assert.True(t, res.Slots[1].Retryable)
	assert.Equal(t, "GENERATION_FAILED", res.Slots[1].Code)

	assert.Equal(t, SlotFailed, res.Slots[3].Status)
	assert.False(t, res.Slots[3].Retryable)
	assert.Equal(t, 2, res.Succeeded())

	succeeded, failed := o.Stats()
	assert.EqualValues(t, 2, succeeded)
	assert.EqualValues(t, 2, failed)
}

func TestRunReturnsReservationError(t *testing.T) {
	completer := &stubCompleter{calls: map[int]int{}}
	o := newOrchestrator(stubReserver{err: service.ErrInsufficientCredits}, completer)

	_, err := o.Run(context.Background(), service.ReserveRequest{UserID: "u1"})
	require.ErrorIs(t, err, service.ErrInsufficientCredits)
	assert.Empty(t, completer.calls)
}

func TestRetrySlot(t *testing.T) {
	completer := &stubCompleter{calls: map[int]int{}, failures: map[int]error{0: service.ErrDuplicateIndex}}
	o := newOrchestrator(stubReserver{count: 1}, completer)

	slot := o.RetrySlot(context.Background(), "u1", "s1", 0)
	assert.Equal(t, SlotLoading, slot.Status)
	assert.Equal(t, "DUPLICATE_INDEX", slot.Code)

	completer.mu.Lock()
	delete(completer.failures, 0)
	completer.mu.Unlock()

	slot = o.RetrySlot(context.Background(), "u1", "s1", 0)
	assert.Equal(t, SlotSuccess, slot.Status)
	assert.Equal(t, 2, completer.calls[0])
}
