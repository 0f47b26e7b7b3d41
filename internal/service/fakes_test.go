package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/digkill/PresetStudio/internal/catalog"
	"github.com/digkill/PresetStudio/internal/config"
	"github.com/digkill/PresetStudio/internal/kie"
	"github.com/digkill/PresetStudio/internal/models"
	"github.com/digkill/PresetStudio/internal/repository"
)

func testConfig() config.Config {
	return config.Config{
		StartingFreeCredits:  1,
		ImagesPerBatch:       4,
		MaxImagesPerBatch:    4,
		SessionTTL:           5 * time.Minute,
		SessionRetention:     24 * time.Hour,
		GenerationTimeout:    time.Second,
		PollInterval:         time.Millisecond,
		SweepBatchSize:       100,
		RefundOnTotalFailure: true,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAccounts mirrors the conditional-update semantics of the SQL ledger.
type fakeAccounts struct {
	mu           sync.Mutex
	startingFree int
	accounts     map[string]*models.CreditAccount
	txs          []models.CreditTransaction
	refundErr    error
}

func newFakeAccounts(startingFree int) *fakeAccounts {
	return &fakeAccounts{startingFree: startingFree, accounts: map[string]*models.CreditAccount{}}
}

func (f *fakeAccounts) ensure(userID string) *models.CreditAccount {
	acc, ok := f.accounts[userID]
	if !ok {
		acc = &models.CreditAccount{UserID: userID, FreeCredits: f.startingFree}
		f.accounts[userID] = acc
	}
	return acc
}

func (f *fakeAccounts) Get(_ context.Context, userID string) (*models.CreditAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.accounts[userID]
	if !ok {
		return nil, nil
	}
	cp := *acc
	return &cp, nil
}

func (f *fakeAccounts) TryDebitOne(_ context.Context, userID, presetID string, now time.Time) (models.DebitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc := f.ensure(userID)
	wasFree := false
	switch {
	case acc.FreeCredits > 0:
		acc.FreeCredits--
		wasFree = true
	case acc.PaidCredits > 0:
		acc.PaidCredits--
	default:
		return models.DebitResult{}, nil
	}
	acc.LifetimeGenerations++
	acc.LastGenerationAt = &now
	acc.LastPresetID = presetID
	return models.DebitResult{OK: true, WasFree: wasFree}, nil
}

func (f *fakeAccounts) AddCredits(_ context.Context, userID string, bucket models.CreditBucket, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc := f.ensure(userID)
	if bucket == models.BucketFree {
		acc.FreeCredits += amount
	} else {
		acc.PaidCredits += amount
	}
	return nil
}

func (f *fakeAccounts) Refund(_ context.Context, userID string, bucket models.CreditBucket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return f.refundErr
	}
	acc, ok := f.accounts[userID]
	if !ok {
		return errors.New("account not found")
	}
	if bucket == models.BucketFree {
		acc.FreeCredits++
	} else {
		acc.PaidCredits++
	}
	if acc.LifetimeGenerations > 0 {
		acc.LifetimeGenerations--
	}
	return nil
}

func (f *fakeAccounts) RecordTransaction(_ context.Context, tx *models.CreditTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, *tx)
	return nil
}

func (f *fakeAccounts) StartingFree() int {
	return f.startingFree
}

func (f *fakeAccounts) balance(userID string) models.Balance {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc := f.ensure(userID)
	return models.Balance{Free: acc.FreeCredits, Paid: acc.PaidCredits, Lifetime: acc.LifetimeGenerations}
}

func (f *fakeAccounts) set(userID string, free, paid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc := f.ensure(userID)
	acc.FreeCredits = free
	acc.PaidCredits = paid
}
type fakeRecords struct {
	mu        sync.Mutex
	records   map[string]*models.GenerationRecord
	createErr error
	setErr    error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{records: map[string]*models.GenerationRecord{}}
}

func (f *fakeRecords) Create(_ context.Context, rec *models.GenerationRecord, slots int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	cp := *rec
	cp.ImageURLs = make([]*string, slots)
	f.records[rec.ID] = &cp
	return nil
}

func (f *fakeRecords) Get(_ context.Context, id string) (*models.GenerationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.ImageURLs = append([]*string(nil), rec.ImageURLs...)
	return &cp, nil
}

func (f *fakeRecords) ListByUser(_ context.Context, userID string, limit int) ([]models.GenerationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.GenerationRecord
	for _, rec := range f.records {
		if rec.UserID == userID && len(out) < limit {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeRecords) SetSlot(_ context.Context, id string, index int, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	rec, ok := f.records[id]
	if ok && index < len(rec.ImageURLs) {
		u := url
		rec.ImageURLs[index] = &u
	}
	return nil
}

func (f *fakeRecords) ClearSlot(_ context.Context, id string, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if ok && index < len(rec.ImageURLs) {
		rec.ImageURLs[index] = nil
	}
	return nil
}

func (f *fakeRecords) MarkComplete(_ context.Context, id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[id]; ok && !rec.IsComplete {
		rec.IsComplete = true
		rec.Status = models.RecordComplete
		rec.CompletedAt = &now
	}
	return nil
}

func (f *fakeRecords) MarkSettled(_ context.Context, id string, status models.RecordStatus, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[id]; ok && rec.Status == models.RecordInProgress {
		rec.Status = status
		rec.IsComplete = status == models.RecordComplete
		if rec.CompletedAt == nil {
			rec.CompletedAt = &now
		}
	}
	return nil
}

func (f *fakeRecords) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

type fakeImages struct {
	mu     sync.Mutex
	images map[string]*models.Image
}

func newFakeImages() *fakeImages {
	return &fakeImages{images: map[string]*models.Image{}}
}

func (f *fakeImages) Create(_ context.Context, img *models.Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.images {
		if existing.GenerationBatchID == img.GenerationBatchID && existing.ImageIndex == img.ImageIndex {
			return repository.ErrDuplicateImageIndex
		}
	}
	cp := *img
	f.images[img.ID] = &cp
	return nil
}

func (f *fakeImages) Get(_ context.Context, id string) (*models.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[id]
	if !ok {
		return nil, nil
	}
	cp := *img
	return &cp, nil
}

func (f *fakeImages) ListByBatch(_ context.Context, batchID string) ([]models.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Image
	for _, img := range f.images {
		if img.GenerationBatchID == batchID {
			out = append(out, *img)
		}
	}
	return out, nil
}

func (f *fakeImages) SetPublic(_ context.Context, id string, public bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if img, ok := f.images[id]; ok {
		img.IsPublic = public
	}
	return nil
}

func (f *fakeImages) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, id)
	return nil
}

func (f *fakeImages) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.images)
}

// fakeProvider finishes every task on its second poll. failWhen marks a task
// as failed; hang keeps it running forever.
type fakeProvider struct {
	mu          sync.Mutex
	seq         int
	tasks       map[string]kie.GenerateOptions
	polls       map[string]int
	submitted   []kie.GenerateOptions
	failWhen    func(kie.GenerateOptions) bool
	hang        bool
	downloadErr error
	onSubmit    func()
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{tasks: map[string]kie.GenerateOptions{}, polls: map[string]int{}}
}

func (p *fakeProvider) Submit(_ context.Context, opts kie.GenerateOptions) (string, error) {
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("task-%d", p.seq)
	p.tasks[id] = opts
	p.submitted = append(p.submitted, opts)
	hook := p.onSubmit
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return id, nil
}

func (p *fakeProvider) Poll(ctx context.Context, taskID string) (*kie.TaskStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls[taskID]++
	opts := p.tasks[taskID]
	switch {
	case p.hang || p.polls[taskID] < 2:
		return &kie.TaskStatus{TaskID: taskID, State: kie.StateRunning}, nil
	case p.failWhen != nil && p.failWhen(opts):
		return &kie.TaskStatus{TaskID: taskID, State: kie.StateFailed, FailCode: "500", FailMsg: "model error"}, nil
	default:
		return &kie.TaskStatus{TaskID: taskID, State: kie.StateDone, ResultURLs: []string{"https://kie.test/" + taskID + ".png"}}, nil
	}
}

func (p *fakeProvider) Download(_ context.Context, url string) ([]byte, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.downloadErr != nil {
		return nil, "", p.downloadErr
	}
	return []byte("png:" + url), "image/png", nil
}

func (p *fakeProvider) submitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submitted)
}

func promptContains(fragment string) func(kie.GenerateOptions) bool {
	return func(opts kie.GenerateOptions) bool {
		return strings.Contains(opts.Prompt, fragment)
	}
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	putErr  error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}}
}

func (s *fakeStorage) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return "", s.putErr
	}
	s.objects[key] = data
	return "https://cdn.test/" + key, nil
}

func (s *fakeStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeStorage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type harness struct {
	cfg          config.Config
	clock        *clock
	accounts     *fakeAccounts
	sessions     *repository.RedisSessionRepository
	records      *fakeRecords
	images       *fakeImages
	provider     *fakeProvider
	storage      *fakeStorage
	ledger       *LedgerService
	reservations *ReservationService
	variations   *VariationService
	sweeper      *Sweeper
	gallery      *ImageService
}

// newHarness wires the services over in-memory stores and a miniredis-backed
// session store.
func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := &harness{
		cfg:      cfg,
		clock:    newClock(),
		accounts: newFakeAccounts(cfg.StartingFreeCredits),
		sessions: repository.NewRedisSessionRepository(client, "test", cfg.SessionRetention),
		records:  newFakeRecords(),
		images:   newFakeImages(),
		provider: newFakeProvider(),
		storage:  newFakeStorage(),
	}
	log := discardLogger()
	cat := catalog.Default()

	h.ledger = NewLedgerService(h.accounts, log)
	h.ledger.now = h.clock.Now
	h.reservations = NewReservationService(cfg, log, h.ledger, h.sessions, h.records, cat)
	h.reservations.now = h.clock.Now
	h.variations = NewVariationService(cfg, log, h.sessions, h.records, h.images, h.provider, h.storage, cat)
	h.variations.now = h.clock.Now
	h.sweeper = NewSweeper(cfg, log, h.sessions, h.records, h.ledger)
	h.sweeper.now = h.clock.Now
	h.gallery = NewImageService(log, h.records, h.images, h.storage)
	return h
}

func (h *harness) reserve(t *testing.T, userID string) *Reservation {
	t.Helper()
	res, err := h.reservations.Reserve(context.Background(), ReserveRequest{
		UserID:         userID,
		PresetID:       "business_portrait",
		StyleID:        "cinematic",
		SourceImageRef: "https://src.test/face.jpg",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return res
}
