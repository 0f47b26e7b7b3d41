package models

import "time"

type CreditBucket string

const (
	BucketFree CreditBucket = "free"
	BucketPaid CreditBucket = "paid"
)

type TransactionKind string

const (
	TransactionDebit  TransactionKind = "debit"
	TransactionCredit TransactionKind = "credit"
	TransactionGrant  TransactionKind = "grant"
	TransactionRefund TransactionKind = "refund"
)

type CreditAccount struct {
	UserID              string
	FreeCredits         int
	PaidCredits         int
	LifetimeGenerations int
	LastGenerationAt    *time.Time
	LastPresetID        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Balance struct {
	Free     int `json:"free"`
	Paid     int `json:"paid"`
	Lifetime int `json:"lifetime"`
}

func (b Balance) Total() int {
	return b.Free + b.Paid
}

// DebitResult is the outcome of a single conditional debit. OK=false means the
// account had nothing left to spend.
type DebitResult struct {
	OK      bool
	WasFree bool
}

func (d DebitResult) Bucket() CreditBucket {
	if d.WasFree {
		return BucketFree
	}
	return BucketPaid
}

type CreditTransaction struct {
	ID        int64
	UserID    string
	Kind      TransactionKind
	Bucket    CreditBucket
	Amount    int
	Source    string
	Reference string
	CreatedAt time.Time
}

type GenerationSession struct {
	ID                 string
	UserID             string
	PresetID           string
	StyleID            string
	SourceImageRef     string
	ExpectedImageCount int
	CompletedCount     int
	IsFreeGeneration   bool
	GenerationRecordID string
	CreatedAt          time.Time
	ExpiresAt          time.Time
	SettledAt          *time.Time
	Refunded           bool
}

// Expired reports whether the session stopped accepting completions at now.
func (s *GenerationSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type ClaimState int

const (
	ClaimAcquired ClaimState = iota
	ClaimDone
	ClaimInFlight
)

// SlotClaim is what a worker gets back when it asks for a variation index.
type SlotClaim struct {
	State  ClaimState
	Result SlotResult
}

type SlotResult struct {
	ImageID  string `json:"image_id"`
	ImageURL string `json:"image_url"`
}

type RecordStatus string

const (
	RecordInProgress RecordStatus = "in_progress"
	RecordComplete   RecordStatus = "complete"
	RecordPartial    RecordStatus = "partial"
	RecordFailed     RecordStatus = "failed"
)

type GenerationRecord struct {
	ID          string
	UserID      string
	PresetID    string
	StyleID     string
	ImageURLs   []*string
	IsComplete  bool
	Status      RecordStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// PopulatedURLs returns the filled slots in index order.
func (r *GenerationRecord) PopulatedURLs() []string {
	urls := make([]string, 0, len(r.ImageURLs))
	for _, u := range r.ImageURLs {
		if u != nil && *u != "" {
			urls = append(urls, *u)
		}
	}
	return urls
}

func (r *GenerationRecord) FilledSlots() int {
	return len(r.PopulatedURLs())
}

type Image struct {
	ID                string
	UserID            string
	GenerationBatchID string
	URL               string
	StoragePath       string
	PresetID          string
	StyleID           string
	ImageIndex        int
	IsPublic          bool
	IsFreeGeneration  bool
	CreatedAt         time.Time
}

type PromoCode struct {
	ID        int64
	Code      string
	MaxUses   int
	Uses      int
	CreatedAt time.Time
}

type Payment struct {
	ID             int64
	UserID         string
	PlanID         *int64
	Provider       string
	ProviderCharge string
	Currency       string
	Amount         int
	Status         string
	RawPayload     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Plan struct {
	ID              int64
	Title           string
	Description     string
	Currency        string
	PriceMinorUnits int
	Credits         int
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
