package examination

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ClinicalFields carries the exam submission payload.
type ClinicalFields struct {
	Symptoms  *string        `json:"symptoms,omitempty"`
	Diagnosis *string        `json:"diagnosis,omitempty"`
	Note      *string        `json:"note,omitempty"`
	Medicines []MedicineLine `json:"medicines,omitempty"`
}

// PaymentFields carries everything persisted onto the examination at pay time.
type PaymentFields struct {
	Services       []ServiceLine `json:"services"`
	Discounts      []Discount    `json:"discounts"`
	ExaminationFee int64         `json:"examination_fee"`
}

// TerminalEdit is a clerical correction applied to a COMPLETED or CANCELLED
// record. It never touches status, stamps, or settlement numbers.
type TerminalEdit struct {
	ParentName     *string    `json:"parent_name,omitempty"`
	ParentPhone    *string    `json:"parent_phone,omitempty"`
	ChildName      *string    `json:"child_name,omitempty"`
	ChildBirthDate *time.Time `json:"child_birth_date,omitempty"`
	ChildGender    *string    `json:"child_gender,omitempty"`
	ChildWeightKG  *float64   `json:"child_weight_kg,omitempty"`
	Symptoms       *string    `json:"symptoms,omitempty"`
	Diagnosis      *string    `json:"diagnosis,omitempty"`
	Note           *string    `json:"note,omitempty"`
}

// ReleasedClaim identifies a visit whose expired claim the sweeper returned
// to WAITING, so a change hint can be broadcast for it.
type ReleasedClaim struct {
	ID   uuid.UUID
	Date time.Time
}

// Repository persists examinations. Every transition method is a single
// conditional write: it checks the expected source status and performs the
// update as one indivisible step, returning ErrNoRowUpdated when the record
// is missing or not in the expected status.
type Repository interface {
	Create(ctx context.Context, e *Examination) error
	GetByID(ctx context.Context, id uuid.UUID) (*Examination, error)
	ListByDateRange(ctx context.Context, from, to time.Time, status *Status, limit, offset int) ([]*Examination, int, error)

	// CountOverlapping counts non-cancelled examinations with date strictly
	// between from and to. The bounds are exclusive: a visit exactly one
	// window away occupies the adjacent slot and does not overlap.
	CountOverlapping(ctx context.Context, from, to time.Time) (int, error)
	// LockWindow serializes concurrent bookings targeting the same slot
	// window. The lock is scoped to the ambient transaction.
	LockWindow(ctx context.Context, bucket int64) error

	// Receive checks in a booked visit: BOOKED -> WAITING.
	Receive(ctx context.Context, id uuid.UUID, stamp ActorStamp) (*Examination, error)
	// Claim marks a waiting visit as actively worked on: WAITING -> IN_PROGRESS,
	// attaching a lease token and expiry.
	Claim(ctx context.Context, id uuid.UUID, token uuid.UUID, expires time.Time) (*Examination, error)
	// RenewClaim extends the lease on an IN_PROGRESS visit holding token.
	RenewClaim(ctx context.Context, id uuid.UUID, token uuid.UUID, expires time.Time) (*Examination, error)
	// ReleaseClaim abandons a claim: IN_PROGRESS -> WAITING, only for the
	// holder of token.
	ReleaseClaim(ctx context.Context, id uuid.UUID, token uuid.UUID) (*Examination, error)
	// ReleaseExpiredClaims returns every visit whose lease lapsed before now
	// to WAITING and reports which records were released.
	ReleaseExpiredClaims(ctx context.Context, now time.Time) ([]ReleasedClaim, error)
	// Examine submits exam results: WAITING or IN_PROGRESS -> PENDING_PAYMENT.
	Examine(ctx context.Context, id uuid.UUID, fields ClinicalFields, stamp ActorStamp) (*Examination, error)
	// CompletePayment settles the visit: PENDING_PAYMENT -> COMPLETED.
	CompletePayment(ctx context.Context, id uuid.UUID, pay PaymentFields, stamp ActorStamp) (*Examination, error)
	// Cancel aborts an active visit: BOOKED, WAITING, or PENDING_PAYMENT -> CANCELLED.
	Cancel(ctx context.Context, id uuid.UUID, stamp ActorStamp) (*Examination, error)
	// UpdateTerminal applies a clerical edit to a COMPLETED or CANCELLED record.
	UpdateTerminal(ctx context.Context, id uuid.UUID, edit TerminalEdit) (*Examination, error)
}

// InvoiceRepository persists settlement snapshots.
type InvoiceRepository interface {
	Create(ctx context.Context, inv *Invoice) error
	ListByCreatedRange(ctx context.Context, from, to time.Time, limit, offset int) ([]*Invoice, int, error)
}

// SessionRepository persists the per-weekday bookable time configuration.
type SessionRepository interface {
	List(ctx context.Context) ([]*Session, error)
	GetByWeekday(ctx context.Context, wd time.Weekday) (*Session, error)
	Upsert(ctx context.Context, s *Session) error
}

// FeeSource supplies the currently configured examination fee. The fee
// catalog lives outside this package; the settlement only reads it.
type FeeSource interface {
	CurrentExaminationFee(ctx context.Context) (int64, error)
}
