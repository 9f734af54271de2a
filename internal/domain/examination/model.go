package examination

import (
	"time"

	"github.com/google/uuid"

	"github.com/pedicare/pedicare/internal/platform/auth"
)

// Status is the lifecycle state of a visit.
type Status string

const (
	StatusBooked         Status = "BOOKED"
	StatusWaiting        Status = "WAITING"
	StatusInProgress     Status = "IN_PROGRESS"
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
)

var validStatuses = map[Status]bool{
	StatusBooked: true, StatusWaiting: true, StatusInProgress: true,
	StatusPendingPayment: true, StatusCompleted: true, StatusCancelled: true,
}

func (s Status) Valid() bool { return validStatuses[s] }

// Terminal reports whether the status ends the active flow. Terminal records
// may still receive clerical edits but never re-enter the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ExamType distinguishes how the visit entered the system.
type ExamType string

const (
	TypePreBooked ExamType = "PRE_BOOKED"
	TypeFollowUp  ExamType = "FOLLOW_UP"
	TypeWalkIn    ExamType = "WALK_IN"
)

// ActorStamp is an immutable snapshot of who performed a transition and when.
// Once written it is never cleared or overwritten; it records a historical
// fact independent of later changes to the user account.
type ActorStamp struct {
	UserID string    `json:"user_id"`
	Name   string    `json:"name"`
	Phone  string    `json:"phone"`
	At     time.Time `json:"at"`
}

// NewStamp snapshots the acting user at the given instant.
func NewStamp(a auth.Actor, at time.Time) ActorStamp {
	return ActorStamp{UserID: a.UserID, Name: a.Name, Phone: a.Phone, At: at}
}

// ServiceLine is a denormalized snapshot of a billable service captured at
// selection time. Catalog price changes afterward must not retroactively
// change a visit's numbers.
type ServiceLine struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Price    int64   `json:"price"`
	Quantity int     `json:"quantity"`
	Unit     *string `json:"unit,omitempty"`
}

// MedicineLine is a denormalized snapshot of a dispensed medicine captured at
// selection time. CostPrice is the clinic's purchase price, kept alongside
// the selling price so the settlement can derive per-visit medicine profit.
type MedicineLine struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Price     int64   `json:"price"`
	CostPrice int64   `json:"cost_price"`
	Quantity  int     `json:"quantity"`
	Unit      *string `json:"unit,omitempty"`
}

// DiscountType selects how a discount value is interpreted.
type DiscountType string

const (
	DiscountFixed   DiscountType = "fixed"
	DiscountPercent DiscountType = "percent"
)

// Discount is applied against the settlement subtotal at payment time.
type Discount struct {
	Type        DiscountType `json:"type"`
	Value       int64        `json:"value"`
	Description string       `json:"description,omitempty"`
}

// Examination is one patient visit record and its lifecycle state.
type Examination struct {
	ID uuid.UUID `json:"id"`

	// Subject info
	ParentName     string     `json:"parent_name"`
	ParentPhone    string     `json:"parent_phone"`
	ChildName      string     `json:"child_name"`
	ChildBirthDate *time.Time `json:"child_birth_date,omitempty"`
	ChildGender    *string    `json:"child_gender,omitempty"`
	ChildWeightKG  *float64   `json:"child_weight_kg,omitempty"`

	// Scheduling info
	Date   time.Time `json:"date"`
	Type   ExamType  `json:"type"`
	Status Status    `json:"status"`

	// Clinical payload: opaque rich-document blobs, not interpreted here.
	Symptoms  *string `json:"symptoms,omitempty"`
	Diagnosis *string `json:"diagnosis,omitempty"`
	Note      *string `json:"note,omitempty"`

	// Commercial payload
	Services       []ServiceLine  `json:"services"`
	Medicines      []MedicineLine `json:"medicines"`
	Discounts      []Discount     `json:"discounts"`
	ExaminationFee *int64         `json:"examination_fee,omitempty"` // filled in at payment time

	// Actor stamps, written once per slot.
	BookedBy    *ActorStamp `json:"booked_by,omitempty"`
	ReceivedBy  *ActorStamp `json:"received_by,omitempty"`
	ExaminedBy  *ActorStamp `json:"examined_by,omitempty"`
	PaidBy      *ActorStamp `json:"paid_by,omitempty"`
	CancelledBy *ActorStamp `json:"cancelled_by,omitempty"`

	// Soft-lock lease; populated only while status is IN_PROGRESS.
	ClaimToken     *uuid.UUID `json:"claim_token,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Invoice is the immutable settlement snapshot created exactly once, when an
// examination transitions to COMPLETED.
type Invoice struct {
	ID              uuid.UUID `json:"id"`
	ExaminationID   uuid.UUID `json:"examination_id"`
	ExaminationFee  int64     `json:"examination_fee"`
	ServiceFee      int64     `json:"service_fee"`
	TotalDiscount   int64     `json:"total_discount"`
	Total           int64     `json:"total"`
	MedicineRevenue int64     `json:"medicine_revenue"`
	MedicineCost    int64     `json:"medicine_cost"`
	CreatedAt       time.Time `json:"created_at"`
}

// Session is the per-day-of-week list of bookable time-of-day strings,
// e.g. Monday -> ["17:30", "18:00"]. Consumed when offering booking slots.
type Session struct {
	ID        uuid.UUID    `json:"id"`
	Weekday   time.Weekday `json:"weekday"`
	Times     []string     `json:"times"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// DaySlot is one bookable time on a concrete date, with availability computed
// against existing non-cancelled bookings.
type DaySlot struct {
	Time      time.Time `json:"time"`
	Available bool      `json:"available"`
}
