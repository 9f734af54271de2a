package catalog

import (
	"time"

	"github.com/google/uuid"
)

// ServiceItem is a billable service offered by the clinic. Prices here are
// catalog prices; visits snapshot them at selection time and are unaffected
// by later edits.
type ServiceItem struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"`
	Unit      *string   `json:"unit,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MedicineItem is a dispensable medicine. CostPrice is the clinic's purchase
// price; both prices are snapshotted onto the visit when dispensed.
type MedicineItem struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"`
	CostPrice int64     `json:"cost_price"`
	Unit      *string   `json:"unit,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FeeSchedule is one row of the examination-fee history. The fee in force at
// any instant is the latest row whose EffectiveFrom is not in the future.
type FeeSchedule struct {
	ID             uuid.UUID `json:"id"`
	ExaminationFee int64     `json:"examination_fee"`
	EffectiveFrom  time.Time `json:"effective_from"`
	CreatedAt      time.Time `json:"created_at"`
}
