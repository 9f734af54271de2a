package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNoFeeSchedule is returned when no fee-schedule row is in force. Paying
// a visit against an unconfigured schedule must fail loudly rather than
// settle it for free.
var ErrNoFeeSchedule = errors.New("no examination fee schedule in force")

// Repository persists the service, medicine, and fee catalogs.
type Repository interface {
	ListServices(ctx context.Context, activeOnly bool) ([]*ServiceItem, error)
	GetService(ctx context.Context, id uuid.UUID) (*ServiceItem, error)
	UpsertService(ctx context.Context, item *ServiceItem) error

	ListMedicines(ctx context.Context, activeOnly bool) ([]*MedicineItem, error)
	GetMedicine(ctx context.Context, id uuid.UUID) (*MedicineItem, error)
	UpsertMedicine(ctx context.Context, item *MedicineItem) error

	// CurrentFee returns the examination fee in force at now, or
	// ErrNoFeeSchedule when no row has taken effect yet.
	CurrentFee(ctx context.Context, now time.Time) (int64, error)
	AddFee(ctx context.Context, fs *FeeSchedule) error
	ListFees(ctx context.Context) ([]*FeeSchedule, error)
}
