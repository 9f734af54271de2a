package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pedicare/pedicare/internal/platform/auth"
)

const (
	PermRead   = "catalog:read"
	PermUpdate = "catalog:update"
)

// Service manages the clinic's billable catalogs and doubles as the fee
// source consulted at payment time.
type Service struct {
	repo Repository
	log  zerolog.Logger
	now  func() time.Time
}

func NewService(repo Repository, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With().Str("component", "catalog").Logger(),
		now:  time.Now,
	}
}

// CurrentExaminationFee satisfies the fee-source contract of the examination
// settlement. A clinic without a fee schedule cannot settle visits, so the
// error propagates to the payment path instead of resolving to zero.
func (s *Service) CurrentExaminationFee(ctx context.Context) (int64, error) {
	fee, err := s.repo.CurrentFee(ctx, s.now())
	if errors.Is(err, ErrNoFeeSchedule) {
		s.log.Warn().Msg("examination fee requested but no fee schedule is configured")
	}
	return fee, err
}

func (s *Service) ListServices(ctx context.Context, activeOnly bool) ([]*ServiceItem, error) {
	if err := auth.Require(ctx, PermRead); err != nil {
		return nil, err
	}
	return s.repo.ListServices(ctx, activeOnly)
}

func (s *Service) SaveService(ctx context.Context, item *ServiceItem) (*ServiceItem, error) {
	if err := auth.Require(ctx, PermUpdate); err != nil {
		return nil, err
	}
	if strings.TrimSpace(item.Name) == "" {
		return nil, errInvalid("name must not be empty")
	}
	if item.Price < 0 {
		return nil, errInvalid("price must not be negative")
	}
	if err := s.repo.UpsertService(ctx, item); err != nil {
		return nil, err
	}
	return s.repo.GetService(ctx, item.ID)
}

func (s *Service) ListMedicines(ctx context.Context, activeOnly bool) ([]*MedicineItem, error) {
	if err := auth.Require(ctx, PermRead); err != nil {
		return nil, err
	}
	return s.repo.ListMedicines(ctx, activeOnly)
}

func (s *Service) SaveMedicine(ctx context.Context, item *MedicineItem) (*MedicineItem, error) {
	if err := auth.Require(ctx, PermUpdate); err != nil {
		return nil, err
	}
	if strings.TrimSpace(item.Name) == "" {
		return nil, errInvalid("name must not be empty")
	}
	if item.Price < 0 || item.CostPrice < 0 {
		return nil, errInvalid("price must not be negative")
	}
	if err := s.repo.UpsertMedicine(ctx, item); err != nil {
		return nil, err
	}
	return s.repo.GetMedicine(ctx, item.ID)
}

func (s *Service) GetFee(ctx context.Context) (int64, error) {
	if err := auth.Require(ctx, PermRead); err != nil {
		return 0, err
	}
	return s.repo.CurrentFee(ctx, s.now())
}

// SetFee appends a new fee-schedule row. History is append-only so past
// invoices stay explicable against the fee that was in force.
func (s *Service) SetFee(ctx context.Context, fee int64, effectiveFrom time.Time) (*FeeSchedule, error) {
	if err := auth.Require(ctx, PermUpdate); err != nil {
		return nil, err
	}
	if fee < 0 {
		return nil, errInvalid("examination_fee must not be negative")
	}
	if effectiveFrom.IsZero() {
		effectiveFrom = s.now()
	}

	fs := &FeeSchedule{ID: uuid.New(), ExaminationFee: fee, EffectiveFrom: effectiveFrom}
	if err := s.repo.AddFee(ctx, fs); err != nil {
		return nil, err
	}

	s.log.Info().Int64("examination_fee", fee).Time("effective_from", effectiveFrom).
		Msg("examination fee updated")
	return fs, nil
}

func (s *Service) ListFees(ctx context.Context) ([]*FeeSchedule, error) {
	if err := auth.Require(ctx, PermRead); err != nil {
		return nil, err
	}
	return s.repo.ListFees(ctx)
}

// ValidationError mirrors the shape used across domains for bad payloads.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Reason }

func errInvalid(reason string) error { return &ValidationError{Reason: reason} }
