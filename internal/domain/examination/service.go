package examination

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pedicare/pedicare/internal/platform/auth"
	"github.com/pedicare/pedicare/internal/platform/db"
	"github.com/pedicare/pedicare/internal/platform/ws"
)

// Capability strings checked before each lifecycle operation.
const (
	PermBook          = "examination:book"
	PermReceive       = "examination:receive"
	PermExamine       = "examination:examine"
	PermPay           = "examination:pay"
	PermCancel        = "examination:cancel"
	PermUpdate        = "examination:update"
	PermRead          = "examination:read"
	PermSessionUpdate = "session:update"
)

// Service is the lifecycle controller. Every status change funnels through
// it: capability check, payload validation, conditional write, then a change
// hint broadcast after the write commits.
type Service struct {
	repo     Repository
	invoices InvoiceRepository
	sessions SessionRepository
	fees     FeeSource
	runner   db.Runner
	pub      ws.Publisher
	log      zerolog.Logger

	window   time.Duration
	claimTTL time.Duration
	now      func() time.Time
}

func NewService(
	repo Repository,
	invoices InvoiceRepository,
	sessions SessionRepository,
	fees FeeSource,
	runner db.Runner,
	pub ws.Publisher,
	log zerolog.Logger,
	window, claimTTL time.Duration,
) *Service {
	return &Service{
		repo:     repo,
		invoices: invoices,
		sessions: sessions,
		fees:     fees,
		runner:   runner,
		pub:      pub,
		log:      log.With().Str("component", "examination").Logger(),
		window:   window,
		claimTTL: claimTTL,
		now:      time.Now,
	}
}

// notify broadcasts an invalidation hint. Publishing happens after the state
// change is durable and never affects the outcome of the operation.
func (s *Service) notify(ctx context.Context, id uuid.UUID, date time.Time) {
	event := ws.Event{Type: "update", Topic: ws.TopicExamination, ID: id.String(), Date: &date}
	if err := s.pub.Publish(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("examination_id", id.String()).Msg("change hint publish failed")
	}
}

// classify turns a CAS miss into a StateError describing what the caller hit:
// a missing record, or a record in the wrong status.
func (s *Service) classify(ctx context.Context, id uuid.UUID, expected ...Status) error {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return &StateError{ID: id, Current: current.Status, Expected: expected}
}

// classifyClaim explains a failed token-guarded write: missing record, wrong
// status, or a live claim held under a different token.
func (s *Service) classifyClaim(ctx context.Context, id uuid.UUID) error {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != StatusInProgress {
		return &StateError{ID: id, Current: current.Status, Expected: []Status{StatusInProgress}}
	}
	return &ClaimError{ID: id}
}

// ---------------------------------------------------------------------------
// Intake
// ---------------------------------------------------------------------------

// BookInput is the payload for creating a pre-booked visit.
type BookInput struct {
	ParentName     string     `json:"parent_name"`
	ParentPhone    string     `json:"parent_phone"`
	ChildName      string     `json:"child_name"`
	ChildBirthDate *time.Time `json:"child_birth_date,omitempty"`
	ChildGender    *string    `json:"child_gender,omitempty"`
	ChildWeightKG  *float64   `json:"child_weight_kg,omitempty"`
	Date           time.Time  `json:"date"`
	Symptoms       *string    `json:"symptoms,omitempty"`
	Note           *string    `json:"note,omitempty"`
}

func (in *BookInput) validate() error {
	if strings.TrimSpace(in.ParentName) == "" {
		return &ValidationError{Field: "parent_name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(in.ParentPhone) == "" {
		return &ValidationError{Field: "parent_phone", Reason: "must not be empty"}
	}
	if strings.TrimSpace(in.ChildName) == "" {
		return &ValidationError{Field: "child_name", Reason: "must not be empty"}
	}
	if in.Date.IsZero() {
		return &ValidationError{Field: "date", Reason: "must be set"}
	}
	return nil
}

// windowBucket maps a requested time to the advisory-lock key for its slot
// window, so concurrent bookings targeting the same window serialize.
func (s *Service) windowBucket(date time.Time) int64 {
	return date.Truncate(s.window).Unix()
}

// createGuarded inserts e after locking its slot window and re-checking that
// no existing visit overlaps it. Two visits conflict when their dates are
// less than one window apart, so the check spans (date-window, date+window).
// Any two conflicting dates share at least one of the two buckets that range
// touches; locking both, lowest first, serializes every conflicting pair.
// Must run for every path that creates a dated visit.
func (s *Service) createGuarded(ctx context.Context, e *Examination) error {
	return s.runner.InTx(ctx, func(ctx context.Context) error {
		for _, bucket := range []int64{s.windowBucket(e.Date.Add(-s.window)), s.windowBucket(e.Date)} {
			if err := s.repo.LockWindow(ctx, bucket); err != nil {
				return err
			}
		}
		n, err := s.repo.CountOverlapping(ctx, e.Date.Add(-s.window), e.Date.Add(s.window))
		if err != nil {
			return err
		}
		if n > 0 {
			return &ConflictError{Date: e.Date, Window: s.window}
		}
		return s.repo.Create(ctx, e)
	})
}

// Book creates a PRE_BOOKED visit in BOOKED, rejecting slot conflicts.
func (s *Service) Book(ctx context.Context, in BookInput) (*Examination, error) {
	if err := auth.Require(ctx, PermBook); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	stamp := NewStamp(auth.ActorFromContext(ctx), s.now())
	e := &Examination{
		ID:             uuid.New(),
		ParentName:     in.ParentName,
		ParentPhone:    in.ParentPhone,
		ChildName:      in.ChildName,
		ChildBirthDate: in.ChildBirthDate,
		ChildGender:    in.ChildGender,
		ChildWeightKG:  in.ChildWeightKG,
		Date:           in.Date,
		Type:           TypePreBooked,
		Status:         StatusBooked,
		Symptoms:       in.Symptoms,
		Note:           in.Note,
		BookedBy:       &stamp,
	}
	if err := s.createGuarded(ctx, e); err != nil {
		return nil, err
	}

	s.log.Info().Str("examination_id", e.ID.String()).Time("date", e.Date).Msg("examination booked")
	s.notify(ctx, e.ID, e.Date)
	return s.repo.GetByID(ctx, e.ID)
}

// ReceiveWalkIn creates a WALK_IN visit directly in WAITING; walk-ins never
// reserve a future slot, so no window guard applies. A payload without a
// date checks the patient in at the current time.
func (s *Service) ReceiveWalkIn(ctx context.Context, in BookInput) (*Examination, error) {
	if err := auth.Require(ctx, PermReceive); err != nil {
		return nil, err
	}
	if in.Date.IsZero() {
		in.Date = s.now()
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	stamp := NewStamp(auth.ActorFromContext(ctx), s.now())
	e := &Examination{
		ID:             uuid.New(),
		ParentName:     in.ParentName,
		ParentPhone:    in.ParentPhone,
		ChildName:      in.ChildName,
		ChildBirthDate: in.ChildBirthDate,
		ChildGender:    in.ChildGender,
		ChildWeightKG:  in.ChildWeightKG,
		Date:           in.Date,
		Type:           TypeWalkIn,
		Status:         StatusWaiting,
		Symptoms:       in.Symptoms,
		Note:           in.Note,
		ReceivedBy:     &stamp,
	}
	if err := s.repo.Create(ctx, e); err != nil {
		return nil, err
	}

	s.log.Info().Str("examination_id", e.ID.String()).Msg("walk-in received")
	s.notify(ctx, e.ID, e.Date)
	return s.repo.GetByID(ctx, e.ID)
}

// CreateFollowUp books a FOLLOW_UP visit carrying the subject info of a
// completed source visit. The new slot passes the same window guard as a
// fresh booking.
func (s *Service) CreateFollowUp(ctx context.Context, sourceID uuid.UUID, date time.Time) (*Examination, error) {
	if err := auth.Require(ctx, PermBook); err != nil {
		return nil, err
	}
	if date.IsZero() {
		return nil, &ValidationError{Field: "date", Reason: "must be set"}
	}

	source, err := s.repo.GetByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if source.Status != StatusCompleted {
		return nil, &StateError{ID: sourceID, Current: source.Status, Expected: []Status{StatusCompleted}}
	}

	stamp := NewStamp(auth.ActorFromContext(ctx), s.now())
	e := &Examination{
		ID:             uuid.New(),
		ParentName:     source.ParentName,
		ParentPhone:    source.ParentPhone,
		ChildName:      source.ChildName,
		ChildBirthDate: source.ChildBirthDate,
		ChildGender:    source.ChildGender,
		ChildWeightKG:  source.ChildWeightKG,
		Date:           date,
		Type:           TypeFollowUp,
		Status:         StatusBooked,
		BookedBy:       &stamp,
	}
	if err := s.createGuarded(ctx, e); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("examination_id", e.ID.String()).
		Str("source_id", sourceID.String()).
		Msg("follow-up booked")
	s.notify(ctx, e.ID, e.Date)
	return s.repo.GetByID(ctx, e.ID)
}

// ---------------------------------------------------------------------------
// Lifecycle transitions
// ---------------------------------------------------------------------------

// Receive checks in a booked visit at the front desk: BOOKED -> WAITING.
func (s *Service) Receive(ctx context.Context, id uuid.UUID) (*Examination, error) {
	if err := auth.Require(ctx, PermReceive); err != nil {
		return nil, err
	}

	stamp := NewStamp(auth.ActorFromContext(ctx), s.now())
	e, err := s.repo.Receive(ctx, id, stamp)
	if err == ErrNoRowUpdated {
		return nil, s.classify(ctx, id, StatusBooked)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("examination_id", id.String()).Msg("examination received")
	s.notify(ctx, e.ID, e.Date)
	return e, nil
}

// Claim marks a waiting visit as actively worked on (WAITING -> IN_PROGRESS)
// and hands the caller a lease token. The lease expires unless renewed via
// Heartbeat; the sweeper returns lapsed claims to WAITING.
func (s *Service) Claim(ctx context.Context, id uuid.UUID) (*Examination, error) {
	if err := auth.Require(ctx, PermExamine); err != nil {
		return nil, err
	}

	token := uuid.New()
	e, err := s.repo.Claim(ctx, id, token, s.now().Add(s.claimTTL))
	if err == ErrNoRowUpdated {
		return nil, s.classify(ctx, id, StatusWaiting)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("examination_id", id.String()).Msg("examination claimed")
	s.notify(ctx, e.ID, e.Date)
	return e, nil
}

// Heartbeat extends the lease held under token.
func (s *Service) Heartbeat(ctx context.Context, id uuid.UUID, token uuid.UUID) (*Examination, error) {
	if err := auth.Require(ctx, PermExamine); err != nil {
		return nil, err
	}

	e, err := s.repo.RenewClaim(ctx, id, token, s.now().Add(s.claimTTL))
	if err == ErrNoRowUpdated {
		return nil, s.classifyClaim(ctx, id)
	}
	return e, err
}

// Release abandons a claim held under token: IN_PROGRESS -> WAITING.
func (s *Service) Release(ctx context.Context, id uuid.UUID, token uuid.UUID) (*Examination, error) {
	if err := auth.Require(ctx, PermExamine); err != nil {
		return nil, err
	}

	e, err := s.repo.ReleaseClaim(ctx, id, token)
	if err == ErrNoRowUpdated {
		return nil, s.classifyClaim(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("examination_id", id.String()).Msg("claim released")
	s.notify(ctx, e.ID, e.Date)
	return e, nil
}

// Examine records the exam results and moves the visit to PENDING_PAYMENT.
// Accepted from WAITING as well as IN_PROGRESS, so an unclaimed exam can
// still be submitted.
func (s *Service) Examine(ctx context.Context, id uuid.UUID, fields ClinicalFields) (*Examination, error) {
	if err := auth.Require(ctx, PermExamine); err != nil {
		return nil, err
	}
	if fields.Diagnosis == nil || strings.TrimSpace(*fields.Diagnosis) == "" {
		return nil, &ValidationError{Field: "diagnosis", Reason: "must not be empty"}
	}
	for _, m := range fields.Medicines {
		if m.Quantity <= 0 {
			return nil, &ValidationError{Field: "medicines", Reason: "quantity must be positive"}
		}
		if m.Price < 0 || m.CostPrice < 0 {
			return nil, &ValidationError{Field: "medicines", Reason: "price must not be negative"}
		}
	}

	stamp := NewStamp(auth.ActorFromContext(ctx), s.now())
	e, err := s.repo.Examine(ctx, id, fields, stamp)
	if err == ErrNoRowUpdated {
		return nil, s.classify(ctx, id, StatusWaiting, StatusInProgress)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("examination_id", id.String()).Msg("examination submitted")
	s.notify(ctx, e.ID, e.Date)
	return e, nil
}

// PayInput is the settlement payload. ExaminationFee, when nil, is read from
// the fee catalog at payment time.
type PayInput struct {
	Services       []ServiceLine `json:"services"`
	Discounts      []Discount    `json:"discounts"`
	ExaminationFee *int64        `json:"examination_fee,omitempty"`
}

func (in *PayInput) validate() error {
	for _, line := range in.Services {
		if line.Quantity <= 0 {
			return &ValidationError{Field: "services", Reason: "quantity must be positive"}
		}
		if line.Price < 0 {
			return &ValidationError{Field: "services", Reason: "price must not be negative"}
		}
	}
	for _, d := range in.Discounts {
		if d.Type != DiscountFixed && d.Type != DiscountPercent {
			return &ValidationError{Field: "discounts", Reason: "type must be fixed or percent"}
		}
		if d.Value < 0 {
			return &ValidationError{Field: "discounts", Reason: "value must not be negative"}
		}
		if d.Type == DiscountPercent && d.Value > 100 {
			return &ValidationError{Field: "discounts", Reason: "percent must not exceed 100"}
		}
	}
	if in.ExaminationFee != nil && *in.ExaminationFee < 0 {
		return &ValidationError{Field: "examination_fee", Reason: "must not be negative"}
	}
	return nil
}

// Pay settles the visit: PENDING_PAYMENT -> COMPLETED, writing the invoice in
// the same transaction. A visit that fails the status check produces no
// invoice, and re-paying a completed visit is rejected the same way.
func (s *Service) Pay(ctx context.Context, id uuid.UUID, in PayInput) (*Examination, *Invoice, error) {
	if err := auth.Require(ctx, PermPay); err != nil {
		return nil, nil, err
	}
	if err := in.validate(); err != nil {
		return nil, nil, err
	}

	stamp := NewStamp(auth.ActorFromContext(ctx), s.now())

	var (
		e   *Examination
		inv *Invoice
	)
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		fee := int64(0)
		if in.ExaminationFee != nil {
			fee = *in.ExaminationFee
		} else {
			current, err := s.fees.CurrentExaminationFee(ctx)
			if err != nil {
				return err
			}
			fee = current
		}

		pay := PaymentFields{Services: in.Services, Discounts: in.Discounts, ExaminationFee: fee}
		updated, err := s.repo.CompletePayment(ctx, id, pay, stamp)
		if err == ErrNoRowUpdated {
			return s.classify(ctx, id, StatusPendingPayment)
		}
		if err != nil {
			return err
		}

		settlement := ComputeSettlement(fee, updated.Services, updated.Medicines, updated.Discounts)
		invoice := &Invoice{
			ID:              uuid.New(),
			ExaminationID:   updated.ID,
			ExaminationFee:  settlement.ExaminationFee,
			ServiceFee:      settlement.ServiceFee,
			TotalDiscount:   settlement.TotalDiscount,
			Total:           settlement.Total,
			MedicineRevenue: settlement.MedicineRevenue,
			MedicineCost:    settlement.MedicineCost,
		}
		if err := s.invoices.Create(ctx, invoice); err != nil {
			return err
		}

		e, inv = updated, invoice
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.log.Info().
		Str("examination_id", id.String()).
		Str("invoice_id", inv.ID.String()).
		Int64("total", inv.Total).
		Msg("examination paid")
	s.notify(ctx, e.ID, e.Date)
	return e, inv, nil
}

// Cancel aborts an active visit. Allowed from BOOKED, WAITING, and
// PENDING_PAYMENT; an IN_PROGRESS visit must be released first, and
// terminal records stay put.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Examination, error) {
	if err := auth.Require(ctx, PermCancel); err != nil {
		return nil, err
	}

	stamp := NewStamp(auth.ActorFromContext(ctx), s.now())
	e, err := s.repo.Cancel(ctx, id, stamp)
	if err == ErrNoRowUpdated {
		return nil, s.classify(ctx, id, StatusBooked, StatusWaiting, StatusPendingPayment)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("examination_id", id.String()).Msg("examination cancelled")
	s.notify(ctx, e.ID, e.Date)
	return e, nil
}

// UpdateTerminal applies a clerical correction to a COMPLETED or CANCELLED
// record. Status, stamps, and settlement numbers are untouchable.
func (s *Service) UpdateTerminal(ctx context.Context, id uuid.UUID, edit TerminalEdit) (*Examination, error) {
	if err := auth.Require(ctx, PermUpdate); err != nil {
		return nil, err
	}

	e, err := s.repo.UpdateTerminal(ctx, id, edit)
	if err == ErrNoRowUpdated {
		return nil, s.classify(ctx, id, StatusCompleted, StatusCancelled)
	}
	if err != nil {
		return nil, err
	}

	s.notify(ctx, e.ID, e.Date)
	return e, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Examination, error) {
	if err := auth.Require(ctx, PermRead); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, from, to time.Time, status *Status, limit, offset int) ([]*Examination, int, error) {
	if err := auth.Require(ctx, PermRead); err != nil {
		return nil, 0, err
	}
	if status != nil && !status.Valid() {
		return nil, 0, &ValidationError{Field: "status", Reason: "unknown status"}
	}
	return s.repo.ListByDateRange(ctx, from, to, status, limit, offset)
}

func (s *Service) ListInvoices(ctx context.Context, from, to time.Time, limit, offset int) ([]*Invoice, int, error) {
	if err := auth.Require(ctx, PermRead); err != nil {
		return nil, 0, err
	}
	return s.invoices.ListByCreatedRange(ctx, from, to, limit, offset)
}

// ---------------------------------------------------------------------------
// Sessions and slots
// ---------------------------------------------------------------------------

func (s *Service) ListSessions(ctx context.Context) ([]*Session, error) {
	if err := auth.Require(ctx, PermRead); err != nil {
		return nil, err
	}
	return s.sessions.List(ctx)
}

// UpsertSession replaces the bookable times for one weekday.
func (s *Service) UpsertSession(ctx context.Context, wd time.Weekday, times []string) (*Session, error) {
	if err := auth.Require(ctx, PermSessionUpdate); err != nil {
		return nil, err
	}
	if wd < time.Sunday || wd > time.Saturday {
		return nil, &ValidationError{Field: "weekday", Reason: "must be 0 through 6"}
	}
	for _, t := range times {
		if _, err := time.Parse("15:04", t); err != nil {
			return nil, &ValidationError{Field: "times", Reason: "must be HH:MM"}
		}
	}

	session := &Session{Weekday: wd, Times: times}
	if err := s.sessions.Upsert(ctx, session); err != nil {
		return nil, err
	}
	return s.sessions.GetByWeekday(ctx, wd)
}

// AvailableSlots expands the weekday session for date into concrete times and
// marks each one available unless a non-cancelled visit overlaps its window,
// the same overlap rule Book enforces. A weekday with no session configured
// yields no slots.
func (s *Service) AvailableSlots(ctx context.Context, date time.Time) ([]DaySlot, error) {
	if err := auth.Require(ctx, PermRead); err != nil {
		return nil, err
	}

	session, err := s.sessions.GetByWeekday(ctx, date.Weekday())
	if err != nil {
		return nil, err
	}
	if session == nil {
		return []DaySlot{}, nil
	}

	slots := make([]DaySlot, 0, len(session.Times))
	for _, t := range session.Times {
		hm, err := time.Parse("15:04", t)
		if err != nil {
			continue
		}
		at := time.Date(date.Year(), date.Month(), date.Day(),
			hm.Hour(), hm.Minute(), 0, 0, date.Location())

		n, err := s.repo.CountOverlapping(ctx, at.Add(-s.window), at.Add(s.window))
		if err != nil {
			return nil, err
		}
		slots = append(slots, DaySlot{Time: at, Available: n == 0})
	}
	return slots, nil
}

// ---------------------------------------------------------------------------
// Sweeper entry point
// ---------------------------------------------------------------------------

// ReleaseExpired returns every visit whose claim lease lapsed to WAITING and
// broadcasts a hint for each. Called by the background sweeper.
func (s *Service) ReleaseExpired(ctx context.Context) (int, error) {
	released, err := s.repo.ReleaseExpiredClaims(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, rc := range released {
		s.log.Info().Str("examination_id", rc.ID.String()).Msg("expired claim released")
		s.notify(ctx, rc.ID, rc.Date)
	}
	return len(released), nil
}
