package examination

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pedicare/pedicare/internal/platform/auth"
	"github.com/pedicare/pedicare/internal/platform/ws"
)

// -- Mock Repository --

// mockRepo mirrors the conditional-write semantics of the real store: every
// transition checks the current status under a lock and fails with
// ErrNoRowUpdated when the record is not in the expected state.
type mockRepo struct {
	mu    sync.Mutex
	exams map[uuid.UUID]*Examination
}

func newMockRepo() *mockRepo {
	return &mockRepo{exams: make(map[uuid.UUID]*Examination)}
}

func (m *mockRepo) Create(_ context.Context, e *Examination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	m.exams[e.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Examination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exams[id]
	if !ok {
		return nil, &StateError{ID: id, NotFound: true}
	}
	cp := *e
	return &cp, nil
}

func (m *mockRepo) ListByDateRange(_ context.Context, from, to time.Time, status *Status, limit, offset int) ([]*Examination, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Examination
	for _, e := range m.exams {
		if e.Date.Before(from) || !e.Date.Before(to) {
			continue
		}
		if status != nil && e.Status != *status {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, len(result), nil
}

func (m *mockRepo) CountOverlapping(_ context.Context, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.exams {
		if e.Status == StatusCancelled {
			continue
		}
		if e.Date.After(from) && e.Date.Before(to) {
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) LockWindow(_ context.Context, _ int64) error { return nil }

func (m *mockRepo) update(id uuid.UUID, check func(*Examination) bool, apply func(*Examination)) (*Examination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exams[id]
	if !ok || !check(e) {
		return nil, ErrNoRowUpdated
	}
	apply(e)
	e.UpdatedAt = time.Now()
	cp := *e
	return &cp, nil
}

func (m *mockRepo) Receive(_ context.Context, id uuid.UUID, stamp ActorStamp) (*Examination, error) {
	return m.update(id,
		func(e *Examination) bool { return e.Status == StatusBooked },
		func(e *Examination) {
			e.Status = StatusWaiting
			e.ReceivedBy = &stamp
		})
}

func (m *mockRepo) Claim(_ context.Context, id uuid.UUID, token uuid.UUID, expires time.Time) (*Examination, error) {
	return m.update(id,
		func(e *Examination) bool { return e.Status == StatusWaiting },
		func(e *Examination) {
			e.Status = StatusInProgress
			e.ClaimToken = &token
			e.ClaimExpiresAt = &expires
		})
}

func (m *mockRepo) RenewClaim(_ context.Context, id uuid.UUID, token uuid.UUID, expires time.Time) (*Examination, error) {
	return m.update(id,
		func(e *Examination) bool {
			return e.Status == StatusInProgress && e.ClaimToken != nil && *e.ClaimToken == token
		},
		func(e *Examination) { e.ClaimExpiresAt = &expires })
}

func (m *mockRepo) ReleaseClaim(_ context.Context, id uuid.UUID, token uuid.UUID) (*Examination, error) {
	return m.update(id,
		func(e *Examination) bool {
			return e.Status == StatusInProgress && e.ClaimToken != nil && *e.ClaimToken == token
		},
		func(e *Examination) {
			e.Status = StatusWaiting
			e.ClaimToken = nil
			e.ClaimExpiresAt = nil
		})
}

func (m *mockRepo) ReleaseExpiredClaims(_ context.Context, now time.Time) ([]ReleasedClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released []ReleasedClaim
	for _, e := range m.exams {
		if e.Status == StatusInProgress && e.ClaimExpiresAt != nil && e.ClaimExpiresAt.Before(now) {
			e.Status = StatusWaiting
			e.ClaimToken = nil
			e.ClaimExpiresAt = nil
			released = append(released, ReleasedClaim{ID: e.ID, Date: e.Date})
		}
	}
	return released, nil
}

func (m *mockRepo) Examine(_ context.Context, id uuid.UUID, fields ClinicalFields, stamp ActorStamp) (*Examination, error) {
	return m.update(id,
		func(e *Examination) bool {
			return e.Status == StatusWaiting || e.Status == StatusInProgress
		},
		func(e *Examination) {
			e.Status = StatusPendingPayment
			if fields.Symptoms != nil {
				e.Symptoms = fields.Symptoms
			}
			e.Diagnosis = fields.Diagnosis
			if fields.Note != nil {
				e.Note = fields.Note
			}
			e.Medicines = fields.Medicines
			e.ExaminedBy = &stamp
			e.ClaimToken = nil
			e.ClaimExpiresAt = nil
		})
}

func (m *mockRepo) CompletePayment(_ context.Context, id uuid.UUID, pay PaymentFields, stamp ActorStamp) (*Examination, error) {
	return m.update(id,
		func(e *Examination) bool { return e.Status == StatusPendingPayment },
		func(e *Examination) {
			e.Status = StatusCompleted
			e.Services = pay.Services
			e.Discounts = pay.Discounts
			fee := pay.ExaminationFee
			e.ExaminationFee = &fee
			e.PaidBy = &stamp
		})
}

func (m *mockRepo) Cancel(_ context.Context, id uuid.UUID, stamp ActorStamp) (*Examination, error) {
	return m.update(id,
		func(e *Examination) bool {
			switch e.Status {
			case StatusBooked, StatusWaiting, StatusPendingPayment:
				return true
			}
			return false
		},
		func(e *Examination) {
			e.Status = StatusCancelled
			e.CancelledBy = &stamp
			e.ClaimToken = nil
			e.ClaimExpiresAt = nil
		})
}

func (m *mockRepo) UpdateTerminal(_ context.Context, id uuid.UUID, edit TerminalEdit) (*Examination, error) {
	return m.update(id,
		func(e *Examination) bool { return e.Status.Terminal() },
		func(e *Examination) {
			if edit.ParentName != nil {
				e.ParentName = *edit.ParentName
			}
			if edit.Note != nil {
				e.Note = edit.Note
			}
			if edit.Diagnosis != nil {
				e.Diagnosis = edit.Diagnosis
			}
		})
}

// -- Mock InvoiceRepository --

type mockInvoiceRepo struct {
	mu       sync.Mutex
	invoices []*Invoice
}

func (m *mockInvoiceRepo) Create(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.invoices {
		if existing.ExaminationID == inv.ExaminationID {
			return errors.New("duplicate invoice")
		}
	}
	inv.CreatedAt = time.Now()
	cp := *inv
	m.invoices = append(m.invoices, &cp)
	return nil
}

func (m *mockInvoiceRepo) ListByCreatedRange(_ context.Context, from, to time.Time, limit, offset int) ([]*Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invoices, len(m.invoices), nil
}

// -- Mock SessionRepository --

type mockSessionRepo struct {
	mu       sync.Mutex
	sessions map[time.Weekday]*Session
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{sessions: make(map[time.Weekday]*Session)}
}

func (m *mockSessionRepo) List(_ context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Session
	for _, s := range m.sessions {
		result = append(result, s)
	}
	return result, nil
}

func (m *mockSessionRepo) GetByWeekday(_ context.Context, wd time.Weekday) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[wd], nil
}

func (m *mockSessionRepo) Upsert(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.sessions[s.Weekday] = s
	return nil
}

// -- Other mocks --

type mockFeeSource struct {
	fee int64
	err error
}

func (m *mockFeeSource) CurrentExaminationFee(_ context.Context) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.fee, nil
}

// serialRunner serializes transactional units like the real store would.
type serialRunner struct{ mu sync.Mutex }

func (r *serialRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx)
}

type mockPublisher struct {
	mu     sync.Mutex
	events []ws.Event
}

func (m *mockPublisher) Publish(_ context.Context, event ws.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// -- Helpers --

type fixture struct {
	svc      *Service
	repo     *mockRepo
	invoices *mockInvoiceRepo
	sessions *mockSessionRepo
	pub      *mockPublisher
}

func newFixture() *fixture {
	repo := newMockRepo()
	invoices := &mockInvoiceRepo{}
	sessions := newMockSessionRepo()
	pub := &mockPublisher{}
	svc := NewService(repo, invoices, sessions, &mockFeeSource{fee: 20000},
		&serialRunner{}, pub, zerolog.Nop(), 30*time.Minute, 2*time.Minute)
	return &fixture{svc: svc, repo: repo, invoices: invoices, sessions: sessions, pub: pub}
}

func staffCtx(name string) context.Context {
	ctx := auth.WithActor(context.Background(), auth.Actor{
		UserID: "u-" + name, Name: name, Phone: "555-0100",
	})
	return auth.WithPermissions(ctx, []string{"*"})
}

func limitedCtx(perms ...string) context.Context {
	ctx := auth.WithActor(context.Background(), auth.Actor{UserID: "u-1", Name: "limited"})
	return auth.WithPermissions(ctx, perms)
}

func validBooking(at time.Time) BookInput {
	return BookInput{
		ParentName:  "An Nguyen",
		ParentPhone: "555-0101",
		ChildName:   "Bao Nguyen",
		Date:        at,
	}
}

func strptr(s string) *string { return &s }

// -- Intake --

func TestBook(t *testing.T) {
	f := newFixture()
	ctx := staffCtx("reception")
	at := time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC)

	e, err := f.svc.Book(ctx, validBooking(at))
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if e.Status != StatusBooked {
		t.Errorf("status = %s, want BOOKED", e.Status)
	}
	if e.Type != TypePreBooked {
		t.Errorf("type = %s, want PRE_BOOKED", e.Type)
	}
	if e.BookedBy == nil || e.BookedBy.Name != "reception" {
		t.Errorf("booked_by stamp not recorded: %+v", e.BookedBy)
	}
	if f.pub.count() != 1 {
		t.Errorf("published %d events, want 1", f.pub.count())
	}
}

func TestBookValidation(t *testing.T) {
	f := newFixture()
	ctx := staffCtx("reception")
	at := time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(*BookInput)
	}{
		{"empty parent name", func(in *BookInput) { in.ParentName = " " }},
		{"empty parent phone", func(in *BookInput) { in.ParentPhone = "" }},
		{"empty child name", func(in *BookInput) { in.ChildName = "" }},
		{"zero date", func(in *BookInput) { in.Date = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validBooking(at)
			tt.mutate(&in)
			_, err := f.svc.Book(ctx, in)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("got %v, want ValidationError", err)
			}
		})
	}
}

func TestBookSlotConflict(t *testing.T) {
	f := newFixture()
	ctx := staffCtx("reception")
	at := time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC)

	if _, err := f.svc.Book(ctx, validBooking(at)); err != nil {
		t.Fatalf("first booking failed: %v", err)
	}

	// A booking shortly after the existing one lands inside its window.
	_, err := f.svc.Book(ctx, validBooking(at.Add(10*time.Minute)))
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("later overlap: got %v, want ConflictError", err)
	}

	// A booking shortly before it overlaps too: the existing window would
	// swallow the new visit's window.
	_, err = f.svc.Book(ctx, validBooking(at.Add(-10*time.Minute)))
	if !errors.As(err, &ce) {
		t.Fatalf("earlier overlap: got %v, want ConflictError", err)
	}

	// Exactly one window away in either direction is fine.
	if _, err := f.svc.Book(ctx, validBooking(at.Add(30*time.Minute))); err != nil {
		t.Errorf("next window rejected: %v", err)
	}
	if _, err := f.svc.Book(ctx, validBooking(at.Add(-30*time.Minute))); err != nil {
		t.Errorf("previous window rejected: %v", err)
	}
}

func TestBookCancelledSlotIsFree(t *testing.T) {
	f := newFixture()
	ctx := staffCtx("reception")
	at := time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC)

	first, err := f.svc.Book(ctx, validBooking(at))
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, first.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if _, err := f.svc.Book(ctx, validBooking(at)); err != nil {
		t.Errorf("cancelled slot should be bookable again: %v", err)
	}
}

func TestBookConcurrentSameWindow(t *testing.T) {
	f := newFixture()
	ctx := staffCtx("reception")
	at := time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Book(ctx, validBooking(at))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			success++
		default:
			var ce *ConflictError
			if errors.As(err, &ce) {
				conflicts++
			}
		}
	}
	if success != 1 {
		t.Errorf("%d bookings succeeded, want exactly 1", success)
	}
	if conflicts != workers-1 {
		t.Errorf("%d conflicts, want %d", conflicts, workers-1)
	}
}

func TestReceiveWalkIn(t *testing.T) {
	f := newFixture()
	ctx := staffCtx("reception")

	e, err := f.svc.ReceiveWalkIn(ctx, validBooking(time.Now()))
	if err != nil {
		t.Fatalf("ReceiveWalkIn failed: %v", err)
	}
	if e.Status != StatusWaiting {
		t.Errorf("status = %s, want WAITING", e.Status)
	}
	if e.Type != TypeWalkIn {
		t.Errorf("type = %s, want WALK_IN", e.Type)
	}
	if e.ReceivedBy == nil {
		t.Error("received_by stamp not recorded")
	}
	if e.BookedBy != nil {
		t.Error("walk-in should have no booked_by stamp")
	}
}

func TestReceiveWalkInDefaultsDateToNow(t *testing.T) {
	f := newFixture()
	now := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	e, err := f.svc.ReceiveWalkIn(staffCtx("reception"), validBooking(time.Time{}))
	if err != nil {
		t.Fatalf("walk-in without date rejected: %v", err)
	}
	if !e.Date.Equal(now) {
		t.Errorf("date = %v, want %v", e.Date, now)
	}
	if e.Status != StatusWaiting {
		t.Errorf("status = %s, want WAITING", e.Status)
	}
}

// -- Lifecycle --

func (f *fixture) mustBook(t *testing.T, at time.Time) *Examination {
	t.Helper()
	e, err := f.svc.Book(staffCtx("reception"), validBooking(at))
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	return e
}

func (f *fixture) mustWaiting(t *testing.T, at time.Time) *Examination {
	t.Helper()
	e := f.mustBook(t, at)
	e, err := f.svc.Receive(staffCtx("reception"), e.ID)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	return e
}

func (f *fixture) mustPending(t *testing.T, at time.Time) *Examination {
	t.Helper()
	e := f.mustWaiting(t, at)
	e, err := f.svc.Examine(staffCtx("doctor"), e.ID, ClinicalFields{
		Diagnosis: strptr("common cold"),
	})
	if err != nil {
		t.Fatalf("Examine failed: %v", err)
	}
	return e
}

func TestReceive(t *testing.T) {
	f := newFixture()
	e := f.mustBook(t, time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))

	got, err := f.svc.Receive(staffCtx("frontdesk"), e.ID)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if got.Status != StatusWaiting {
		t.Errorf("status = %s, want WAITING", got.Status)
	}
	if got.ReceivedBy == nil || got.ReceivedBy.Name != "frontdesk" {
		t.Errorf("received_by stamp = %+v", got.ReceivedBy)
	}
	if got.BookedBy == nil {
		t.Error("booked_by stamp must survive later transitions")
	}
}

func TestReceiveConcurrentExactlyOneWins(t *testing.T) {
	f := newFixture()
	e := f.mustBook(t, time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Receive(staffCtx("frontdesk"), e.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		var se *StateError
		if !errors.As(err, &se) || se.NotFound {
			t.Errorf("loser got %v, want wrong-status StateError", err)
		}
	}
	if success != 1 {
		t.Errorf("%d receives succeeded, want exactly 1", success)
	}
}

func TestReceiveWrongStatus(t *testing.T) {
	f := newFixture()
	e := f.mustWaiting(t, time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))

	_, err := f.svc.Receive(staffCtx("frontdesk"), e.ID)
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want StateError", err)
	}
	if se.NotFound {
		t.Error("existing record must not be reported as not found")
	}
	if se.Current != StatusWaiting {
		t.Errorf("current = %s, want WAITING", se.Current)
	}
}

func TestReceiveNotFound(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Receive(staffCtx("frontdesk"), uuid.New())
	if !IsNotFound(err) {
		t.Errorf("got %v, want not-found StateError", err)
	}
}

func TestClaimHeartbeatRelease(t *testing.T) {
	f := newFixture()
	e := f.mustWaiting(t, time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))
	ctx := staffCtx("doctor")

	claimed, err := f.svc.Claim(ctx, e.ID)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed.Status != StatusInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", claimed.Status)
	}
	if claimed.ClaimToken == nil || claimed.ClaimExpiresAt == nil {
		t.Fatal("claim lease not populated")
	}
	token := *claimed.ClaimToken

	// A second claim must lose.
	if _, err := f.svc.Claim(ctx, e.ID); err == nil {
		t.Error("second claim should fail")
	}

	// Heartbeat with the right token extends the lease.
	firstExpiry := *claimed.ClaimExpiresAt
	time.Sleep(5 * time.Millisecond)
	renewed, err := f.svc.Heartbeat(ctx, e.ID, token)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if !renewed.ClaimExpiresAt.After(firstExpiry) {
		t.Error("heartbeat did not extend the lease")
	}

	// Heartbeat with a stale token is rejected.
	_, err = f.svc.Heartbeat(ctx, e.ID, uuid.New())
	var le *ClaimError
	if !errors.As(err, &le) {
		t.Errorf("got %v, want ClaimError", err)
	}

	// Release returns the visit to WAITING and clears the lease.
	released, err := f.svc.Release(ctx, e.ID, token)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Status != StatusWaiting {
		t.Errorf("status = %s, want WAITING", released.Status)
	}
	if released.ClaimToken != nil || released.ClaimExpiresAt != nil {
		t.Error("lease not cleared on release")
	}

	// The visit is claimable again.
	if _, err := f.svc.Claim(staffCtx("doctor2"), e.ID); err != nil {
		t.Errorf("re-claim after release failed: %v", err)
	}
}

func TestReleaseExpired(t *testing.T) {
	f := newFixture()
	e := f.mustWaiting(t, time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))
	ctx := staffCtx("doctor")

	if _, err := f.svc.Claim(ctx, e.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	// Nothing expires while the lease is live.
	n, err := f.svc.ReleaseExpired(ctx)
	if err != nil {
		t.Fatalf("ReleaseExpired failed: %v", err)
	}
	if n != 0 {
		t.Errorf("released %d live claims, want 0", n)
	}

	// Jump past the TTL.
	f.svc.now = func() time.Time { return time.Now().Add(5 * time.Minute) }
	n, err = f.svc.ReleaseExpired(ctx)
	if err != nil {
		t.Fatalf("ReleaseExpired failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("released %d claims, want 1", n)
	}

	got, err := f.svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusWaiting {
		t.Errorf("status = %s, want WAITING after sweep", got.Status)
	}
}

func TestExamine(t *testing.T) {
	f := newFixture()
	e := f.mustWaiting(t, time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))

	fields := ClinicalFields{
		Symptoms:  strptr("fever, cough"),
		Diagnosis: strptr("bronchitis"),
		Medicines: []MedicineLine{
			{ID: "m1", Name: "Amoxicillin", Price: 30000, CostPrice: 18000, Quantity: 2},
		},
	}
	got, err := f.svc.Examine(staffCtx("doctor"), e.ID, fields)
	if err != nil {
		t.Fatalf("Examine failed: %v", err)
	}
	if got.Status != StatusPendingPayment {
		t.Errorf("status = %s, want PENDING_PAYMENT", got.Status)
	}
	if got.ExaminedBy == nil || got.ExaminedBy.Name != "doctor" {
		t.Errorf("examined_by stamp = %+v", got.ExaminedBy)
	}
	if len(got.Medicines) != 1 {
		t.Errorf("medicines = %d lines, want 1", len(got.Medicines))
	}
}

func TestExamineRequiresDiagnosis(t *testing.T) {
	f := newFixture()
	e := f.mustWaiting(t, time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))

	for _, diag := range []*string{nil, strptr(""), strptr("   ")} {
		_, err := f.svc.Examine(staffCtx("doctor"), e.ID, ClinicalFields{Diagnosis: diag})
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("diagnosis %v: got %v, want ValidationError", diag, err)
		}
	}
}

func TestExamineFromInProgress(t *testing.T) {
	f := newFixture()
	e := f.mustWaiting(t, time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))
	ctx := staffCtx("doctor")

	if _, err := f.svc.Claim(ctx, e.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	got, err := f.svc.Examine(ctx, e.ID, ClinicalFields{Diagnosis: strptr("flu")})
	if err != nil {
		t.Fatalf("Examine from IN_PROGRESS failed: %v", err)
	}
	if got.ClaimToken != nil {
		t.Error("lease must be cleared when the exam is submitted")
	}
}

// -- Payment --

func TestPaySettlement(t *testing.T) {
	f := newFixture()
	at := time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC)
	e := f.mustPending(t, at)

	fee := int64(20000)
	_, inv, err := f.svc.Pay(staffCtx("cashier"), e.ID, PayInput{
		Services: []ServiceLine{
			{ID: "s1", Name: "Nebulizer", Price: 40000, Quantity: 2},
		},
		Discounts:      []Discount{{Type: DiscountPercent, Value: 10}},
		ExaminationFee: &fee,
	})
	if err != nil {
		t.Fatalf("Pay failed: %v", err)
	}

	// 80000 services + 20000 fee = 100000 subtotal, minus 10% = 90000.
	if inv.ServiceFee != 80000 {
		t.Errorf("service_fee = %d, want 80000", inv.ServiceFee)
	}
	if inv.TotalDiscount != 10000 {
		t.Errorf("total_discount = %d, want 10000", inv.TotalDiscount)
	}
	if inv.Total != 90000 {
		t.Errorf("total = %d, want 90000", inv.Total)
	}
}

func TestPayDiscountClampedAtZero(t *testing.T) {
	f := newFixture()
	e := f.mustPending(t, time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))

	fee := int64(20000)
	_, inv, err := f.svc.Pay(staffCtx("cashier"), e.ID, PayInput{
		Services: []ServiceLine{
			{ID: "s1", Name: "Nebulizer", Price: 40000, Quantity: 2},
		},
		Discounts:      []Discount{{Type: DiscountFixed, Value: 150000}},
		ExaminationFee: &fee,
	})
	if err != nil {
		t.Fatalf("Pay failed: %v", err)
	}
	if inv.Total != 0 {
		t.Errorf("total = %d, want 0 (clamped)", inv.Total)
	}
}

func TestPayUsesFeeSourceWhenUnset(t *testing.T) {
	f := newFixture()
	e := f.mustPending(t, time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))

	got, inv, err := f.svc.Pay(staffCtx("cashier"), e.ID, PayInput{})
	if err != nil {
		t.Fatalf("Pay failed: %v", err)
	}
	if inv.ExaminationFee != 20000 {
		t.Errorf("examination_fee = %d, want 20000 from fee source", inv.ExaminationFee)
	}
	if got.ExaminationFee == nil || *got.ExaminationFee != 20000 {
		t.Errorf("fee not persisted on the examination: %v", got.ExaminationFee)
	}
}

func TestPayFailsWhenFeeUnresolvable(t *testing.T) {
	f := newFixture()
	e := f.mustPending(t, time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))

	feeErr := errors.New("no examination fee schedule in force")
	f.svc.fees = &mockFeeSource{err: feeErr}

	// No pinned fee and no resolvable schedule: the visit must not settle.
	if _, _, err := f.svc.Pay(staffCtx("cashier"), e.ID, PayInput{}); !errors.Is(err, feeErr) {
		t.Fatalf("got %v, want fee source error", err)
	}

	got, err := f.svc.Get(staffCtx("cashier"), e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPendingPayment {
		t.Errorf("status = %s, want PENDING_PAYMENT", got.Status)
	}
	if len(f.invoices.invoices) != 0 {
		t.Errorf("%d invoices written, want 0", len(f.invoices.invoices))
	}

	// A caller pinning the fee explicitly does not consult the schedule.
	fee := int64(15000)
	if _, _, err := f.svc.Pay(staffCtx("cashier"), e.ID, PayInput{ExaminationFee: &fee}); err != nil {
		t.Errorf("Pay with pinned fee failed: %v", err)
	}
}

func TestPayMedicineProfit(t *testing.T) {
	f := newFixture()
	e := f.mustWaiting(t, time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))

	_, err := f.svc.Examine(staffCtx("doctor"), e.ID, ClinicalFields{
		Diagnosis: strptr("bronchitis"),
		Medicines: []MedicineLine{
			{ID: "m1", Name: "Amoxicillin", Price: 30000, CostPrice: 18000, Quantity: 2},
			{ID: "m2", Name: "Paracetamol", Price: 10000, CostPrice: 4000, Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("Examine failed: %v", err)
	}

	_, inv, err := f.svc.Pay(staffCtx("cashier"), e.ID, PayInput{})
	if err != nil {
		t.Fatalf("Pay failed: %v", err)
	}
	if inv.MedicineRevenue != 70000 {
		t.Errorf("medicine_revenue = %d, want 70000", inv.MedicineRevenue)
	}
	if inv.MedicineCost != 40000 {
		t.Errorf("medicine_cost = %d, want 40000", inv.MedicineCost)
	}
}

func TestPayWrongStatusCreatesNoInvoice(t *testing.T) {
	f := newFixture()
	e := f.mustWaiting(t, time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))

	_, _, err := f.svc.Pay(staffCtx("cashier"), e.ID, PayInput{})
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want StateError", err)
	}
	if len(f.invoices.invoices) != 0 {
		t.Errorf("%d invoices created for a failed payment, want 0", len(f.invoices.invoices))
	}
}

func TestPayTwiceCreatesOneInvoice(t *testing.T) {
	f := newFixture()
	e := f.mustPending(t, time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))
	ctx := staffCtx("cashier")

	if _, _, err := f.svc.Pay(ctx, e.ID, PayInput{}); err != nil {
		t.Fatalf("first Pay failed: %v", err)
	}
	if _, _, err := f.svc.Pay(ctx, e.ID, PayInput{}); err == nil {
		t.Error("second Pay should fail")
	}
	if len(f.invoices.invoices) != 1 {
		t.Errorf("%d invoices, want exactly 1", len(f.invoices.invoices))
	}
}

func TestPayValidation(t *testing.T) {
	f := newFixture()
	e := f.mustPending(t, time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))
	ctx := staffCtx("cashier")

	tests := []struct {
		name string
		in   PayInput
	}{
		{"zero quantity", PayInput{Services: []ServiceLine{{Name: "X", Price: 100, Quantity: 0}}}},
		{"negative price", PayInput{Services: []ServiceLine{{Name: "X", Price: -1, Quantity: 1}}}},
		{"bad discount type", PayInput{Discounts: []Discount{{Type: "half-off", Value: 10}}}},
		{"negative discount", PayInput{Discounts: []Discount{{Type: DiscountFixed, Value: -5}}}},
		{"percent over 100", PayInput{Discounts: []Discount{{Type: DiscountPercent, Value: 150}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.Pay(ctx, e.ID, tt.in)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("got %v, want ValidationError", err)
			}
		})
	}
}

// -- Cancel and terminal edits --

func TestCancelAllowedStates(t *testing.T) {
	f := newFixture()
	ctx := staffCtx("reception")
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	booked := f.mustBook(t, base)
	waiting := f.mustWaiting(t, base.Add(time.Hour))
	pending := f.mustPending(t, base.Add(2*time.Hour))

	for _, e := range []*Examination{booked, waiting, pending} {
		got, err := f.svc.Cancel(ctx, e.ID)
		if err != nil {
			t.Fatalf("Cancel from %s failed: %v", e.Status, err)
		}
		if got.Status != StatusCancelled {
			t.Errorf("status = %s, want CANCELLED", got.Status)
		}
		if got.CancelledBy == nil {
			t.Error("cancelled_by stamp not recorded")
		}
	}
}

func TestCancelRejectedStates(t *testing.T) {
	f := newFixture()
	ctx := staffCtx("reception")
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	// IN_PROGRESS must be released first.
	claimed := f.mustWaiting(t, base)
	if _, err := f.svc.Claim(staffCtx("doctor"), claimed.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, claimed.ID); err == nil {
		t.Error("Cancel from IN_PROGRESS should fail")
	}

	// COMPLETED is immutable.
	paid := f.mustPending(t, base.Add(time.Hour))
	if _, _, err := f.svc.Pay(staffCtx("cashier"), paid.ID, PayInput{}); err != nil {
		t.Fatalf("Pay failed: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, paid.ID); err == nil {
		t.Error("Cancel from COMPLETED should fail")
	}
}

func TestUpdateTerminal(t *testing.T) {
	f := newFixture()
	e := f.mustPending(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	// Not yet terminal.
	_, err := f.svc.UpdateTerminal(staffCtx("admin"), e.ID, TerminalEdit{Note: strptr("typo fix")})
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want StateError", err)
	}

	if _, _, err := f.svc.Pay(staffCtx("cashier"), e.ID, PayInput{}); err != nil {
		t.Fatalf("Pay failed: %v", err)
	}

	got, err := f.svc.UpdateTerminal(staffCtx("admin"), e.ID, TerminalEdit{Note: strptr("typo fix")})
	if err != nil {
		t.Fatalf("UpdateTerminal failed: %v", err)
	}
	if got.Note == nil || *got.Note != "typo fix" {
		t.Errorf("note = %v, want updated", got.Note)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status changed by clerical edit: %s", got.Status)
	}
}

// -- Stamps --

func TestStampChronology(t *testing.T) {
	f := newFixture()
	e := f.mustPending(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	got, _, err := f.svc.Pay(staffCtx("cashier"), e.ID, PayInput{})
	if err != nil {
		t.Fatalf("Pay failed: %v", err)
	}

	if got.BookedBy == nil || got.ReceivedBy == nil || got.ExaminedBy == nil || got.PaidBy == nil {
		t.Fatal("missing lifecycle stamps")
	}
	if got.BookedBy.At.After(got.ReceivedBy.At) ||
		got.ReceivedBy.At.After(got.ExaminedBy.At) ||
		got.ExaminedBy.At.After(got.PaidBy.At) {
		t.Error("stamp timestamps are not monotonic across the lifecycle")
	}
}

// -- Authorization --

func TestPermissionDenied(t *testing.T) {
	f := newFixture()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	e := f.mustBook(t, at)

	readonly := limitedCtx(PermRead)

	if _, err := f.svc.Book(readonly, validBooking(at.Add(time.Hour))); !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("Book: got %v, want ErrForbidden", err)
	}
	if _, err := f.svc.Receive(readonly, e.ID); !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("Receive: got %v, want ErrForbidden", err)
	}
	if _, _, err := f.svc.Pay(readonly, e.ID, PayInput{}); !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("Pay: got %v, want ErrForbidden", err)
	}
	if _, err := f.svc.Get(readonly, e.ID); err != nil {
		t.Errorf("Get with read permission failed: %v", err)
	}
}

func TestWildcardResourcePermission(t *testing.T) {
	f := newFixture()
	ctx := limitedCtx("examination:*")

	if _, err := f.svc.Book(ctx, validBooking(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))); err != nil {
		t.Errorf("resource wildcard should allow booking: %v", err)
	}
	if _, err := f.svc.UpsertSession(ctx, time.Monday, []string{"17:30"}); !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("examination:* must not grant session:update, got %v", err)
	}
}

// -- Follow-ups --

func TestCreateFollowUp(t *testing.T) {
	f := newFixture()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	e := f.mustPending(t, at)

	// Only completed visits can seed a follow-up.
	if _, err := f.svc.CreateFollowUp(staffCtx("doctor"), e.ID, at.AddDate(0, 0, 7)); err == nil {
		t.Error("follow-up from PENDING_PAYMENT should fail")
	}

	if _, _, err := f.svc.Pay(staffCtx("cashier"), e.ID, PayInput{}); err != nil {
		t.Fatalf("Pay failed: %v", err)
	}

	fu, err := f.svc.CreateFollowUp(staffCtx("doctor"), e.ID, at.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("CreateFollowUp failed: %v", err)
	}
	if fu.Type != TypeFollowUp {
		t.Errorf("type = %s, want FOLLOW_UP", fu.Type)
	}
	if fu.Status != StatusBooked {
		t.Errorf("status = %s, want BOOKED", fu.Status)
	}
	if fu.ChildName != e.ChildName || fu.ParentPhone != e.ParentPhone {
		t.Error("follow-up did not inherit subject info")
	}

	// The follow-up slot is guarded like any other booking.
	_, err = f.svc.CreateFollowUp(staffCtx("doctor"), e.ID, fu.Date.Add(5*time.Minute))
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Errorf("got %v, want ConflictError", err)
	}
}

// -- Sessions and slots --

func TestUpsertSessionValidation(t *testing.T) {
	f := newFixture()
	ctx := staffCtx("admin")

	if _, err := f.svc.UpsertSession(ctx, time.Weekday(9), []string{"17:30"}); err == nil {
		t.Error("weekday 9 should be rejected")
	}
	if _, err := f.svc.UpsertSession(ctx, time.Monday, []string{"half past five"}); err == nil {
		t.Error("non HH:MM time should be rejected")
	}
	if _, err := f.svc.UpsertSession(ctx, time.Monday, []string{"17:30", "18:00"}); err != nil {
		t.Errorf("valid session rejected: %v", err)
	}
}

func TestAvailableSlots(t *testing.T) {
	f := newFixture()
	ctx := staffCtx("reception")

	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // a Monday
	if _, err := f.svc.UpsertSession(ctx, time.Monday, []string{"17:30", "18:00", "18:30"}); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	// Occupy the 18:00 window.
	f.mustBook(t, time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC))

	slots, err := f.svc.AvailableSlots(ctx, date)
	if err != nil {
		t.Fatalf("AvailableSlots failed: %v", err)
	}
	if len(slots) != 3 {
		t.Fatalf("got %d slots, want 3", len(slots))
	}
	for _, slot := range slots {
		wantAvailable := slot.Time.Hour() != 18 || slot.Time.Minute() != 0
		if slot.Available != wantAvailable {
			t.Errorf("slot %s available = %v, want %v", slot.Time.Format("15:04"), slot.Available, wantAvailable)
		}
	}

	// A day with no session yields no slots.
	slots, err = f.svc.AvailableSlots(ctx, date.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("AvailableSlots failed: %v", err)
	}
	if len(slots) != 0 {
		t.Errorf("got %d slots for an unconfigured day, want 0", len(slots))
	}
}
