package examination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pedicare/pedicare/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Examination Repository ===========

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const examCols = `id, parent_name, parent_phone, child_name, child_birth_date, child_gender,
	child_weight_kg, date, type, status, symptoms, diagnosis, note,
	services, medicines, discounts, examination_fee,
	booked_by, received_by, examined_by, paid_by, cancelled_by,
	claim_token, claim_expires_at, created_at, updated_at`

func scanExamination(row pgx.Row) (*Examination, error) {
	var e Examination
	err := row.Scan(&e.ID, &e.ParentName, &e.ParentPhone, &e.ChildName, &e.ChildBirthDate,
		&e.ChildGender, &e.ChildWeightKG, &e.Date, &e.Type, &e.Status,
		&e.Symptoms, &e.Diagnosis, &e.Note,
		&e.Services, &e.Medicines, &e.Discounts, &e.ExaminationFee,
		&e.BookedBy, &e.ReceivedBy, &e.ExaminedBy, &e.PaidBy, &e.CancelledBy,
		&e.ClaimToken, &e.ClaimExpiresAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repoPG) Create(ctx context.Context, e *Examination) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO examination (id, parent_name, parent_phone, child_name, child_birth_date,
			child_gender, child_weight_kg, date, type, status, symptoms, diagnosis, note,
			services, medicines, discounts, booked_by, received_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,
			COALESCE($14, '[]'::jsonb), COALESCE($15, '[]'::jsonb), COALESCE($16, '[]'::jsonb),
			$17, $18)`,
		e.ID, e.ParentName, e.ParentPhone, e.ChildName, e.ChildBirthDate,
		e.ChildGender, e.ChildWeightKG, e.Date, e.Type, e.Status, e.Symptoms, e.Diagnosis, e.Note,
		e.Services, e.Medicines, e.Discounts, e.BookedBy, e.ReceivedBy)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Examination, error) {
	e, err := scanExamination(r.conn(ctx).QueryRow(ctx,
		`SELECT `+examCols+` FROM examination WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &StateError{ID: id, NotFound: true}
	}
	return e, err
}

func (r *repoPG) ListByDateRange(ctx context.Context, from, to time.Time, status *Status, limit, offset int) ([]*Examination, int, error) {
	where := ` WHERE date >= $1 AND date < $2`
	args := []interface{}{from, to}
	if status != nil {
		where += ` AND status = $3`
		args = append(args, *status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM examination`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT `+examCols+` FROM examination`+where+
		` ORDER BY date ASC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Examination
	for rows.Next() {
		e, err := scanExamination(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (r *repoPG) CountOverlapping(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM examination
		WHERE date > $1 AND date < $2 AND status <> $3`,
		from, to, StatusCancelled).Scan(&n)
	return n, err
}

func (r *repoPG) LockWindow(ctx context.Context, bucket int64) error {
	// Transaction-scoped advisory lock: concurrent bookings for the same
	// window serialize behind it, closing the check-then-insert race.
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, bucket)
	return err
}

// transition runs a conditional update and maps "no row matched" to
// ErrNoRowUpdated for the service to classify.
func (r *repoPG) transition(ctx context.Context, query string, args ...interface{}) (*Examination, error) {
	e, err := scanExamination(r.conn(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRowUpdated
	}
	return e, err
}

func (r *repoPG) Receive(ctx context.Context, id uuid.UUID, stamp ActorStamp) (*Examination, error) {
	return r.transition(ctx, `
		UPDATE examination
		SET status = $3, received_by = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+examCols,
		id, StatusBooked, StatusWaiting, stamp)
}

func (r *repoPG) Claim(ctx context.Context, id uuid.UUID, token uuid.UUID, expires time.Time) (*Examination, error) {
	return r.transition(ctx, `
		UPDATE examination
		SET status = $3, claim_token = $4, claim_expires_at = $5, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+examCols,
		id, StatusWaiting, StatusInProgress, token, expires)
}

func (r *repoPG) RenewClaim(ctx context.Context, id uuid.UUID, token uuid.UUID, expires time.Time) (*Examination, error) {
	return r.transition(ctx, `
		UPDATE examination
		SET claim_expires_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND claim_token = $3
		RETURNING `+examCols,
		id, StatusInProgress, token, expires)
}

func (r *repoPG) ReleaseClaim(ctx context.Context, id uuid.UUID, token uuid.UUID) (*Examination, error) {
	return r.transition(ctx, `
		UPDATE examination
		SET status = $4, claim_token = NULL, claim_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND claim_token = $3
		RETURNING `+examCols,
		id, StatusInProgress, token, StatusWaiting)
}

func (r *repoPG) ReleaseExpiredClaims(ctx context.Context, now time.Time) ([]ReleasedClaim, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE examination
		SET status = $3, claim_token = NULL, claim_expires_at = NULL, updated_at = NOW()
		WHERE status = $1 AND claim_expires_at < $2
		RETURNING id, date`,
		StatusInProgress, now, StatusWaiting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var released []ReleasedClaim
	for rows.Next() {
		var rc ReleasedClaim
		if err := rows.Scan(&rc.ID, &rc.Date); err != nil {
			return nil, err
		}
		released = append(released, rc)
	}
	return released, rows.Err()
}

func (r *repoPG) Examine(ctx context.Context, id uuid.UUID, fields ClinicalFields, stamp ActorStamp) (*Examination, error) {
	return r.transition(ctx, `
		UPDATE examination
		SET status = $4,
			symptoms = COALESCE($5, symptoms),
			diagnosis = $6,
			note = COALESCE($7, note),
			medicines = COALESCE($8, '[]'::jsonb),
			examined_by = $9,
			claim_token = NULL, claim_expires_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $3)
		RETURNING `+examCols,
		id, StatusWaiting, StatusInProgress, StatusPendingPayment,
		fields.Symptoms, fields.Diagnosis, fields.Note, fields.Medicines, stamp)
}

func (r *repoPG) CompletePayment(ctx context.Context, id uuid.UUID, pay PaymentFields, stamp ActorStamp) (*Examination, error) {
	return r.transition(ctx, `
		UPDATE examination
		SET status = $3, services = COALESCE($4, '[]'::jsonb),
			discounts = COALESCE($5, '[]'::jsonb), examination_fee = $6,
			paid_by = $7, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+examCols,
		id, StatusPendingPayment, StatusCompleted,
		pay.Services, pay.Discounts, pay.ExaminationFee, stamp)
}

func (r *repoPG) Cancel(ctx context.Context, id uuid.UUID, stamp ActorStamp) (*Examination, error) {
	return r.transition(ctx, `
		UPDATE examination
		SET status = $5, cancelled_by = $6,
			claim_token = NULL, claim_expires_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $3, $4)
		RETURNING `+examCols,
		id, StatusBooked, StatusWaiting, StatusPendingPayment, StatusCancelled, stamp)
}

func (r *repoPG) UpdateTerminal(ctx context.Context, id uuid.UUID, edit TerminalEdit) (*Examination, error) {
	return r.transition(ctx, `
		UPDATE examination
		SET parent_name = COALESCE($4, parent_name),
			parent_phone = COALESCE($5, parent_phone),
			child_name = COALESCE($6, child_name),
			child_birth_date = COALESCE($7, child_birth_date),
			child_gender = COALESCE($8, child_gender),
			child_weight_kg = COALESCE($9, child_weight_kg),
			symptoms = COALESCE($10, symptoms),
			diagnosis = COALESCE($11, diagnosis),
			note = COALESCE($12, note),
			updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $3)
		RETURNING `+examCols,
		id, StatusCompleted, StatusCancelled,
		edit.ParentName, edit.ParentPhone, edit.ChildName, edit.ChildBirthDate,
		edit.ChildGender, edit.ChildWeightKG, edit.Symptoms, edit.Diagnosis, edit.Note)
}

// =========== Invoice Repository ===========

type invoiceRepoPG struct{ pool *pgxpool.Pool }

func NewInvoiceRepoPG(pool *pgxpool.Pool) InvoiceRepository { return &invoiceRepoPG{pool: pool} }

func (r *invoiceRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const invoiceCols = `id, examination_id, examination_fee, service_fee, total_discount,
	total, medicine_revenue, medicine_cost, created_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.ExaminationID, &inv.ExaminationFee, &inv.ServiceFee,
		&inv.TotalDiscount, &inv.Total, &inv.MedicineRevenue, &inv.MedicineCost, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *invoiceRepoPG) Create(ctx context.Context, inv *Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO invoice (id, examination_id, examination_fee, service_fee,
			total_discount, total, medicine_revenue, medicine_cost)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		inv.ID, inv.ExaminationID, inv.ExaminationFee, inv.ServiceFee,
		inv.TotalDiscount, inv.Total, inv.MedicineRevenue, inv.MedicineCost).
		Scan(&inv.CreatedAt)
}

func (r *invoiceRepoPG) ListByCreatedRange(ctx context.Context, from, to time.Time, limit, offset int) ([]*Invoice, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM invoice WHERE created_at >= $1 AND created_at < $2`,
		from, to).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+invoiceCols+` FROM invoice
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		from, to, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, inv)
	}
	return items, total, rows.Err()
}

// =========== Session Repository ===========

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository { return &sessionRepoPG{pool: pool} }

func (r *sessionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const sessionCols = `id, weekday, times, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.Weekday, &s.Times, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepoPG) List(ctx context.Context) ([]*Session, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+sessionCols+` FROM examination_session ORDER BY weekday ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *sessionRepoPG) GetByWeekday(ctx context.Context, wd time.Weekday) (*Session, error) {
	s, err := scanSession(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM examination_session WHERE weekday = $1`, wd))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *sessionRepoPG) Upsert(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO examination_session (id, weekday, times)
		VALUES ($1, $2, COALESCE($3, '[]'::jsonb))
		ON CONFLICT (weekday) DO UPDATE SET times = EXCLUDED.times, updated_at = NOW()`,
		s.ID, s.Weekday, s.Times)
	return err
}
