package catalog

import (
	"context"
	"errors"
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

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// ErrNotFound is returned for lookups of catalog items that do not exist.
var ErrNotFound = errors.New("catalog item not found")

const serviceCols = `id, name, price, unit, active, created_at, updated_at`

func (r *repoPG) ListServices(ctx context.Context, activeOnly bool) ([]*ServiceItem, error) {
	query := `SELECT ` + serviceCols + ` FROM service_item`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name ASC`

	rows, err := r.conn(ctx).Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*ServiceItem
	for rows.Next() {
		var it ServiceItem
		if err := rows.Scan(&it.ID, &it.Name, &it.Price, &it.Unit, &it.Active,
			&it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (r *repoPG) GetService(ctx context.Context, id uuid.UUID) (*ServiceItem, error) {
	var it ServiceItem
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+serviceCols+` FROM service_item WHERE id = $1`, id).
		Scan(&it.ID, &it.Name, &it.Price, &it.Unit, &it.Active, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *repoPG) UpsertService(ctx context.Context, item *ServiceItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO service_item (id, name, price, unit, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, price = EXCLUDED.price, unit = EXCLUDED.unit,
			active = EXCLUDED.active, updated_at = NOW()`,
		item.ID, item.Name, item.Price, item.Unit, item.Active)
	return err
}

const medicineCols = `id, name, price, cost_price, unit, active, created_at, updated_at`

func (r *repoPG) ListMedicines(ctx context.Context, activeOnly bool) ([]*MedicineItem, error) {
	query := `SELECT ` + medicineCols + ` FROM medicine_item`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name ASC`

	rows, err := r.conn(ctx).Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*MedicineItem
	for rows.Next() {
		var it MedicineItem
		if err := rows.Scan(&it.ID, &it.Name, &it.Price, &it.CostPrice, &it.Unit,
			&it.Active, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (r *repoPG) GetMedicine(ctx context.Context, id uuid.UUID) (*MedicineItem, error) {
	var it MedicineItem
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+medicineCols+` FROM medicine_item WHERE id = $1`, id).
		Scan(&it.ID, &it.Name, &it.Price, &it.CostPrice, &it.Unit, &it.Active,
			&it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *repoPG) UpsertMedicine(ctx context.Context, item *MedicineItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medicine_item (id, name, price, cost_price, unit, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, price = EXCLUDED.price,
			cost_price = EXCLUDED.cost_price, unit = EXCLUDED.unit,
			active = EXCLUDED.active, updated_at = NOW()`,
		item.ID, item.Name, item.Price, item.CostPrice, item.Unit, item.Active)
	return err
}

func (r *repoPG) CurrentFee(ctx context.Context, now time.Time) (int64, error) {
	var fee int64
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT examination_fee FROM fee_schedule
		WHERE effective_from <= $1
		ORDER BY effective_from DESC
		LIMIT 1`, now).Scan(&fee)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoFeeSchedule
	}
	return fee, err
}

func (r *repoPG) AddFee(ctx context.Context, fs *FeeSchedule) error {
	if fs.ID == uuid.Nil {
		fs.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO fee_schedule (id, examination_fee, effective_from)
		VALUES ($1, $2, $3)`,
		fs.ID, fs.ExaminationFee, fs.EffectiveFrom)
	return err
}

func (r *repoPG) ListFees(ctx context.Context) ([]*FeeSchedule, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, examination_fee, effective_from, created_at
		FROM fee_schedule ORDER BY effective_from DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*FeeSchedule
	for rows.Next() {
		var fs FeeSchedule
		if err := rows.Scan(&fs.ID, &fs.ExaminationFee, &fs.EffectiveFrom, &fs.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &fs)
	}
	return items, rows.Err()
}
