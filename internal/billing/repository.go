package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides read access and transaction scoping for the billing
// store. The service layer depends on this interface only; tests supply an
// in-memory implementation.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetBill(ctx context.Context, id int64) (Bill, error)
	GetBillWithDetails(ctx context.Context, id int64) (BillWithDetails, error)
	ListBills(ctx context.Context, req ListBillsRequest) ([]Bill, error)
	CountBills(ctx context.Context, req ListBillsRequest) (int, error)

	GetBillBalances(ctx context.Context) ([]BillBalance, error)
	CountBillsByStatus(ctx context.Context) (map[BillStatus]int64, error)
	CountClaimsByStatus(ctx context.Context) (map[ClaimStatus]int64, error)
	SumBillAmounts(ctx context.Context) (billed, collected, outstanding float64, err error)
}

// TxRepository exposes mutations inside a transaction.
type TxRepository interface {
	CreateBill(ctx context.Context, bill Bill) (int64, error)
	CreateBillItem(ctx context.Context, billID int64, item BillItem) error
	UpdateBillAmounts(ctx context.Context, bill Bill) error

	CreateClaim(ctx context.Context, claim Claim) error
	UpdateClaim(ctx context.Context, claim Claim) error
	CreateClaimEvent(ctx context.Context, event ClaimEvent) error

	GenerateBillNumber(ctx context.Context) (string, error)
}

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const billColumns = `id, number, patient_ref, admission_ref, currency,
	total_amount, paid_amount, due_amount, status, due_at, created_by, created_at, updated_at`

func (r *pgRepository) GetBill(ctx context.Context, id int64) (Bill, error) {
	bill, err := scanBill(r.pool.QueryRow(ctx, `SELECT `+billColumns+` FROM bills WHERE id = $1`, id))
	if err != nil {
		return Bill{}, err
	}
	bill.Items, err = r.listBillItems(ctx, id)
	if err != nil {
		return Bill{}, err
	}
	bill.Claim, err = r.getClaim(ctx, id)
	if err != nil {
		return Bill{}, err
	}
	return bill, nil
}

func (r *pgRepository) GetBillWithDetails(ctx context.Context, id int64) (BillWithDetails, error) {
	bill, err := r.GetBill(ctx, id)
	if err != nil {
		return BillWithDetails{}, err
	}
	events, err := r.listClaimEvents(ctx, id)
	if err != nil {
		return BillWithDetails{}, err
	}
	return BillWithDetails{Bill: bill, Events: events}, nil
}

func (r *pgRepository) ListBills(ctx context.Context, req ListBillsRequest) ([]Bill, error) {
	query := `SELECT ` + billColumns + ` FROM bills WHERE 1=1`
	args := []any{}
	argNum := 1

	if req.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(req.Status))
		argNum++
	}
	if req.PatientRef != "" {
		query += fmt.Sprintf(" AND patient_ref = $%d", argNum)
		args = append(args, req.PatientRef)
		argNum++
	}
	if !req.FromDate.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argNum)
		args = append(args, req.FromDate)
		argNum++
	}
	if !req.ToDate.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argNum)
		args = append(args, req.ToDate)
		argNum++
	}

	query += " ORDER BY created_at DESC"

	if req.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, req.Limit)
		argNum++
	}
	if req.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, req.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bills []Bill
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, bill)
	}
	return bills, rows.Err()
}

func (r *pgRepository) CountBills(ctx context.Context, req ListBillsRequest) (int, error) {
	query := `SELECT COUNT(*) FROM bills WHERE 1=1`
	args := []any{}
	argNum := 1
	if req.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(req.Status))
		argNum++
	}
	if req.PatientRef != "" {
		query += fmt.Sprintf(" AND patient_ref = $%d", argNum)
		args = append(args, req.PatientRef)
	}
	var count int
	err := r.pool.QueryRow(ctx, query, args...).Scan(&count)
	return count, err
}

func (r *pgRepository) GetBillBalances(ctx context.Context) ([]BillBalance, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, due_at, total_amount, paid_amount, due_amount
FROM bills WHERE due_amount > 0 ORDER BY due_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []BillBalance
	for rows.Next() {
		var b BillBalance
		if err := rows.Scan(&b.ID, &b.DueAt, &b.TotalAmount, &b.PaidAmount, &b.DueAmount); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (r *pgRepository) CountBillsByStatus(ctx context.Context) (map[BillStatus]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM bills GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[BillStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[BillStatus(status)] = count
	}
	return counts, rows.Err()
}

func (r *pgRepository) CountClaimsByStatus(ctx context.Context) (map[ClaimStatus]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM claims GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[ClaimStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[ClaimStatus(status)] = count
	}
	return counts, rows.Err()
}

func (r *pgRepository) SumBillAmounts(ctx context.Context) (billed, collected, outstanding float64, err error) {
	err = r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(total_amount), 0),
	COALESCE(SUM(paid_amount), 0), COALESCE(SUM(due_amount), 0) FROM bills`).
		Scan(&billed, &collected, &outstanding)
	return
}

func (r *pgRepository) listBillItems(ctx context.Context, billID int64) ([]BillItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, bill_id, description, amount, created_at
FROM bill_items WHERE bill_id = $1 ORDER BY id`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []BillItem
	for rows.Next() {
		var item BillItem
		if err := rows.Scan(&item.ID, &item.BillID, &item.Description, &item.Amount, &item.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *pgRepository) getClaim(ctx context.Context, billID int64) (*Claim, error) {
	var claim Claim
	var approved pgtype.Float8
	err := r.pool.QueryRow(ctx, `SELECT id, bill_id, provider, policy_number, insurance_type,
	claim_amount, approved_amount, status, review_notes, submitted_at, updated_at
FROM claims WHERE bill_id = $1`, billID).Scan(
		&claim.ID, &claim.BillID, &claim.Provider, &claim.PolicyNumber, &claim.InsuranceType,
		&claim.ClaimAmount, &approved, &claim.Status, &claim.ReviewNotes, &claim.SubmittedAt, &claim.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if approved.Valid {
		claim.ApprovedAmount = &approved.Float64
	}
	return &claim, nil
}

func (r *pgRepository) listClaimEvents(ctx context.Context, billID int64) ([]ClaimEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, claim_id, bill_id, actor_id, from_status, to_status, notes, at
FROM claim_events WHERE bill_id = $1 ORDER BY at ASC, id ASC`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ClaimEvent
	for rows.Next() {
		var e ClaimEvent
		var from, to string
		if err := rows.Scan(&e.ID, &e.ClaimID, &e.BillID, &e.ActorID, &from, &to, &e.Notes, &e.At); err != nil {
			return nil, err
		}
		e.From = ClaimStatus(from)
		e.To = ClaimStatus(to)
		events = append(events, e)
	}
	return events, rows.Err()
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &pgTxRepository{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTxRepository struct {
	tx pgx.Tx
}

func (t *pgTxRepository) CreateBill(ctx context.Context, bill Bill) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO bills (
		number, patient_ref, admission_ref, currency,
		total_amount, paid_amount, due_amount, status, due_at, created_by, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	RETURNING id`,
		bill.Number, bill.PatientRef, bill.AdmissionRef, bill.Currency,
		bill.TotalAmount, bill.PaidAmount, bill.DueAmount, string(bill.Status), bill.DueAt, nullableInt8(bill.CreatedBy),
	).Scan(&id)
	return id, err
}

func (t *pgTxRepository) CreateBillItem(ctx context.Context, billID int64, item BillItem) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO bill_items (bill_id, description, amount, created_at)
VALUES ($1, $2, $3, NOW())`, billID, item.Description, item.Amount)
	return err
}

func (t *pgTxRepository) UpdateBillAmounts(ctx context.Context, bill Bill) error {
	result, err := t.tx.Exec(ctx, `UPDATE bills
SET paid_amount = $2, due_amount = $3, status = $4, updated_at = NOW()
WHERE id = $1`, bill.ID, bill.PaidAmount, bill.DueAmount, string(bill.Status))
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTxRepository) CreateClaim(ctx context.Context, claim Claim) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO claims (
		id, bill_id, provider, policy_number, insurance_type,
		claim_amount, approved_amount, status, review_notes, submitted_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`,
		claim.ID, claim.BillID, claim.Provider, claim.PolicyNumber, string(claim.InsuranceType),
		claim.ClaimAmount, nullableFloat8(claim.ApprovedAmount), string(claim.Status), claim.ReviewNotes,
	)
	return err
}

func (t *pgTxRepository) UpdateClaim(ctx context.Context, claim Claim) error {
	result, err := t.tx.Exec(ctx, `UPDATE claims
SET approved_amount = $2, status = $3, review_notes = $4, updated_at = NOW()
WHERE id = $1`, claim.ID, nullableFloat8(claim.ApprovedAmount), string(claim.Status), claim.ReviewNotes)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTxRepository) CreateClaimEvent(ctx context.Context, event ClaimEvent) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO claim_events (claim_id, bill_id, actor_id, from_status, to_status, notes, at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`,
		event.ClaimID, event.BillID, event.ActorID, string(event.From), string(event.To), event.Notes, event.At)
	return err
}

func (t *pgTxRepository) GenerateBillNumber(ctx context.Context) (string, error) {
	var number string
	err := t.tx.QueryRow(ctx, `SELECT generate_bill_number()`).Scan(&number)
	return number, err
}

// --- Helpers ---

type billRow interface {
	Scan(dest ...any) error
}

func scanBill(row billRow) (Bill, error) {
	var bill Bill
	var status string
	var createdBy pgtype.Int8
	err := row.Scan(
		&bill.ID, &bill.Number, &bill.PatientRef, &bill.AdmissionRef, &bill.Currency,
		&bill.TotalAmount, &bill.PaidAmount, &bill.DueAmount, &status, &bill.DueAt,
		&createdBy, &bill.CreatedAt, &bill.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bill{}, ErrNotFound
	}
	if err != nil {
		return Bill{}, err
	}
	bill.Status = BillStatus(status)
	bill.CreatedBy = createdBy.Int64
	return bill, nil
}

func nullableInt8(v int64) pgtype.Int8 {
	if v > 0 {
		return pgtype.Int8{Int64: v, Valid: true}
	}
	return pgtype.Int8{}
}

func nullableFloat8(v *float64) pgtype.Float8 {
	if v != nil {
		return pgtype.Float8{Float64: *v, Valid: true}
	}
	return pgtype.Float8{}
}
