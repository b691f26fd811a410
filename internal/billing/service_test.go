package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-hms/meridian-hms/internal/shared"
)

type memoryBillRepo struct {
	mu           sync.Mutex
	bills        map[int64]Bill
	items        map[int64][]BillItem
	claims       map[int64]Claim
	events       map[int64][]ClaimEvent
	nextID       int64
	nextItemID   int64
	nextEventID  int64
	numberCursor int64
}

type memoryBillTx struct {
	repo *memoryBillRepo
}

func newMemoryBillRepo() *memoryBillRepo {
	return &memoryBillRepo{
		bills:  make(map[int64]Bill),
		items:  make(map[int64][]BillItem),
		claims: make(map[int64]Claim),
		events: make(map[int64][]ClaimEvent),
	}
}

func (r *memoryBillRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memoryBillTx{repo: r})
}

func (r *memoryBillRepo) getBill(id int64) (Bill, error) {
	bill, ok := r.bills[id]
	if !ok {
		return Bill{}, ErrNotFound
	}
	bill.Items = append([]BillItem(nil), r.items[id]...)
	if claim, ok := r.claims[id]; ok {
		c := claim
		bill.Claim = &c
	} else {
		bill.Claim = nil
	}
	return bill, nil
}

func (r *memoryBillRepo) GetBill(ctx context.Context, id int64) (Bill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getBill(id)
}

func (r *memoryBillRepo) GetBillWithDetails(ctx context.Context, id int64) (BillWithDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bill, err := r.getBill(id)
	if err != nil {
		return BillWithDetails{}, err
	}
	return BillWithDetails{
		Bill:   bill,
		Events: append([]ClaimEvent(nil), r.events[id]...),
	}, nil
}

func (r *memoryBillRepo) listBills(req ListBillsRequest) []Bill {
	var out []Bill
	for id := range r.bills {
		bill, _ := r.getBill(id)
		if req.Status != "" && bill.Status != req.Status {
			continue
		}
		if req.PatientRef != "" && bill.PatientRef != req.PatientRef {
			continue
		}
		out = append(out, bill)
	}
	return out
}

func (r *memoryBillRepo) ListBills(ctx context.Context, req ListBillsRequest) ([]Bill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listBills(req), nil
}

func (r *memoryBillRepo) CountBills(ctx context.Context, req ListBillsRequest) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listBills(req)), nil
}

func (r *memoryBillRepo) GetBillBalances(ctx context.Context) ([]BillBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var balances []BillBalance
	for _, bill := range r.bills {
		if bill.DueAmount <= 0 {
			continue
		}
		balances = append(balances, BillBalance{
			ID:          bill.ID,
			DueAt:       bill.DueAt,
			TotalAmount: bill.TotalAmount,
			PaidAmount:  bill.PaidAmount,
			DueAmount:   bill.DueAmount,
		})
	}
	return balances, nil
}

func (r *memoryBillRepo) CountBillsByStatus(ctx context.Context) (map[BillStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[BillStatus]int64)
	for _, bill := range r.bills {
		counts[bill.Status]++
	}
	return counts, nil
}

func (r *memoryBillRepo) CountClaimsByStatus(ctx context.Context) (map[ClaimStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[ClaimStatus]int64)
	for _, claim := range r.claims {
		counts[claim.Status]++
	}
	return counts, nil
}

func (r *memoryBillRepo) SumBillAmounts(ctx context.Context) (float64, float64, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var billed, collected, outstanding float64
	for _, bill := range r.bills {
		billed += bill.TotalAmount
		collected += bill.PaidAmount
		outstanding += bill.DueAmount
	}
	return billed, collected, outstanding, nil
}

func (tx *memoryBillTx) CreateBill(ctx context.Context, bill Bill) (int64, error) {
	tx.repo.nextID++
	id := tx.repo.nextID
	bill.ID = id
	bill.Items = nil
	bill.Claim = nil
	tx.repo.bills[id] = bill
	return id, nil
}

func (tx *memoryBillTx) CreateBillItem(ctx context.Context, billID int64, item BillItem) error {
	tx.repo.nextItemID++
	item.ID = tx.repo.nextItemID
	item.BillID = billID
	tx.repo.items[billID] = append(tx.repo.items[billID], item)
	return nil
}

func (tx *memoryBillTx) UpdateBillAmounts(ctx context.Context, bill Bill) error {
	stored, ok := tx.repo.bills[bill.ID]
	if !ok {
		return ErrNotFound
	}
	stored.PaidAmount = bill.PaidAmount
	stored.DueAmount = bill.DueAmount
	stored.Status = bill.Status
	stored.UpdatedAt = time.Now()
	tx.repo.bills[bill.ID] = stored
	return nil
}

func (tx *memoryBillTx) CreateClaim(ctx context.Context, claim Claim) error {
	tx.repo.claims[claim.BillID] = claim
	return nil
}

func (tx *memoryBillTx) UpdateClaim(ctx context.Context, claim Claim) error {
	for billID, stored := range tx.repo.claims {
		if stored.ID == claim.ID {
			claim.BillID = billID
			tx.repo.claims[billID] = claim
			return nil
		}
	}
	return ErrNotFound
}

func (tx *memoryBillTx) CreateClaimEvent(ctx context.Context, event ClaimEvent) error {
	tx.repo.nextEventID++
	event.ID = tx.repo.nextEventID
	tx.repo.events[event.BillID] = append(tx.repo.events[event.BillID], event)
	return nil
}

func (tx *memoryBillTx) GenerateBillNumber(ctx context.Context) (string, error) {
	tx.repo.numberCursor++
	return fmt.Sprintf("BILL-TEST-%s-%04d", time.Now().Format("20060102"), tx.repo.numberCursor), nil
}

type memoryIdempotencyStore struct {
	keys map[string]string
}

func newMemoryIdempotencyStore() *memoryIdempotencyStore {
	return &memoryIdempotencyStore{keys: make(map[string]string)}
}

func (s *memoryIdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if _, ok := s.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = module
	return nil
}

func (s *memoryIdempotencyStore) Delete(ctx context.Context, key string) error {
	delete(s.keys, key)
	return nil
}

// flakyBillRepo fails the next transaction once, then behaves normally.
type flakyBillRepo struct {
	*memoryBillRepo
	failNext bool
}

func (r *flakyBillRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r.failNext {
		r.failNext = false
		return errors.New("connection reset")
	}
	return r.memoryBillRepo.WithTx(ctx, fn)
}

func newTestService(repo Repository) *Service {
	return NewService(repo, nil, nil, nil, nil, nil, nil)
}

func newIdempotentTestService(repo Repository, store IdempotencyStore) *Service {
	return NewService(repo, nil, nil, store, nil, nil, nil)
}

func TestCreateBill(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBillRepo()
	svc := newTestService(repo)

	bill, err := svc.CreateBill(ctx, CreateBillInput{
		PatientRef:   "PAT-001",
		AdmissionRef: "ADM-17",
		CreatedBy:    5,
		Items: []BillItemInput{
			{Description: "Room charges", Amount: 12000},
			{Description: "Surgeon fee", Amount: 45000},
			{Description: "Pharmacy", Amount: 3150.50},
		},
	})
	require.NoError(t, err)
	require.NotZero(t, bill.ID)
	require.NotEmpty(t, bill.Number)
	require.Equal(t, "INR", bill.Currency)
	require.Equal(t, BillStatusUnpaid, bill.Status)
	require.InDelta(t, 60150.50, bill.TotalAmount, 0.001)
	require.InDelta(t, 60150.50, bill.DueAmount, 0.001)
	require.Zero(t, bill.PaidAmount)
	require.Len(t, bill.Items, 3)
}

func TestCreateBillRejectsEmptyItems(t *testing.T) {
	svc := newTestService(newMemoryBillRepo())

	_, err := svc.CreateBill(context.Background(), CreateBillInput{PatientRef: "PAT-001"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestMarkBillPaid(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBillRepo()
	svc := newTestService(repo)

	bill, err := svc.CreateBill(ctx, CreateBillInput{
		PatientRef: "PAT-002",
		Items:      []BillItemInput{{Description: "Consultation", Amount: 800}},
	})
	require.NoError(t, err)

	paid, err := svc.MarkBillPaid(ctx, bill.ID, PayBillInput{ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, BillStatusPaid, paid.Status)
	require.InDelta(t, 800, paid.PaidAmount, 0.001)
	require.Zero(t, paid.DueAmount)

	_, err = svc.MarkBillPaid(ctx, bill.ID, PayBillInput{ActorID: 1})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestAttachClaim(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBillRepo()
	svc := newTestService(repo)

	bill, err := svc.CreateBill(ctx, CreateBillInput{
		PatientRef: "PAT-003",
		Items:      []BillItemInput{{Description: "Surgery package", Amount: 250000}},
	})
	require.NoError(t, err)

	updated, err := svc.AttachClaim(ctx, bill.ID, AttachClaimInput{
		Provider:      "Star Health",
		PolicyNumber:  "SH-99812",
		InsuranceType: InsuranceCashless,
		ClaimAmount:   200000,
		ActorID:       7,
	})
	require.NoError(t, err)
	require.Equal(t, BillStatusInsurancePending, updated.Status)
	require.NotNil(t, updated.Claim)
	require.Equal(t, ClaimStatusSubmitted, updated.Claim.Status)
	require.InDelta(t, 200000, updated.Claim.ClaimAmount, 0.001)

	detail, err := svc.GetBillWithDetails(ctx, bill.ID)
	require.NoError(t, err)
	require.Len(t, detail.Events, 1)
	require.Equal(t, ClaimStatusSubmitted, detail.Events[0].To)

	_, err = svc.AttachClaim(ctx, bill.ID, AttachClaimInput{
		Provider:      "Star Health",
		PolicyNumber:  "SH-99812",
		InsuranceType: InsuranceCashless,
		ClaimAmount:   10000,
	})
	require.ErrorIs(t, err, ErrClaimExists)
}

func TestAdvanceClaimToPaidSettlesBill(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBillRepo()
	svc := newTestService(repo)

	bill, err := svc.CreateBill(ctx, CreateBillInput{
		PatientRef: "PAT-004",
		Items:      []BillItemInput{{Description: "Cardiac surgery", Amount: 300000}},
	})
	require.NoError(t, err)

	_, err = svc.AttachClaim(ctx, bill.ID, AttachClaimInput{
		Provider:      "HDFC Ergo",
		PolicyNumber:  "HE-2210",
		InsuranceType: InsuranceCashless,
		ClaimAmount:   300000,
		ActorID:       3,
	})
	require.NoError(t, err)

	_, err = svc.AdvanceClaim(ctx, bill.ID, AdvanceClaimInput{Target: ClaimStatusUnderReview, ActorID: 3})
	require.NoError(t, err)

	approved := 240000.0
	_, err = svc.AdvanceClaim(ctx, bill.ID, AdvanceClaimInput{
		Target:         ClaimStatusApproved,
		ApprovedAmount: &approved,
		Notes:          "co-pay deducted",
		ActorID:        3,
	})
	require.NoError(t, err)

	settled, err := svc.AdvanceClaim(ctx, bill.ID, AdvanceClaimInput{Target: ClaimStatusPaid, ActorID: 3})
	require.NoError(t, err)
	require.Equal(t, ClaimStatusPaid, settled.Claim.Status)
	require.Equal(t, BillStatusPartiallyPaid, settled.Status)
	require.InDelta(t, 240000, settled.PaidAmount, 0.001)
	require.InDelta(t, 60000, settled.DueAmount, 0.001)

	detail, err := svc.GetBillWithDetails(ctx, bill.ID)
	require.NoError(t, err)
	require.Len(t, detail.Events, 4)
	require.Equal(t, ClaimStatusApproved, detail.Events[3].From)
	require.Equal(t, ClaimStatusPaid, detail.Events[3].To)
}

func TestAdvanceClaimFullApprovalMarksBillPaid(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBillRepo()
	svc := newTestService(repo)

	bill, err := svc.CreateBill(ctx, CreateBillInput{
		PatientRef: "PAT-005",
		Items:      []BillItemInput{{Description: "Maternity package", Amount: 90000}},
	})
	require.NoError(t, err)

	_, err = svc.AttachClaim(ctx, bill.ID, AttachClaimInput{
		Provider:      "LIC",
		PolicyNumber:  "LIC-41",
		InsuranceType: InsuranceReimbursement,
		ClaimAmount:   90000,
	})
	require.NoError(t, err)

	_, err = svc.AdvanceClaim(ctx, bill.ID, AdvanceClaimInput{Target: ClaimStatusUnderReview})
	require.NoError(t, err)
	approved := 90000.0
	_, err = svc.AdvanceClaim(ctx, bill.ID, AdvanceClaimInput{Target: ClaimStatusApproved, ApprovedAmount: &approved})
	require.NoError(t, err)
	settled, err := svc.AdvanceClaim(ctx, bill.ID, AdvanceClaimInput{Target: ClaimStatusPaid})
	require.NoError(t, err)
	require.Equal(t, BillStatusPaid, settled.Status)
	require.Zero(t, settled.DueAmount)
}

func TestAdvanceClaimRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBillRepo()
	svc := newTestService(repo)

	bill, err := svc.CreateBill(ctx, CreateBillInput{
		PatientRef: "PAT-006",
		Items:      []BillItemInput{{Description: "Dialysis", Amount: 15000}},
	})
	require.NoError(t, err)

	_, err = svc.AdvanceClaim(ctx, bill.ID, AdvanceClaimInput{Target: ClaimStatusUnderReview})
	require.ErrorIs(t, err, ErrNoClaim)

	_, err = svc.AttachClaim(ctx, bill.ID, AttachClaimInput{
		Provider:      "ICICI Lombard",
		PolicyNumber:  "IL-7",
		InsuranceType: InsuranceCashless,
		ClaimAmount:   15000,
	})
	require.NoError(t, err)

	_, err = svc.AdvanceClaim(ctx, bill.ID, AdvanceClaimInput{Target: ClaimStatusPaid})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCreateBillReplayRejected(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBillRepo()
	svc := newIdempotentTestService(repo, newMemoryIdempotencyStore())

	input := CreateBillInput{
		PatientRef:     "PAT-007",
		IdempotencyKey: "create-7781",
		Items:          []BillItemInput{{Description: "MRI scan", Amount: 9500}},
	}
	first, err := svc.CreateBill(ctx, input)
	require.NoError(t, err)

	_, err = svc.CreateBill(ctx, input)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	_, total, err := svc.ListBills(ctx, ListBillsRequest{PatientRef: "PAT-007"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.NotZero(t, first.ID)
}

func TestCreateBillReleasesKeyWhenTxFails(t *testing.T) {
	ctx := context.Background()
	repo := &flakyBillRepo{memoryBillRepo: newMemoryBillRepo(), failNext: true}
	svc := newIdempotentTestService(repo, newMemoryIdempotencyStore())

	input := CreateBillInput{
		PatientRef:     "PAT-008",
		IdempotencyKey: "create-8190",
		Items:          []BillItemInput{{Description: "Dialysis", Amount: 15000}},
	}
	_, err := svc.CreateBill(ctx, input)
	require.Error(t, err)
	require.NotErrorIs(t, err, shared.ErrIdempotencyConflict)

	// the key was freed, so the retry goes through
	bill, err := svc.CreateBill(ctx, input)
	require.NoError(t, err)
	require.Equal(t, BillStatusUnpaid, bill.Status)
}

func TestMarkBillPaidReplayRejected(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBillRepo()
	svc := newIdempotentTestService(repo, newMemoryIdempotencyStore())

	bill, err := svc.CreateBill(ctx, CreateBillInput{
		PatientRef: "PAT-009",
		Items:      []BillItemInput{{Description: "Physio", Amount: 2200}},
	})
	require.NoError(t, err)

	input := PayBillInput{ActorID: 2, IdempotencyKey: "pay-4410"}
	paid, err := svc.MarkBillPaid(ctx, bill.ID, input)
	require.NoError(t, err)
	require.Equal(t, BillStatusPaid, paid.Status)

	_, err = svc.MarkBillPaid(ctx, bill.ID, input)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
}

func TestClaimMutationsReplayRejected(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBillRepo()
	svc := newIdempotentTestService(repo, newMemoryIdempotencyStore())

	bill, err := svc.CreateBill(ctx, CreateBillInput{
		PatientRef: "PAT-010",
		Items:      []BillItemInput{{Description: "Orthopedic surgery", Amount: 180000}},
	})
	require.NoError(t, err)

	attach := AttachClaimInput{
		Provider:       "Star Health",
		PolicyNumber:   "SH-550",
		InsuranceType:  InsuranceCashless,
		ClaimAmount:    180000,
		ActorID:        4,
		IdempotencyKey: "claim-550",
	}
	_, err = svc.AttachClaim(ctx, bill.ID, attach)
	require.NoError(t, err)
	_, err = svc.AttachClaim(ctx, bill.ID, attach)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	advance := AdvanceClaimInput{
		Target:         ClaimStatusUnderReview,
		ActorID:        4,
		IdempotencyKey: "advance-550-review",
	}
	_, err = svc.AdvanceClaim(ctx, bill.ID, advance)
	require.NoError(t, err)
	_, err = svc.AdvanceClaim(ctx, bill.ID, advance)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	detail, err := svc.GetBillWithDetails(ctx, bill.ID)
	require.NoError(t, err)
	require.Len(t, detail.Events, 2)
}

func TestAdvanceClaimReleasesKeyOnInvalidTransition(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBillRepo()
	svc := newIdempotentTestService(repo, newMemoryIdempotencyStore())

	bill, err := svc.CreateBill(ctx, CreateBillInput{
		PatientRef: "PAT-011",
		Items:      []BillItemInput{{Description: "Chemotherapy", Amount: 75000}},
	})
	require.NoError(t, err)
	_, err = svc.AttachClaim(ctx, bill.ID, AttachClaimInput{
		Provider:      "HDFC Ergo",
		PolicyNumber:  "HE-81",
		InsuranceType: InsuranceReimbursement,
		ClaimAmount:   75000,
	})
	require.NoError(t, err)

	input := AdvanceClaimInput{Target: ClaimStatusPaid, IdempotencyKey: "advance-81"}
	_, err = svc.AdvanceClaim(ctx, bill.ID, input)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// rejected transitions must not burn the key
	input.Target = ClaimStatusUnderReview
	updated, err := svc.AdvanceClaim(ctx, bill.ID, input)
	require.NoError(t, err)
	require.Equal(t, ClaimStatusUnderReview, updated.Claim.Status)
}

func TestListBillsFilters(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryBillRepo()
	svc := newTestService(repo)

	for i := 0; i < 3; i++ {
		_, err := svc.CreateBill(ctx, CreateBillInput{
			PatientRef: "PAT-A",
			Items:      []BillItemInput{{Description: "Lab", Amount: 500}},
		})
		require.NoError(t, err)
	}
	other, err := svc.CreateBill(ctx, CreateBillInput{
		PatientRef: "PAT-B",
		Items:      []BillItemInput{{Description: "Lab", Amount: 700}},
	})
	require.NoError(t, err)
	_, err = svc.MarkBillPaid(ctx, other.ID, PayBillInput{ActorID: 1})
	require.NoError(t, err)

	bills, total, err := svc.ListBills(ctx, ListBillsRequest{PatientRef: "PAT-A"})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, bills, 3)

	bills, total, err = svc.ListBills(ctx, ListBillsRequest{Status: BillStatusPaid})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "PAT-B", bills[0].PatientRef)
}
