package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ledger arithmetic. Every operation takes a bill value and returns an
// updated copy; callers persist the result. The invariant maintained
// throughout: DueAmount == max(0, TotalAmount - PaidAmount), and PaidAmount
// never decreases.

// NewBill builds a bill from its charge lines. The total is the sum of line
// amounts and is fixed for the lifetime of the bill.
func NewBill(input CreateBillInput) (Bill, error) {
	if len(input.Items) == 0 {
		return Bill{}, fmt.Errorf("%w: at least one item is required", ErrValidation)
	}
	var total float64
	items := make([]BillItem, 0, len(input.Items))
	for _, item := range input.Items {
		if item.Amount <= 0 {
			return Bill{}, fmt.Errorf("%w: item %q amount must be positive", ErrValidation, item.Description)
		}
		total += item.Amount
		items = append(items, BillItem{Description: item.Description, Amount: item.Amount})
	}
	if total <= 0 {
		return Bill{}, fmt.Errorf("%w: bill total must be positive", ErrValidation)
	}
	currency := input.Currency
	if currency == "" {
		currency = "INR"
	}
	now := time.Now()
	return Bill{
		Number:       input.Number,
		PatientRef:   input.PatientRef,
		AdmissionRef: input.AdmissionRef,
		Currency:     currency,
		TotalAmount:  total,
		PaidAmount:   0,
		DueAmount:    total,
		Status:       BillStatusUnpaid,
		Items:        items,
		DueAt:        input.DueDate,
		CreatedBy:    input.CreatedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// MarkFullyPaid settles the bill in full out of pocket.
func MarkFullyPaid(bill Bill) (Bill, error) {
	if bill.Status == BillStatusPaid {
		return Bill{}, fmt.Errorf("%w: bill %s is already paid", ErrInvalidState, bill.Number)
	}
	bill.PaidAmount = bill.TotalAmount
	bill.DueAmount = 0
	bill.Status = BillStatusPaid
	bill.UpdatedAt = time.Now()
	return bill, nil
}

// AttachClaim submits an insurance claim against the bill. One claim per
// bill; the claim amount may not exceed the bill total.
func AttachClaim(bill Bill, input AttachClaimInput) (Bill, error) {
	if bill.Claim != nil {
		return Bill{}, fmt.Errorf("%w: bill %s", ErrClaimExists, bill.Number)
	}
	if input.ClaimAmount <= 0 {
		return Bill{}, fmt.Errorf("%w: claim amount must be positive", ErrValidation)
	}
	if input.ClaimAmount > bill.TotalAmount {
		return Bill{}, fmt.Errorf("%w: claim amount %.2f exceeds bill total %.2f", ErrValidation, input.ClaimAmount, bill.TotalAmount)
	}
	if input.InsuranceType != InsuranceCashless && input.InsuranceType != InsuranceReimbursement {
		return Bill{}, fmt.Errorf("%w: unknown insurance type %q", ErrValidation, input.InsuranceType)
	}
	now := time.Now()
	bill.Claim = &Claim{
		ID:            uuid.New(),
		BillID:        bill.ID,
		Provider:      input.Provider,
		PolicyNumber:  input.PolicyNumber,
		InsuranceType: input.InsuranceType,
		ClaimAmount:   input.ClaimAmount,
		Status:        ClaimStatusSubmitted,
		ReviewNotes:   input.Notes,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}
	bill.Status = BillStatusInsurancePending
	bill.UpdatedAt = now
	return bill, nil
}

// ApplySettlement credits an insurance payout against the bill. A payout
// that exceeds the remaining due is absorbed: the due amount clamps at zero
// and the bill is marked paid. Overpayment is never rejected.
func ApplySettlement(bill Bill, settled float64) (Bill, error) {
	if settled < 0 {
		return Bill{}, fmt.Errorf("%w: settlement amount must not be negative", ErrValidation)
	}
	remainingDue := bill.TotalAmount - settled - bill.PaidAmount
	bill.PaidAmount += settled
	if remainingDue <= 0 {
		bill.DueAmount = 0
		bill.Status = BillStatusPaid
	} else {
		bill.DueAmount = remainingDue
		bill.Status = BillStatusPartiallyPaid
	}
	bill.UpdatedAt = time.Now()
	return bill, nil
}
