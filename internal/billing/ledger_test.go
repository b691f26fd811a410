package billing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBillTotalsItems(t *testing.T) {
	bill, err := NewBill(CreateBillInput{
		PatientRef: "PAT-1",
		Items: []BillItemInput{
			{Description: "Bed charges", Amount: 2500},
			{Description: "Medicines", Amount: 431.25},
		},
	})
	require.NoError(t, err)
	require.InDelta(t, 2931.25, bill.TotalAmount, 0.001)
	require.InDelta(t, 2931.25, bill.DueAmount, 0.001)
	require.Zero(t, bill.PaidAmount)
	require.Equal(t, BillStatusUnpaid, bill.Status)
	require.Equal(t, "INR", bill.Currency)
}

func TestNewBillValidation(t *testing.T) {
	_, err := NewBill(CreateBillInput{PatientRef: "PAT-1"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = NewBill(CreateBillInput{
		PatientRef: "PAT-1",
		Items:      []BillItemInput{{Description: "Bad line", Amount: -5}},
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = NewBill(CreateBillInput{
		PatientRef: "PAT-1",
		Items:      []BillItemInput{{Description: "Zero line", Amount: 0}},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestMarkFullyPaid(t *testing.T) {
	bill, err := NewBill(CreateBillInput{
		PatientRef: "PAT-1",
		Items:      []BillItemInput{{Description: "OPD", Amount: 1200}},
	})
	require.NoError(t, err)

	paid, err := MarkFullyPaid(bill)
	require.NoError(t, err)
	require.Equal(t, BillStatusPaid, paid.Status)
	require.InDelta(t, 1200, paid.PaidAmount, 0.001)
	require.Zero(t, paid.DueAmount)

	_, err = MarkFullyPaid(paid)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestAttachClaimRules(t *testing.T) {
	bill, err := NewBill(CreateBillInput{
		PatientRef: "PAT-1",
		Items:      []BillItemInput{{Description: "ICU", Amount: 80000}},
	})
	require.NoError(t, err)

	_, err = AttachClaim(bill, AttachClaimInput{
		Provider:      "Acme Insurance",
		InsuranceType: InsuranceCashless,
		ClaimAmount:   100000,
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = AttachClaim(bill, AttachClaimInput{
		Provider:      "Acme Insurance",
		InsuranceType: "group",
		ClaimAmount:   50000,
	})
	require.ErrorIs(t, err, ErrValidation)

	withClaim, err := AttachClaim(bill, AttachClaimInput{
		Provider:      "Acme Insurance",
		PolicyNumber:  "AC-1",
		InsuranceType: InsuranceReimbursement,
		ClaimAmount:   80000,
	})
	require.NoError(t, err)
	require.Equal(t, BillStatusInsurancePending, withClaim.Status)
	require.NotNil(t, withClaim.Claim)
	require.Equal(t, ClaimStatusSubmitted, withClaim.Claim.Status)
	require.NotEqual(t, withClaim.Claim.ID.String(), "00000000-0000-0000-0000-000000000000")

	_, err = AttachClaim(withClaim, AttachClaimInput{
		Provider:      "Acme Insurance",
		PolicyNumber:  "AC-2",
		InsuranceType: InsuranceCashless,
		ClaimAmount:   1000,
	})
	require.ErrorIs(t, err, ErrClaimExists)
}

func TestApplySettlementPartial(t *testing.T) {
	bill, err := NewBill(CreateBillInput{
		PatientRef: "PAT-1",
		Items:      []BillItemInput{{Description: "Surgery", Amount: 100000}},
	})
	require.NoError(t, err)

	settled, err := ApplySettlement(bill, 60000)
	require.NoError(t, err)
	require.Equal(t, BillStatusPartiallyPaid, settled.Status)
	require.InDelta(t, 60000, settled.PaidAmount, 0.001)
	require.InDelta(t, 40000, settled.DueAmount, 0.001)
}

func TestApplySettlementClampsOverpayment(t *testing.T) {
	bill, err := NewBill(CreateBillInput{
		PatientRef: "PAT-1",
		Items:      []BillItemInput{{Description: "Surgery", Amount: 100000}},
	})
	require.NoError(t, err)

	settled, err := ApplySettlement(bill, 120000)
	require.NoError(t, err)
	require.Equal(t, BillStatusPaid, settled.Status)
	require.Zero(t, settled.DueAmount)
	require.InDelta(t, 120000, settled.PaidAmount, 0.001)
}

func TestApplySettlementAccumulates(t *testing.T) {
	bill, err := NewBill(CreateBillInput{
		PatientRef: "PAT-1",
		Items:      []BillItemInput{{Description: "Surgery", Amount: 100000}},
	})
	require.NoError(t, err)

	first, err := ApplySettlement(bill, 30000)
	require.NoError(t, err)
	second, err := ApplySettlement(first, 70000)
	require.NoError(t, err)
	require.Equal(t, BillStatusPaid, second.Status)
	require.Zero(t, second.DueAmount)
	require.InDelta(t, 100000, second.PaidAmount, 0.001)

	_, err = ApplySettlement(second, -1)
	require.ErrorIs(t, err, ErrValidation)
}
