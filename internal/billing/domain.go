package billing

import (
	"time"

	"github.com/google/uuid"
)

// BillStatus enumerates bill payment statuses. The values are wire-visible
// and consumed verbatim by API clients.
type BillStatus string

const (
	BillStatusUnpaid           BillStatus = "unpaid"
	BillStatusPartiallyPaid    BillStatus = "partially_paid"
	BillStatusPaid             BillStatus = "paid"
	BillStatusInsurancePending BillStatus = "insurance_pending"
)

// ClaimStatus enumerates insurance claim workflow states.
type ClaimStatus string

const (
	ClaimStatusSubmitted      ClaimStatus = "submitted"
	ClaimStatusUnderReview    ClaimStatus = "under_review"
	ClaimStatusAdditionalInfo ClaimStatus = "additional_info"
	ClaimStatusApproved       ClaimStatus = "approved"
	ClaimStatusRejected       ClaimStatus = "rejected"
	ClaimStatusPaid           ClaimStatus = "paid"
)

// InsuranceType distinguishes direct-settlement from reimbursement policies.
type InsuranceType string

const (
	InsuranceCashless      InsuranceType = "cashless"
	InsuranceReimbursement InsuranceType = "reimbursement"
)

// Bill is a patient's aggregated charge record. Total, items and identity are
// fixed at creation; paid/due/status move only through ledger operations.
type Bill struct {
	ID           int64
	Number       string
	PatientRef   string
	AdmissionRef string
	Currency     string
	TotalAmount  float64
	PaidAmount   float64
	DueAmount    float64
	Status       BillStatus
	Items        []BillItem
	Claim        *Claim
	DueAt        time.Time
	CreatedBy    int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BillItem is a single charge line on a bill.
type BillItem struct {
	ID          int64
	BillID      int64
	Description string
	Amount      float64
	CreatedAt   time.Time
}

// Claim is the insurance sub-record attached 1:1 to a bill once submitted.
// Provider, policy and type are immutable after submission.
type Claim struct {
	ID             uuid.UUID
	BillID         int64
	Provider       string
	PolicyNumber   string
	InsuranceType  InsuranceType
	ClaimAmount    float64
	ApprovedAmount *float64
	Status         ClaimStatus
	ReviewNotes    string
	SubmittedAt    time.Time
	UpdatedAt      time.Time
}

// ClaimEvent records one workflow transition for the review trail.
type ClaimEvent struct {
	ID      int64
	ClaimID uuid.UUID
	BillID  int64
	ActorID int64
	From    ClaimStatus
	To      ClaimStatus
	Notes   string
	At      time.Time
}

// BillWithDetails bundles a hydrated bill with its claim review trail.
type BillWithDetails struct {
	Bill
	Events []ClaimEvent
}

// --- Input DTOs ---

// CreateBillInput for creating bills.
type CreateBillInput struct {
	PatientRef     string
	AdmissionRef   string
	Currency       string
	Number         string
	DueDate        time.Time
	CreatedBy      int64
	IdempotencyKey string
	Items          []BillItemInput
}

// BillItemInput for bill charge lines.
type BillItemInput struct {
	Description string
	Amount      float64
}

// PayBillInput for settling a bill in full out of pocket.
type PayBillInput struct {
	ActorID        int64
	IdempotencyKey string
}

// AttachClaimInput for submitting an insurance claim against a bill.
type AttachClaimInput struct {
	Provider       string
	PolicyNumber   string
	InsuranceType  InsuranceType
	ClaimAmount    float64
	Notes          string
	ActorID        int64
	IdempotencyKey string
}

// AdvanceClaimInput drives one claim workflow transition.
type AdvanceClaimInput struct {
	Target         ClaimStatus
	ApprovedAmount *float64
	Notes          string
	ActorID        int64
	IdempotencyKey string
}

// ListBillsRequest filters bill listings.
type ListBillsRequest struct {
	Status     BillStatus
	PatientRef string
	FromDate   time.Time
	ToDate     time.Time
	Limit      int
	Offset     int
}

// BillBalance is a slim projection used for batch aging calculations.
type BillBalance struct {
	ID          int64
	DueAt       time.Time
	TotalAmount float64
	PaidAmount  float64
	DueAmount   float64
}
