package billing

import (
	"fmt"
	"time"
)

// Claim workflow. submitted -> under_review -> {additional_info, approved,
// rejected}; additional_info loops back to under_review; approved -> paid.
// rejected and paid are terminal.

var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimStatusSubmitted:      {ClaimStatusUnderReview},
	ClaimStatusUnderReview:    {ClaimStatusAdditionalInfo, ClaimStatusApproved, ClaimStatusRejected},
	ClaimStatusAdditionalInfo: {ClaimStatusUnderReview},
	ClaimStatusApproved:       {ClaimStatusPaid},
	ClaimStatusRejected:       nil,
	ClaimStatusPaid:           nil,
}

// AllowedTransitions returns the targets reachable from the given state.
func AllowedTransitions(from ClaimStatus) []ClaimStatus {
	next, ok := claimTransitions[from]
	if !ok {
		return nil
	}
	return append([]ClaimStatus(nil), next...)
}

// CanAdvance reports whether from -> to is a legal workflow step.
func CanAdvance(from, to ClaimStatus) bool {
	for _, allowed := range claimTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the claim state admits no further transitions.
func IsTerminal(status ClaimStatus) bool {
	return len(claimTransitions[status]) == 0
}

// AdvanceClaim performs one workflow transition on a claim value. Approving
// requires an approved amount within [0, ClaimAmount]. Notes, when supplied,
// overwrite the review notes; last write wins. Settlement against the bill
// happens at the service layer once the claim reaches paid.
func AdvanceClaim(claim Claim, input AdvanceClaimInput) (Claim, error) {
	if !CanAdvance(claim.Status, input.Target) {
		return Claim{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, claim.Status, input.Target)
	}
	if input.Target == ClaimStatusApproved {
		if input.ApprovedAmount == nil {
			return Claim{}, fmt.Errorf("%w: approved amount is required", ErrValidation)
		}
		if *input.ApprovedAmount < 0 || *input.ApprovedAmount > claim.ClaimAmount {
			return Claim{}, fmt.Errorf("%w: approved amount %.2f outside [0, %.2f]", ErrValidation, *input.ApprovedAmount, claim.ClaimAmount)
		}
		amount := *input.ApprovedAmount
		claim.ApprovedAmount = &amount
	}
	claim.Status = input.Target
	if input.Notes != "" {
		claim.ReviewNotes = input.Notes
	}
	claim.UpdatedAt = time.Now()
	return claim, nil
}
