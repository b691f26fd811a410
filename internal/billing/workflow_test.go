package billing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClaimTransitionTable(t *testing.T) {
	require.True(t, CanAdvance(ClaimStatusSubmitted, ClaimStatusUnderReview))
	require.True(t, CanAdvance(ClaimStatusUnderReview, ClaimStatusAdditionalInfo))
	require.True(t, CanAdvance(ClaimStatusUnderReview, ClaimStatusApproved))
	require.True(t, CanAdvance(ClaimStatusUnderReview, ClaimStatusRejected))
	require.True(t, CanAdvance(ClaimStatusAdditionalInfo, ClaimStatusUnderReview))
	require.True(t, CanAdvance(ClaimStatusApproved, ClaimStatusPaid))

	require.False(t, CanAdvance(ClaimStatusSubmitted, ClaimStatusApproved))
	require.False(t, CanAdvance(ClaimStatusSubmitted, ClaimStatusPaid))
	require.False(t, CanAdvance(ClaimStatusRejected, ClaimStatusUnderReview))
	require.False(t, CanAdvance(ClaimStatusPaid, ClaimStatusUnderReview))
	require.False(t, CanAdvance(ClaimStatusApproved, ClaimStatusRejected))
}

func TestTerminalStates(t *testing.T) {
	require.True(t, IsTerminal(ClaimStatusRejected))
	require.True(t, IsTerminal(ClaimStatusPaid))
	require.False(t, IsTerminal(ClaimStatusSubmitted))
	require.False(t, IsTerminal(ClaimStatusUnderReview))
	require.False(t, IsTerminal(ClaimStatusAdditionalInfo))
	require.False(t, IsTerminal(ClaimStatusApproved))
}

func TestAllowedTransitionsCopies(t *testing.T) {
	targets := AllowedTransitions(ClaimStatusUnderReview)
	require.Len(t, targets, 3)
	targets[0] = ClaimStatusPaid
	require.Equal(t, ClaimStatusAdditionalInfo, AllowedTransitions(ClaimStatusUnderReview)[0])
	require.Empty(t, AllowedTransitions(ClaimStatusRejected))
}

func TestAdvanceClaimApprovalRequiresAmount(t *testing.T) {
	claim := Claim{Status: ClaimStatusUnderReview, ClaimAmount: 50000}

	_, err := AdvanceClaim(claim, AdvanceClaimInput{Target: ClaimStatusApproved})
	require.ErrorIs(t, err, ErrValidation)

	tooMuch := 60000.0
	_, err = AdvanceClaim(claim, AdvanceClaimInput{Target: ClaimStatusApproved, ApprovedAmount: &tooMuch})
	require.ErrorIs(t, err, ErrValidation)

	negative := -1.0
	_, err = AdvanceClaim(claim, AdvanceClaimInput{Target: ClaimStatusApproved, ApprovedAmount: &negative})
	require.ErrorIs(t, err, ErrValidation)

	amount := 45000.0
	approved, err := AdvanceClaim(claim, AdvanceClaimInput{Target: ClaimStatusApproved, ApprovedAmount: &amount})
	require.NoError(t, err)
	require.Equal(t, ClaimStatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAmount)
	require.InDelta(t, 45000, *approved.ApprovedAmount, 0.001)
}

func TestAdvanceClaimNotesOverwrite(t *testing.T) {
	claim := Claim{Status: ClaimStatusSubmitted, ClaimAmount: 1000, ReviewNotes: "initial submission"}

	moved, err := AdvanceClaim(claim, AdvanceClaimInput{Target: ClaimStatusUnderReview})
	require.NoError(t, err)
	require.Equal(t, "initial submission", moved.ReviewNotes)

	moved, err = AdvanceClaim(moved, AdvanceClaimInput{Target: ClaimStatusAdditionalInfo, Notes: "need discharge summary"})
	require.NoError(t, err)
	require.Equal(t, "need discharge summary", moved.ReviewNotes)
}

func TestAdvanceClaimRejectsUnknownTransition(t *testing.T) {
	claim := Claim{Status: ClaimStatusRejected, ClaimAmount: 1000}
	_, err := AdvanceClaim(claim, AdvanceClaimInput{Target: ClaimStatusUnderReview})
	require.ErrorIs(t, err, ErrInvalidTransition)

	claim = Claim{Status: ClaimStatusSubmitted, ClaimAmount: 1000}
	_, err = AdvanceClaim(claim, AdvanceClaimInput{Target: "escalated"})
	require.ErrorIs(t, err, ErrInvalidTransition)
}
