package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meridian-hms/meridian-hms/internal/shared"
)

const idempotencyModule = "billing"

// IdempotencyStore guards mutating calls against request replays.
// Satisfied by shared.IdempotencyStore.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service orchestrates the billing ledger and the claim workflow. Mutations
// hold the per-bill lock for their duration so concurrent settlements and
// claim transitions never interleave their read-modify-write cycles.
type Service struct {
	repo        Repository
	locker      *shared.BillLocker
	audit       *shared.AuditLogger
	idempotency IdempotencyStore
	cache       *Cache
	metrics     *Metrics
	logger      *slog.Logger
}

func NewService(repo Repository, locker *shared.BillLocker, audit *shared.AuditLogger, idempotency IdempotencyStore, cache *Cache, metrics *Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		locker:      locker,
		audit:       audit,
		idempotency: idempotency,
		cache:       cache,
		metrics:     metrics,
		logger:      logger,
	}
}

// CreateBill records a new bill with its charge lines. When the input carries
// an idempotency key, replays of the same key are rejected with
// shared.ErrIdempotencyConflict instead of creating a second bill.
func (s *Service) CreateBill(ctx context.Context, input CreateBillInput) (Bill, error) {
	bill, err := NewBill(input)
	if err != nil {
		return Bill{}, err
	}

	if err := s.claimIdempotency(ctx, input.IdempotencyKey); err != nil {
		return Bill{}, err
	}

	var billID int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if bill.Number == "" {
			num, err := tx.GenerateBillNumber(ctx)
			if err != nil {
				return err
			}
			bill.Number = num
		}
		id, err := tx.CreateBill(ctx, bill)
		if err != nil {
			return err
		}
		for _, item := range bill.Items {
			if err := tx.CreateBillItem(ctx, id, item); err != nil {
				return err
			}
		}
		billID = id
		return nil
	})
	if err != nil {
		s.releaseIdempotency(ctx, input.IdempotencyKey)
		return Bill{}, err
	}

	s.metrics.BillCreated()
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  input.CreatedBy,
		Action:   shared.AuditBillCreate,
		Entity:   "bill",
		EntityID: fmt.Sprintf("%d", billID),
		Meta:     map[string]any{"number": bill.Number, "total": bill.TotalAmount},
	})
	s.bumpCache(ctx)

	return s.repo.GetBill(ctx, billID)
}

// GetBill loads a bill with its items and claim.
func (s *Service) GetBill(ctx context.Context, id int64) (Bill, error) {
	return s.repo.GetBill(ctx, id)
}

// GetBillWithDetails loads a bill together with its claim review trail.
func (s *Service) GetBillWithDetails(ctx context.Context, id int64) (BillWithDetails, error) {
	return s.repo.GetBillWithDetails(ctx, id)
}

// ListBills returns filtered bills and the total match count for pagination.
func (s *Service) ListBills(ctx context.Context, req ListBillsRequest) ([]Bill, int, error) {
	bills, err := s.repo.ListBills(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.CountBills(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	return bills, total, nil
}

// MarkBillPaid settles the bill in full out of pocket.
func (s *Service) MarkBillPaid(ctx context.Context, billID int64, input PayBillInput) (Bill, error) {
	release, err := s.locker.Acquire(ctx, billID)
	if err != nil {
		return Bill{}, err
	}
	defer release()

	if err := s.claimIdempotency(ctx, input.IdempotencyKey); err != nil {
		return Bill{}, err
	}

	bill, err := s.repo.GetBill(ctx, billID)
	if err != nil {
		s.releaseIdempotency(ctx, input.IdempotencyKey)
		return Bill{}, err
	}
	updated, err := MarkFullyPaid(bill)
	if err != nil {
		s.releaseIdempotency(ctx, input.IdempotencyKey)
		return Bill{}, err
	}
	if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateBillAmounts(ctx, updated)
	}); err != nil {
		s.releaseIdempotency(ctx, input.IdempotencyKey)
		return Bill{}, err
	}

	s.metrics.SettlementApplied()
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   shared.AuditBillPay,
		Entity:   "bill",
		EntityID: fmt.Sprintf("%d", billID),
		Meta:     map[string]any{"number": updated.Number, "amount": updated.TotalAmount},
	})
	s.bumpCache(ctx)

	return s.repo.GetBill(ctx, billID)
}

// AttachClaim submits an insurance claim against a bill and moves the bill
// into insurance_pending. The submission is recorded on the review trail.
func (s *Service) AttachClaim(ctx context.Context, billID int64, input AttachClaimInput) (Bill, error) {
	release, err := s.locker.Acquire(ctx, billID)
	if err != nil {
		return Bill{}, err
	}
	defer release()

	if err := s.claimIdempotency(ctx, input.IdempotencyKey); err != nil {
		return Bill{}, err
	}

	bill, err := s.repo.GetBill(ctx, billID)
	if err != nil {
		s.releaseIdempotency(ctx, input.IdempotencyKey)
		return Bill{}, err
	}
	updated, err := AttachClaim(bill, input)
	if err != nil {
		s.releaseIdempotency(ctx, input.IdempotencyKey)
		return Bill{}, err
	}
	claim := *updated.Claim

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.CreateClaim(ctx, claim); err != nil {
			return err
		}
		if err := tx.UpdateBillAmounts(ctx, updated); err != nil {
			return err
		}
		return tx.CreateClaimEvent(ctx, ClaimEvent{
			ClaimID: claim.ID,
			BillID:  billID,
			ActorID: input.ActorID,
			To:      ClaimStatusSubmitted,
			Notes:   input.Notes,
			At:      claim.SubmittedAt,
		})
	})
	if err != nil {
		s.releaseIdempotency(ctx, input.IdempotencyKey)
		return Bill{}, err
	}

	s.metrics.ClaimTransition("", ClaimStatusSubmitted)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   shared.AuditClaimAttach,
		Entity:   "claim",
		EntityID: claim.ID.String(),
		Meta:     map[string]any{"bill_id": billID, "provider": input.Provider, "amount": input.ClaimAmount},
	})
	s.bumpCache(ctx)

	return s.repo.GetBill(ctx, billID)
}

// AdvanceClaim performs one workflow transition on the bill's claim. Moving
// to paid additionally credits the approved amount against the bill ledger;
// claim, bill and review trail commit in one transaction.
func (s *Service) AdvanceClaim(ctx context.Context, billID int64, input AdvanceClaimInput) (Bill, error) {
	release, err := s.locker.Acquire(ctx, billID)
	if err != nil {
		return Bill{}, err
	}
	defer release()

	if err := s.claimIdempotency(ctx, input.IdempotencyKey); err != nil {
		return Bill{}, err
	}

	bill, err := s.repo.GetBill(ctx, billID)
	if err != nil {
		s.releaseIdempotency(ctx, input.IdempotencyKey)
		return Bill{}, err
	}
	if bill.Claim == nil {
		s.releaseIdempotency(ctx, input.IdempotencyKey)
		return Bill{}, fmt.Errorf("%w: bill %s", ErrNoClaim, bill.Number)
	}
	from := bill.Claim.Status

	claim, err := AdvanceClaim(*bill.Claim, input)
	if err != nil {
		s.releaseIdempotency(ctx, input.IdempotencyKey)
		return Bill{}, err
	}

	settle := false
	if input.Target == ClaimStatusPaid {
		if claim.ApprovedAmount == nil {
			s.releaseIdempotency(ctx, input.IdempotencyKey)
			return Bill{}, fmt.Errorf("%w: claim %s has no approved amount", ErrInvalidState, claim.ID)
		}
		bill, err = ApplySettlement(bill, *claim.ApprovedAmount)
		if err != nil {
			s.releaseIdempotency(ctx, input.IdempotencyKey)
			return Bill{}, err
		}
		settle = true
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateClaim(ctx, claim); err != nil {
			return err
		}
		if settle {
			if err := tx.UpdateBillAmounts(ctx, bill); err != nil {
				return err
			}
		}
		return tx.CreateClaimEvent(ctx, ClaimEvent{
			ClaimID: claim.ID,
			BillID:  billID,
			ActorID: input.ActorID,
			From:    from,
			To:      input.Target,
			Notes:   input.Notes,
			At:      claim.UpdatedAt,
		})
	})
	if err != nil {
		s.releaseIdempotency(ctx, input.IdempotencyKey)
		return Bill{}, err
	}

	s.metrics.ClaimTransition(from, input.Target)
	if settle {
		s.metrics.SettlementApplied()
	}
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   shared.AuditClaimAdvance,
		Entity:   "claim",
		EntityID: claim.ID.String(),
		Meta:     map[string]any{"bill_id": billID, "from": string(from), "to": string(input.Target)},
	})
	s.bumpCache(ctx)

	return s.repo.GetBill(ctx, billID)
}

// claimIdempotency reserves the request key before any state is written.
// Replays of a reserved key surface shared.ErrIdempotencyConflict.
func (s *Service) claimIdempotency(ctx context.Context, key string) error {
	if key == "" || s.idempotency == nil {
		return nil
	}
	return s.idempotency.CheckAndInsert(ctx, key, idempotencyModule)
}

// releaseIdempotency frees a reserved key after a failed mutation so the
// caller can retry with the same key.
func (s *Service) releaseIdempotency(ctx context.Context, key string) {
	if key == "" || s.idempotency == nil {
		return
	}
	if err := s.idempotency.Delete(ctx, key); err != nil {
		s.logger.Warn("idempotency key rollback failed", "key", key, "error", err)
	}
}

// recordAudit logs rather than fails: losing an audit row must not undo a
// committed ledger change.
func (s *Service) recordAudit(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record failed", "action", log.Action, "entity_id", log.EntityID, "error", err)
	}
}

func (s *Service) bumpCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("summary cache invalidation failed", "error", err)
	}
}
