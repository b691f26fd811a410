package billing

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

var summaryGroup singleflight.Group

// Summary aggregates the billing ledger for the dashboard.
type Summary struct {
	BillCounts       map[BillStatus]int64  `json:"bill_counts"`
	ClaimCounts      map[ClaimStatus]int64 `json:"claim_counts"`
	TotalBilled      float64               `json:"total_billed"`
	TotalCollected   float64               `json:"total_collected"`
	TotalOutstanding float64               `json:"total_outstanding"`
	CollectionRate   float64               `json:"collection_rate"`
}

// AgingBucket groups outstanding balances by days overdue.
type AgingBucket struct {
	Current   float64 `json:"current"`
	Bucket30  float64 `json:"bucket_30"`
	Bucket60  float64 `json:"bucket_60"`
	Bucket90  float64 `json:"bucket_90"`
	Bucket120 float64 `json:"bucket_120"`
}

// GetSummary returns the cached billing summary, computing it at most once
// per cache generation across concurrent callers.
func (s *Service) GetSummary(ctx context.Context) (Summary, error) {
	loader := func(ctx context.Context) (any, error) {
		return s.computeSummary(ctx)
	}
	if s.cache == nil {
		out, err := s.computeSummary(ctx)
		if err != nil {
			return Summary{}, err
		}
		return out, nil
	}
	key, err := s.cache.BuildKey(ctx, "billing", "summary")
	if err != nil {
		return Summary{}, err
	}
	var summary Summary
	result := summaryGroup.DoChan(key, func() (any, error) {
		var out Summary
		if err := s.cache.FetchJSON(ctx, key, &out, loader); err != nil {
			return Summary{}, err
		}
		return out, nil
	})
	select {
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return Summary{}, res.Err
		}
		summary = res.Val.(Summary)
	}
	return summary, nil
}

func (s *Service) computeSummary(ctx context.Context) (Summary, error) {
	billCounts, err := s.repo.CountBillsByStatus(ctx)
	if err != nil {
		return Summary{}, err
	}
	claimCounts, err := s.repo.CountClaimsByStatus(ctx)
	if err != nil {
		return Summary{}, err
	}
	billed, collected, outstanding, err := s.repo.SumBillAmounts(ctx)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{
		BillCounts:       billCounts,
		ClaimCounts:      claimCounts,
		TotalBilled:      billed,
		TotalCollected:   collected,
		TotalOutstanding: outstanding,
	}
	if billed > 0 {
		summary.CollectionRate = collected / billed
	}
	return summary, nil
}

// CalculateAging buckets outstanding bill balances by how far past due they
// are as of the given date.
func (s *Service) CalculateAging(ctx context.Context, asOf time.Time) (AgingBucket, error) {
	balances, err := s.repo.GetBillBalances(ctx)
	if err != nil {
		return AgingBucket{}, err
	}

	bucket := AgingBucket{}
	for _, bal := range balances {
		if bal.DueAmount <= 0 {
			continue
		}
		daysOverdue := int(asOf.Sub(bal.DueAt).Hours() / 24)
		switch {
		case daysOverdue <= 0:
			bucket.Current += bal.DueAmount
		case daysOverdue <= 30:
			bucket.Bucket30 += bal.DueAmount
		case daysOverdue <= 60:
			bucket.Bucket60 += bal.DueAmount
		case daysOverdue <= 90:
			bucket.Bucket90 += bal.DueAmount
		default:
			bucket.Bucket120 += bal.DueAmount
		}
	}
	return bucket, nil
}
