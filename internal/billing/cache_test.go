package billing

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type countingRepo struct {
	*memoryBillRepo
	sumCalls int
}

func (r *countingRepo) SumBillAmounts(ctx context.Context) (float64, float64, float64, error) {
	r.sumCalls++
	return r.memoryBillRepo.SumBillAmounts(ctx)
}

func TestGetSummaryCaches(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	repo := &countingRepo{memoryBillRepo: newMemoryBillRepo()}
	cache := NewCache(client, time.Minute)
	svc := NewService(repo, nil, nil, nil, cache, nil, nil)

	ctx := context.Background()
	_, err := svc.CreateBill(ctx, CreateBillInput{
		PatientRef: "PAT-1",
		Items:      []BillItemInput{{Description: "Ward charges", Amount: 5000}},
	})
	require.NoError(t, err)

	summary, err := svc.GetSummary(ctx)
	require.NoError(t, err)
	require.InDelta(t, 5000, summary.TotalBilled, 0.001)
	require.Equal(t, 1, repo.sumCalls)

	// Second read is served from the cache.
	_, err = svc.GetSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, repo.sumCalls)

	// Any ledger mutation bumps the cache generation.
	_, err = svc.CreateBill(ctx, CreateBillInput{
		PatientRef: "PAT-2",
		Items:      []BillItemInput{{Description: "Scan", Amount: 2500}},
	})
	require.NoError(t, err)

	summary, err = svc.GetSummary(ctx)
	require.NoError(t, err)
	require.InDelta(t, 7500, summary.TotalBilled, 0.001)
	require.Equal(t, 2, repo.sumCalls)
}

func TestCacheVersionBump(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cache := NewCache(client, time.Minute)
	ctx := context.Background()

	before, err := cache.BuildKey(ctx, "billing", "summary")
	require.NoError(t, err)
	require.NoError(t, cache.Bump(ctx))
	after, err := cache.BuildKey(ctx, "billing", "summary")
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}
