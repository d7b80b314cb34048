package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/samma/market-engine/internal/model"
	"github.com/samma/market-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Statistics aggregates every payment userID took part in, as buyer or
// seller. Revenue figures count completed payments only; the daily breakdown
// covers the last 30 days.
func (p *Pipeline) Statistics(ctx context.Context, userID string) (*model.PaymentStatistics, error) {
	all, err := p.store.ListPayments(ctx, store.PaymentQuery{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("list payments for %s: %w", userID, err)
	}

	st := &model.PaymentStatistics{
		TotalRevenue:            decimal.Zero,
		TotalPlatformFees:       decimal.Zero,
		TotalSellerEarnings:     decimal.Zero,
		PaymentSuccessRate:      decimal.Zero,
		AverageTransactionValue: decimal.Zero,
		DailyTransactions:       make(map[string]int),
		StatusDistribution:      make(map[string]int),
	}
	since := p.cfg.Clock().AddDate(0, 0, -30)

	for _, pay := range all {
		st.StatusDistribution[string(pay.Status)]++
		if pay.Status != model.PaymentCompleted {
			continue
		}
		st.TotalPayments++
		st.TotalRevenue = st.TotalRevenue.Add(pay.Amount)
		st.TotalPlatformFees = st.TotalPlatformFees.Add(pay.PlatformFee)
		st.TotalSellerEarnings = st.TotalSellerEarnings.Add(pay.SellerAmount)
		if !pay.CreatedAt.Before(since) {
			st.DailyTransactions[pay.CreatedAt.UTC().Format(time.DateOnly)]++
		}
	}

	if len(all) > 0 {
		st.PaymentSuccessRate = decimal.NewFromInt(int64(st.TotalPayments)).
			Mul(hundred).
			DivRound(decimal.NewFromInt(int64(len(all))), 2)
	}
	if st.TotalPayments > 0 {
		st.AverageTransactionValue = st.TotalRevenue.DivRound(decimal.NewFromInt(int64(st.TotalPayments)), 2)
	}
	return st, nil
}
