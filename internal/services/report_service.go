package services

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/monitoring"
	"github.com/ruralpay/ledger/internal/repository"
)

// Risk patterns reported by SuspiciousActivityReport.
const (
	PatternHighDailyVolume    = "high_daily_volume"
	PatternPreviouslyFlagged  = "previously_flagged"
	PatternSingleCounterparty = "single_counterparty"
	PatternLargeAverageAmount = "large_average_amount"
)

var largeAverageAmount = decimal.NewFromInt(100000)

// ReportService builds the read-only admin reports. It takes no locks and
// tolerates writes in flight.
type ReportService struct {
	store   repository.Reader
	epsilon decimal.Decimal
	metrics *monitoring.Metrics
	now     func() time.Time
}

func NewReportService(store repository.Reader, epsilon decimal.Decimal, metrics *monitoring.Metrics, now func() time.Time) *ReportService {
	return &ReportService{
		store:   store,
		epsilon: epsilon,
		metrics: metrics,
		now:     now,
	}
}

func (s *ReportService) AdminStats(ctx context.Context) (*models.LedgerStats, error) {
	stats, err := s.store.LedgerStats(ctx, s.now().Add(-24*time.Hour))
	if err != nil {
		return nil, internalError("ledger stats", err)
	}
	return stats, nil
}

// ReconciliationReport compares the sum of wallet holdings with the sum of
// succeeded ledger amounts, and the locked buckets with the locked deltas.
func (s *ReportService) ReconciliationReport(ctx context.Context) (*models.ReconciliationReport, error) {
	totals, err := s.store.LedgerTotals(ctx)
	if err != nil {
		return nil, internalError("reconciliation", err)
	}

	diff := totals.WalletSum.Sub(totals.TransactionSum)
	lockedDiff := totals.LockedSum.Sub(totals.LockedTransactionSum)
	report := &models.ReconciliationReport{
		WalletSum:            totals.WalletSum,
		TransactionSum:       totals.TransactionSum,
		Difference:           diff,
		LockedSum:            totals.LockedSum,
		LockedTransactionSum: totals.LockedTransactionSum,
		IsBalanced:           diff.Abs().LessThan(s.epsilon) && lockedDiff.Abs().LessThan(s.epsilon),
		GeneratedAt:          s.now().UTC(),
	}

	f, _ := diff.Float64()
	s.metrics.SetReconciliationDifference(f)
	return report, nil
}

// scoreActivity returns the risk score of a and the patterns that fired.
func scoreActivity(a models.UserActivity) (int, []string) {
	score := 0
	patterns := []string{}
	if a.DailyTx > 50 {
		score += 30
		patterns = append(patterns, PatternHighDailyVolume)
	}
	if a.FlaggedTx > 0 {
		score += 40
		patterns = append(patterns, PatternPreviouslyFlagged)
	}
	if a.UniqueCounterparties == 1 && a.TxCount > 20 {
		score += 25
		patterns = append(patterns, PatternSingleCounterparty)
	}
	if a.AvgAmount.GreaterThan(largeAverageAmount) {
		score += 20
		patterns = append(patterns, PatternLargeAverageAmount)
	}
	return score, patterns
}

// SuspiciousActivityReport lists users with a positive risk score, riskiest
// first and most recently active first within a score.
func (s *ReportService) SuspiciousActivityReport(ctx context.Context) ([]models.SuspiciousUser, error) {
	activity, err := s.store.UserActivity(ctx, s.now().Add(-24*time.Hour))
	if err != nil {
		return nil, internalError("suspicious activity", err)
	}

	out := []models.SuspiciousUser{}
	for _, a := range activity {
		score, patterns := scoreActivity(a)
		if score == 0 {
			continue
		}
		out = append(out, models.SuspiciousUser{UserActivity: a, RiskScore: score, Patterns: patterns})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

// CodeIntegrityReport checks that codes are unique and never run ahead of
// the durable sequence.
func (s *ReportService) CodeIntegrityReport(ctx context.Context) (*models.CodeIntegrityReport, error) {
	stats, err := s.store.CodeStats(ctx)
	if err != nil {
		return nil, internalError("code integrity", err)
	}

	duplicates := stats.TotalCodes - stats.DistinctCodes
	return &models.CodeIntegrityReport{
		TotalCodes:          stats.TotalCodes,
		DuplicateCount:      duplicates,
		LastSequence:        stats.LastSequence,
		ExpectedNext:        stats.LastSequence + 1,
		HighestCodeSequence: stats.HighestCodeSequence,
		IsConsistent:        duplicates == 0 && stats.HighestCodeSequence <= stats.LastSequence,
	}, nil
}
