// Package fees computes a marketplace's net payout for a sale price,
// applying its fee schedule's rules in order.
package fees

import (
	"fmt"
	"math"
	"time"

	"github.com/aristath/solearb/internal/apperr"
	"github.com/aristath/solearb/internal/domain"
)

// Engine evaluates fee schedules.
type Engine struct{}

// New constructs a fee Engine.
func New() *Engine {
	return &Engine{}
}

// PayoutFor computes the net payout for salePrice under schedule, applying
// every rule effective at asOf in declaration order. Each rule's fee is
// computed against salePrice (not a running balance) rather than a
// cascading deduction chain.
func (e *Engine) PayoutFor(schedule domain.FeeSchedule, salePrice float64, asOf time.Time) (domain.Payout, error) {
	if err := validateSchedule(schedule); err != nil {
		return domain.Payout{}, err
	}

	var breakdown []domain.FeeBreakdown
	var total float64
	for _, rule := range schedule.Rules {
		if !ruleEffective(rule, asOf.Unix()) {
			continue
		}
		amount, err := feeForRule(rule, salePrice)
		if err != nil {
			return domain.Payout{}, err
		}
		amount = round2(amount)
		breakdown = append(breakdown, domain.FeeBreakdown{
			RuleID: rule.ID,
			Type:   rule.Type,
			Amount: amount,
		})
		total += amount
	}

	return domain.Payout{
		TotalFees: round2(total),
		NetPayout: round2(salePrice - total),
		Breakdown: breakdown,
	}, nil
}

func ruleEffective(rule domain.FeeRule, asOf int64) bool {
	if rule.EffectiveFrom.Unix() > asOf {
		return false
	}
	if rule.EffectiveUntil != nil && rule.EffectiveUntil.Unix() <= asOf {
		return false
	}
	return true
}

func feeForRule(rule domain.FeeRule, salePrice float64) (float64, error) {
	switch rule.Calc {
	case domain.FeeCalcPercentage:
		return applyMinimum(salePrice*rule.Value, rule.Minimum), nil
	case domain.FeeCalcFixed:
		return applyMinimum(rule.Value, rule.Minimum), nil
	case domain.FeeCalcTiered:
		return tieredFee(rule, salePrice)
	default:
		return 0, apperr.New(apperr.DataIntegrity, fmt.Sprintf("unknown fee calc method %q for rule %s", rule.Calc, rule.ID))
	}
}

func tieredFee(rule domain.FeeRule, salePrice float64) (float64, error) {
	for _, band := range rule.Tiers {
		if salePrice < band.MinPrice {
			continue
		}
		if band.MaxPrice > 0 && salePrice >= band.MaxPrice {
			continue
		}
		switch band.Calc {
		case domain.FeeCalcPercentage:
			return applyMinimum(salePrice*band.Value, band.Minimum), nil
		case domain.FeeCalcFixed:
			return applyMinimum(band.Value, band.Minimum), nil
		default:
			return 0, apperr.New(apperr.DataIntegrity, fmt.Sprintf("unsupported tier calc method %q for rule %s", band.Calc, rule.ID))
		}
	}
	return 0, apperr.New(apperr.DataIntegrity, fmt.Sprintf("no tier band covers sale price %.2f for rule %s", salePrice, rule.ID))
}

func applyMinimum(fee float64, minimum *float64) float64 {
	if minimum != nil && fee < *minimum {
		return *minimum
	}
	return fee
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// validateSchedule rejects a schedule where more than one rule of the same
// FeeType declares a Minimum: which one applies is undefined, and an
// ambiguous minimum must not be silently resolved in a pipeline that feeds
// purchase decisions.
func validateSchedule(schedule domain.FeeSchedule) error {
	seen := make(map[domain.FeeType]bool)
	for _, rule := range schedule.Rules {
		if rule.Minimum == nil {
			continue
		}
		if seen[rule.Type] {
			return apperr.New(apperr.DataIntegrity, fmt.Sprintf(
				"marketplace %s: multiple minimum-fee rules declared for fee type %q", schedule.MarketplaceID, rule.Type))
		}
		seen[rule.Type] = true
	}
	return nil
}
