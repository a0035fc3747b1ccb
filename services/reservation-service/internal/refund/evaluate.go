// Package refund decides whether a booking may be cancelled and how much of the payment is returned.
package refund

import (
	"time"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
)

type Decision struct {
	Allowed       bool
	RefundPercent int
	// Notice is the time left before start at evaluation.
	Notice time.Duration
}

// Evaluate applies the rule with the largest MinNotice not exceeding the notice given. Cancelling at or
// after the start is not allowed. With no matching rule the cancellation is allowed without refund.
func Evaluate(policy model.CancellationPolicy, start, now time.Time) Decision {
	notice := start.Sub(now)
	if notice <= 0 {
		return Decision{Allowed: false, RefundPercent: 0, Notice: notice}
	}

	d := Decision{Allowed: true, Notice: notice}
	best := time.Duration(-1)
	for _, rule := range policy.Rules {
		if rule.MinNotice < 0 || rule.MinNotice > notice || rule.MinNotice <= best {
			continue
		}
		best = rule.MinNotice
		d.RefundPercent = clampPercent(rule.RefundPercent)
	}
	return d
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
