package model

import "time"

// RefundRule grants RefundPercent when the cancellation happens at least MinNotice before the start.
type RefundRule struct {
	MinNotice     time.Duration
	RefundPercent int
}

type CancellationPolicy struct {
	Rules []RefundRule
}
