// Package admin provides operator-only endpoints for settlement that is
// stuck or needs to run ahead of its schedule.
package admin

import (
	"time"

	"github.com/mbd888/settlement/internal/escrow"
)

// SweepReport is the outcome of an on-demand release sweep.
type SweepReport struct {
	Due       int       `json:"due"`
	Released  int       `json:"released"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}

func sweepReport(r escrow.SweepResult, at time.Time) SweepReport {
	return SweepReport{
		Due:       r.Due,
		Released:  r.Released,
		Skipped:   r.Skipped,
		Failed:    r.Failed,
		Timestamp: at,
	}
}

// Circuit is the state of one gateway operation's breaker.
type Circuit struct {
	Operation string `json:"operation"`
	State     string `json:"state"`
}
