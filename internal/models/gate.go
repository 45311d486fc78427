package models

import "time"

// GateResult is the release-gate verdict broken into its three conditions.
// All three must hold before locked funds may leave the escrow.
type GateResult struct {
	TimeOK        bool `json:"time_ok"`
	ApprovalsOK   bool `json:"approvals_ok"`
	PerformanceOK bool `json:"performance_ok"`
}

func (g GateResult) Releasable() bool {
	return g.TimeOK && g.ApprovalsOK && g.PerformanceOK
}

// EvaluateReleaseGate computes the gate verdict from the latest stored state.
// perf == nil means no performance report was ever filed; the condition is
// trivially satisfied so escrows without a reporting oracle are not blocked
// forever.
//
// The result must never be cached across calls: approvals accumulate and
// performance reports are overwritten between release attempts.
func EvaluateReleaseGate(e *Escrow, approvalCount, minApprovals int, perf *PerformanceReport, now time.Time) GateResult {
	g := GateResult{}
	if e == nil {
		return g
	}
	g.TimeOK = !now.Before(e.TimeLockUntil)
	g.ApprovalsOK = approvalCount >= minApprovals
	if perf == nil {
		g.PerformanceOK = true
	} else {
		g.PerformanceOK = perf.CurrentPerformance >= e.PerformanceThreshold
	}
	return g
}
