// Package approval records approver decisions on stage gates and derives the
// gate state from them.
package approval

import "github.com/pitabwire/wardflow/model"

// Evaluate computes the gate state for rows under quorum. It is pure: the
// state is never stored, only recomputed.
//
// Delegated originals are ignored; the delegate row stands in for them.
func Evaluate(quorum string, required int, rows []model.Approval) model.GateState {
	var g model.GateState
	effective := 0
	for _, r := range rows {
		switch r.Decision {
		case model.DecisionApproved:
			g.Approved++
		case model.DecisionRejected:
			g.Rejected++
		case model.DecisionPending:
			g.Pending++
		default:
			continue
		}
		effective++
	}

	g.State = model.GatePending
	switch quorum {
	case model.QuorumAll:
		g.Required = effective
		switch {
		case g.Rejected > 0:
			g.State = model.GateRejected
		case effective > 0 && g.Approved == effective:
			g.State = model.GateSatisfied
		}
	case model.QuorumAny:
		g.Required = 1
		switch {
		case g.Approved > 0:
			g.State = model.GateSatisfied
		case effective > 0 && g.Pending == 0:
			g.State = model.GateRejected
		}
	case model.QuorumNofM:
		g.Required = required
		switch {
		case g.Approved >= required:
			g.State = model.GateSatisfied
		case g.Approved+g.Pending < required:
			g.State = model.GateRejected
		}
	}
	return g
}

// EvaluateGate is Evaluate using a gate's policy snapshot.
func EvaluateGate(gate model.ApprovalGate, rows []model.Approval) model.GateState {
	return Evaluate(gate.Quorum, gate.Required, rows)
}
