package engine

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// GATES - Independent approval checkpoints
// =============================================================================

type GateKind string

const (
	GateSales     GateKind = "SALES"
	GateMarketing GateKind = "MARKETING"

	// ChannelReviewer decides requests that carry no gates.
	ChannelReviewer GateKind = "REVIEWER"
)

type GateStatus string

const (
	GatePending  GateStatus = "PENDING"
	GateApproved GateStatus = "APPROVED"
	GateRejected GateStatus = "REJECTED"
)

type Decision string

const (
	DecisionApprove Decision = "APPROVED"
	DecisionReject  Decision = "REJECTED"
)

type Gate struct {
	Kind            GateKind
	Status          GateStatus
	DecidedBy       string
	DecidedAt       *time.Time
	RejectionReason string
}

// RequiredGates builds the pending gate list for the given kinds, in order,
// ignoring duplicates.
func RequiredGates(kinds ...GateKind) []Gate {
	var gates []Gate
	seen := make(map[GateKind]bool)
	for _, k := range kinds {
		if seen[k] {
			continue
		}
		seen[k] = true
		gates = append(gates, Gate{Kind: k, Status: GatePending})
	}
	return gates
}

// Aggregate folds gate states into a request status: REJECTED as soon as any
// gate is rejected, APPROVED once every gate is approved, PENDING otherwise.
// An empty list stays PENDING; ungated requests are decided elsewhere.
func Aggregate(gates []Gate) RequestStatus {
	if len(gates) == 0 {
		return RequestPending
	}
	approved := 0
	for _, g := range gates {
		switch g.Status {
		case GateRejected:
			return RequestRejected
		case GateApproved:
			approved++
		}
	}
	if approved == len(gates) {
		return RequestApproved
	}
	return RequestPending
}

// =============================================================================
// COORDINATOR
// =============================================================================

// GateCoordinator applies approval decisions to a request in memory. It does
// not persist; the state machine does that inside its transaction.
type GateCoordinator struct {
	AutoApproveUngated bool
}

// Initialize resolves an ungated request at creation when auto-approval is on.
func (c *GateCoordinator) Initialize(r *Request, at time.Time) {
	r.Status = RequestPending
	if len(r.Gates) == 0 && c.AutoApproveUngated {
		r.Status = RequestApproved
		r.ReviewedAt = &at
		r.ReviewedBy = "system"
	}
}

// Decide records one decision. It returns the request status afterwards; the
// status changed iff it is no longer PENDING.
func (c *GateCoordinator) Decide(r *Request, channel GateKind, decision Decision, actor, reason string, at time.Time) (RequestStatus, error) {
	if r.Status != RequestPending || r.Final() {
		return r.Status, alreadyFinal(r)
	}
	if decision != DecisionApprove && decision != DecisionReject {
		return r.Status, invalid("decision", "must be APPROVED or REJECTED")
	}
	reason = strings.TrimSpace(reason)
	if decision == DecisionReject && reason == "" {
		return r.Status, invalid("reason", "required when rejecting")
	}
	if strings.TrimSpace(actor) == "" {
		return r.Status, invalid("actor", "required")
	}

	var next RequestStatus
	if channel == ChannelReviewer {
		if len(r.Gates) > 0 {
			return r.Status, invalid("channel", "request requires gate decisions, not a reviewer decision")
		}
		next = RequestStatus(decision)
	} else {
		g := r.Gate(channel)
		if g == nil {
			return r.Status, invalid("channel", "gate %s is not required for request %d", channel, r.ID)
		}
		if g.Status != GatePending {
			return r.Status, &gateFinalError{kind: channel, status: g.Status}
		}
		g.Status = GateStatus(decision)
		g.DecidedBy = actor
		g.DecidedAt = &at
		if decision == DecisionReject {
			g.RejectionReason = reason
		}
		next = Aggregate(r.Gates)
	}

	if next != RequestPending {
		r.Status = next
		r.ReviewedAt = &at
		r.ReviewedBy = actor
		if next == RequestRejected {
			r.RejectionReason = reason
		}
	}
	return r.Status, nil
}

type gateFinalError struct {
	kind   GateKind
	status GateStatus
}

func (e *gateFinalError) Error() string {
	return "gate " + string(e.kind) + " already " + string(e.status)
}

func (e *gateFinalError) Unwrap() error { return ErrAlreadyFinalized }

func alreadyFinal(r *Request) error {
	return &requestFinalError{id: r.ID, status: r.Status, processing: r.ProcessingStatus}
}

type requestFinalError struct {
	id         int64
	status     RequestStatus
	processing ProcessingStatus
}

func (e *requestFinalError) Error() string {
	return fmt.Sprintf("request %d is %s/%s", e.id, e.status, e.processing)
}

func (e *requestFinalError) Unwrap() error { return ErrAlreadyFinalized }
