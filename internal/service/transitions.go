package service

import (
	"fmt"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// transitionKind enumerates every mutation the state machine admits.
type transitionKind string

const (
	transitionApprove  transitionKind = "approve"
	transitionReject   transitionKind = "reject"
	transitionDelegate transitionKind = "delegate"
	transitionRecall   transitionKind = "recall"
	transitionEscalate transitionKind = "escalate"
	transitionReroute  transitionKind = "reroute"
)

// checkTransition is the single state×action gate every mutation passes
// through. The switch is exhaustive over the five statuses; an unknown
// status is corrupt data and is rejected outright.
func checkTransition(status repository.ApprovalStatus, kind transitionKind) error {
	switch status {
	case repository.StatusPending, repository.StatusDelegated, repository.StatusEscalated:
		// Non-terminal states admit every transition; DELEGATED and
		// ESCALATED are PENDING with a changed approver assignment.
		return nil
	case repository.StatusApproved, repository.StatusRejected:
		return apperrors.New(apperrors.ErrCodeInvalidTransition,
			fmt.Sprintf("cannot %s an instance that is already %s", kind, status))
	default:
		return apperrors.New(apperrors.ErrCodeInternal,
			fmt.Sprintf("instance has unknown status %q", status))
	}
}
