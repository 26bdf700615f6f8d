package engine

import "fmt"

// AccessDeniedError means the access resolver denied the actor the capability
// the operation needs on the board.
type AccessDeniedError struct {
	ActorID string
	BoardID string
	Need    string
}

func (e AccessDeniedError) Error() string {
	return fmt.Sprintf("actor %s lacks %s access on board %s", e.ActorID, e.Need, e.BoardID)
}

// ConflictError signals a transient race: an exclusivity invariant would be
// violated by this attempt. It is the only error callers should retry after
// re-reading state.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// IllegalTransitionError names a lifecycle edge outside the transition table.
type IllegalTransitionError struct {
	TaskID string
	From   string
	To     string
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

// MissingEvidenceError rejects a status change submitted without its paired
// audit note.
type MissingEvidenceError struct {
	TaskID string
}

func (e MissingEvidenceError) Error() string {
	return fmt.Sprintf("task %s: status change requires an audit note", e.TaskID)
}

// RoleViolationError means an agent attempted an operation its role forbids,
// such as a lead assigning work to itself.
type RoleViolationError struct {
	AgentID string
	Rule    string
}

func (e RoleViolationError) Error() string {
	return fmt.Sprintf("agent %s: %s", e.AgentID, e.Rule)
}

// DeferredError is not a failure. The proposed action was parked behind a
// pending approval; ApprovalID locates it for a human to resolve.
type DeferredError struct {
	ApprovalID string
}

func (e DeferredError) Error() string {
	return "action deferred pending approval " + e.ApprovalID
}
