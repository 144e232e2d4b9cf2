package api

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFlow is returned when a flow or pipeline document is
	// missing required fields or violates graph invariants.
	ErrMalformedFlow = errors.New("malformed flow")

	// ErrUnregisteredNodeType means no capability is registered under the
	// requested node type.
	ErrUnregisteredNodeType = errors.New("node type not registered")

	// ErrMissingFlowOrNode is a fatal job failure: the job references a flow
	// or node instance that no longer exists.
	ErrMissingFlowOrNode = errors.New("flow or node instance not found")

	// ErrCapabilityExecution wraps errors returned by a node's own logic.
	ErrCapabilityExecution = errors.New("capability execution failed")

	// ErrForEachType is returned when a ForEach source is not an array.
	ErrForEachType = errors.New("foreach source is not an array")

	ErrFlowNotFound      = errors.New("flow not found")
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrJobNotFound       = errors.New("job not found")
	ErrCampaignNotActive = errors.New("campaign is not active")

	// ErrVersionConflict is returned by compare-and-swap updates when the
	// stored version moved on.
	ErrVersionConflict = errors.New("version conflict")

	// ErrTickInProgress is returned by Engine.Tick while another tick of
	// the same engine is running.
	ErrTickInProgress = errors.New("tick already in progress")

	// ErrBlocked marks a capability that cannot proceed without a human.
	ErrBlocked = errors.New("manual intervention required")
)

// NodeError ties a capability failure to the node that produced it.
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() []error {
	return []error{ErrCapabilityExecution, e.Err}
}

// NewNodeError wraps err as a capability execution error for nodeID.
func NewNodeError(nodeID string, err error) error {
	var ne *NodeError
	if errors.As(err, &ne) {
		return err
	}
	return &NodeError{NodeID: nodeID, Err: err}
}

// BlockedError is returned by capabilities that need manual intervention
// (a captcha, an expired session). It matches ErrBlocked.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return "manual intervention required: " + e.Reason
}

func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}

func NewBlockedError(reason string) error {
	return &BlockedError{Reason: reason}
}

// IsBlocked reports whether err, or anything it wraps, is a BlockedError.
func IsBlocked(err error) bool {
	return errors.Is(err, ErrBlocked)
}
