package engine

import (
	"errors"
	"fmt"

	"github.com/wuayee/waterflow/action"
	"github.com/wuayee/waterflow/event"
	"github.com/wuayee/waterflow/fitable"
	"github.com/wuayee/waterflow/model"
)

const NO_MATCHING_EVENT = "NO_MATCHING_EVENT"
const HOP_LIMIT_EXCEEDED = "HOP_LIMIT_EXCEEDED"
const RETRY_EXHAUSTED = "RETRY_EXHAUSTED"
const CANCELLED = "CANCELLED"
const QUEUE_SATURATED = "QUEUE_SATURATED"
const BRANCH_FILTERED = "BRANCH_FILTERED"
const UNSUPPORTED_OPERATOR = "UNSUPPORTED_OPERATOR"
const FITABLE_NOT_FOUND = "FITABLE_NOT_FOUND"
const UNRECOVERABLE_EXECUTION_ERROR = "UNRECOVERABLE_EXECUTION_ERROR"
const RECOVERABLE_EXECUTION_ERROR = "RECOVERABLE_EXECUTION_ERROR"

var ErrContextBusy = errors.New("context is being processed")

// RoutingError stops a context that can not leave its node. It is never
// retried.
type RoutingError struct {
	Code   string
	NodeId string
}

func (e RoutingError) Error() string {
	return fmt.Sprintf("routing failed at node %s: %s", e.NodeId, e.Code)
}

func (e RoutingError) Recoverable() bool {
	return false
}

type InvalidStateError struct {
	ContextId string
	Status    model.FlowStatus
	Expected  model.FlowStatus
}

func (e InvalidStateError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("context %s is already %s", e.ContextId, e.Status)
	}
	return fmt.Sprintf("context %s is %s, expected %s", e.ContextId, e.Status, e.Expected)
}

func errorCode(err error) string {
	var routing RoutingError
	if errors.As(err, &routing) {
		return routing.Code
	}
	var unsupported action.UnsupportedOperatorError
	if errors.As(err, &unsupported) {
		return UNSUPPORTED_OPERATOR
	}
	var saturated event.QueueSaturationError
	if errors.As(err, &saturated) || errors.Is(err, event.ErrBusStopped) {
		return QUEUE_SATURATED
	}
	var notFound fitable.NotFoundError
	if errors.As(err, &notFound) {
		return FITABLE_NOT_FOUND
	}
	if !fitable.IsRecoverable(err) {
		return UNRECOVERABLE_EXECUTION_ERROR
	}
	return RECOVERABLE_EXECUTION_ERROR
}
