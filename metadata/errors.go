package metadata

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const MISSING_TASK ErrorKind = "MISSING_TASK"
const MISSING_JOBER ErrorKind = "MISSING_JOBER"
const WRONG_EVENT_COUNT ErrorKind = "WRONG_EVENT_COUNT"
const UNSUPPORTED_NODE_KIND ErrorKind = "UNSUPPORTED_NODE_KIND"
const MALFORMED_GRAPH ErrorKind = "MALFORMED_GRAPH"
const DUPLICATE_NODE ErrorKind = "DUPLICATE_NODE"
const DANGLING_EVENT ErrorKind = "DANGLING_EVENT"
const MISSING_START ErrorKind = "MISSING_START"
const MISSING_END ErrorKind = "MISSING_END"
const INVALID_CONDITION ErrorKind = "INVALID_CONDITION"
const UNSUPPORTED_FILTER ErrorKind = "UNSUPPORTED_FILTER"
const INVALID_JOIN ErrorKind = "INVALID_JOIN"

var ErrFlowNotFound = errors.New("flow definition not found")

// GraphValidationError names one offending node of a rejected graph.
type GraphValidationError struct {
	Kind    ErrorKind
	NodeId  string
	Message string
}

func (e GraphValidationError) Error() string {
	if e.NodeId == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: node %s: %s", e.Kind, e.NodeId, e.Message)
}

// ParseError carries every validation error found in one graph.
type ParseError struct {
	Errors []GraphValidationError
}

func (e ParseError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, v := range e.Errors {
		msgs = append(msgs, v.Error())
	}
	return "invalid flow graph: " + strings.Join(msgs, "; ")
}

func (e ParseError) Has(kind ErrorKind) bool {
	for _, v := range e.Errors {
		if v.Kind == kind {
			return true
		}
	}
	return false
}

func invalid(kind ErrorKind, nodeId string, format string, args ...any) GraphValidationError {
	return GraphValidationError{Kind: kind, NodeId: nodeId, Message: fmt.Sprintf(format, args...)}
}
