package metadata

import "github.com/wuayee/waterflow/flow"

// Rule checks the structure of one node kind.
type Rule interface {
	Check(def *flow.Definition, node *flow.Node) []GraphValidationError
}

type RuleFunc func(def *flow.Definition, node *flow.Node) []GraphValidationError

func (f RuleFunc) Check(def *flow.Definition, node *flow.Node) []GraphValidationError {
	return f(def, node)
}

func DefaultRules() map[flow.NodeKind]Rule {
	return map[flow.NodeKind]Rule{
		flow.START:     RuleFunc(eventCount(1, 1)),
		flow.END:       RuleFunc(eventCount(0, 0)),
		flow.STATE:     RuleFunc(stateRule),
		flow.CONDITION: RuleFunc(eventCount(1, -1)),
		flow.PARALLEL:  RuleFunc(parallelRule),
	}
}

// eventCount bounds the outgoing events of a node; max < 0 means unbounded.
func eventCount(min int, max int) RuleFunc {
	return func(def *flow.Definition, node *flow.Node) []GraphValidationError {
		n := len(node.Out)
		if n < min || (max >= 0 && n > max) {
			if min == max {
				return []GraphValidationError{invalid(WRONG_EVENT_COUNT, node.MetaId, "%s node must have exactly %d event, has %d", node.Kind, min, n)}
			}
			return []GraphValidationError{invalid(WRONG_EVENT_COUNT, node.MetaId, "%s node must have at least %d event, has %d", node.Kind, min, n)}
		}
		return nil
	}
}

func stateRule(def *flow.Definition, node *flow.Node) []GraphValidationError {
	errs := eventCount(1, 1)(def, node)
	switch node.TriggerMode {
	case flow.AUTOMATIC:
		if node.Jober == nil || len(node.Jober.Fitables) == 0 {
			errs = append(errs, invalid(MISSING_JOBER, node.MetaId, "automatic state node needs a jober with at least one fitable"))
		}
	case flow.MANUAL:
		if node.Task == nil || node.Task.Type == "" {
			errs = append(errs, invalid(MISSING_TASK, node.MetaId, "manual state node needs a task with a type"))
		}
	default:
		errs = append(errs, invalid(MALFORMED_GRAPH, node.MetaId, "unknown trigger mode %s", node.TriggerMode))
	}
	return errs
}

func parallelRule(def *flow.Definition, node *flow.Node) []GraphValidationError {
	errs := eventCount(1, -1)(def, node)
	if node.JoinNode == "" {
		return errs
	}
	join, ok := def.Node(node.JoinNode)
	if !ok {
		return append(errs, invalid(INVALID_JOIN, node.MetaId, "join node %s does not exist", node.JoinNode))
	}
	if join.Index == node.Index {
		errs = append(errs, invalid(INVALID_JOIN, node.MetaId, "parallel node can not join on itself"))
	}
	return errs
}
