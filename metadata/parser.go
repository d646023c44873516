package metadata

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/wuayee/waterflow/flow"
	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/stream"
)

type ConditionCompiler interface {
	Compile(rule string) error
}

type FilterBuilder interface {
	Build(filter *flow.Filter) (stream.Operator[model.BusinessData], error)
}

// Parser turns graph JSON into a Definition. It is pure: nothing is stored
// or registered, and a graph with any error yields no Definition.
type Parser struct {
	rules      map[flow.NodeKind]Rule
	conditions ConditionCompiler
	filters    FilterBuilder
	validate   *validator.Validate
}

func NewParser(conditions ConditionCompiler, filters FilterBuilder) *Parser {
	return &Parser{
		rules:      DefaultRules(),
		conditions: conditions,
		filters:    filters,
		validate:   validator.New(),
	}
}

// WithRule replaces the rule of one node kind.
func (p *Parser) WithRule(kind flow.NodeKind, rule Rule) *Parser {
	p.rules[kind] = rule
	return p
}

func (p *Parser) Parse(raw []byte) (*flow.Definition, error) {
	var graph model.Graph
	if err := json.Unmarshal(raw, &graph); err != nil {
		return nil, ParseError{Errors: []GraphValidationError{invalid(MALFORMED_GRAPH, "", "%v", err)}}
	}
	return p.Build(graph)
}

func (p *Parser) Build(graph model.Graph) (*flow.Definition, error) {
	if err := p.validate.Struct(graph); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, ParseError{Errors: []GraphValidationError{invalid(MALFORMED_GRAPH, "", "%v", err)}}
		}
		errs := make([]GraphValidationError, 0, len(verrs))
		for _, fe := range verrs {
			errs = append(errs, invalid(MALFORMED_GRAPH, "", "field %s failed on %s", fe.Namespace(), fe.Tag()))
		}
		return nil, ParseError{Errors: errs}
	}

	var errs []GraphValidationError
	seen := make(map[string]bool)
	var nodes []flow.Node
	var edges []model.GraphNode
	for _, gn := range graph.Nodes {
		if seen[gn.MetaId] {
			errs = append(errs, invalid(DUPLICATE_NODE, gn.MetaId, "meta id used more than once"))
			continue
		}
		seen[gn.MetaId] = true
		kind := flow.ToNodeKind(gn.Type)
		if kind == flow.EVENT {
			edges = append(edges, gn)
			continue
		}
		if _, ok := p.rules[kind]; !ok {
			errs = append(errs, invalid(UNSUPPORTED_NODE_KIND, gn.MetaId, "node kind %s is not supported", gn.Type))
			continue
		}
		nodes = append(nodes, toNode(len(nodes), kind, gn))
	}

	index := make(map[string]int, len(nodes))
	for i := range nodes {
		index[nodes[i].MetaId] = i
	}
	events := make([]flow.Event, 0, len(edges))
	for _, ge := range edges {
		from, okFrom := index[ge.From]
		to, okTo := index[ge.To]
		if !okFrom || !okTo {
			errs = append(errs, invalid(DANGLING_EVENT, ge.MetaId, "event %s -> %s references a missing node", ge.From, ge.To))
			continue
		}
		if err := p.conditions.Compile(ge.ConditionRule); err != nil {
			errs = append(errs, invalid(INVALID_CONDITION, ge.MetaId, "%v", err))
			continue
		}
		priority := flow.DefaultPriority
		if ge.Priority != nil {
			priority = *ge.Priority
		}
		e := flow.Event{
			Index:         len(events),
			MetaId:        ge.MetaId,
			Name:          ge.Name,
			From:          from,
			To:            to,
			ConditionRule: ge.ConditionRule,
			Priority:      priority,
		}
		events = append(events, e)
		nodes[from].Out = append(nodes[from].Out, e.Index)
	}
	for i := range nodes {
		flow.SortByPriority(events, nodes[i].Out)
	}

	starts, ends := 0, 0
	start := 0
	for i := range nodes {
		switch nodes[i].Kind {
		case flow.START:
			starts++
			start = i
		case flow.END:
			ends++
		}
	}
	if starts == 0 {
		errs = append(errs, invalid(MISSING_START, "", "graph has no start node"))
	} else if starts > 1 {
		errs = append(errs, invalid(MALFORMED_GRAPH, "", "graph has %d start nodes", starts))
	}
	if ends == 0 {
		errs = append(errs, invalid(MISSING_END, "", "graph has no end node"))
	}

	onComplete := flow.CompletionHandler(strings.ToUpper(graph.OnComplete))
	if onComplete == "" {
		onComplete = flow.NOOP
	}
	if onComplete != flow.NOOP && onComplete != flow.DELETE {
		errs = append(errs, invalid(MALFORMED_GRAPH, "", "unknown completion handler %s", graph.OnComplete))
	}
	mode := flow.HOLDER
	if strings.EqualFold(graph.ThreadMode, string(flow.SESSION)) {
		mode = flow.SESSION
	}

	def := flow.NewDefinition(graph.MetaId, graph.Version, graph.Name, mode, onComplete, nodes, events, start)
	for i := range def.Nodes {
		node := &def.Nodes[i]
		errs = append(errs, p.rules[node.Kind].Check(def, node)...)
		if node.Filter != nil {
			if _, err := p.filters.Build(node.Filter); err != nil {
				errs = append(errs, invalid(UNSUPPORTED_FILTER, node.MetaId, "%v", err))
			}
		}
	}
	if len(errs) > 0 {
		return nil, ParseError{Errors: errs}
	}
	return def, nil
}

func toNode(index int, kind flow.NodeKind, gn model.GraphNode) flow.Node {
	n := flow.Node{
		Index:       index,
		MetaId:      gn.MetaId,
		Name:        gn.Name,
		Kind:        kind,
		TriggerMode: flow.ToTriggerMode(gn.TriggerMode),
		JoinNode:    gn.JoinNode,
	}
	if gn.Jober != nil {
		n.Jober = &flow.Jober{Name: gn.Jober.Name, Fitables: gn.Jober.Fitables, Properties: gn.Jober.Properties}
	}
	if gn.Task != nil {
		n.Task = &flow.Task{TaskId: gn.Task.TaskId, Type: gn.Task.Type, Properties: gn.Task.Properties}
	}
	if gn.Callback != nil {
		n.Callback = &flow.Callback{Name: gn.Callback.Name, Fitables: gn.Callback.Fitables, FilteredKeys: gn.Callback.FilteredKeys, Properties: gn.Callback.Properties}
	}
	if gn.Filter != nil {
		n.Filter = &flow.Filter{Type: gn.Filter.Type, Properties: gn.Filter.Properties}
	}
	return n
}
