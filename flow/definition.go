package flow

import "fmt"

type ThreadMode string

const SESSION ThreadMode = "SESSION"
const HOLDER ThreadMode = "HOLDER"

type CompletionHandler string

const NOOP CompletionHandler = "NOOP"
const DELETE CompletionHandler = "DELETE"

// Definition is an immutable parsed graph. Nodes and Events form an arena
// addressed by index; it is shared read-only by every execution.
type Definition struct {
	Id         string
	Version    string
	Name       string
	ThreadMode ThreadMode
	OnComplete CompletionHandler
	Nodes      []Node
	Events     []Event
	Start      int
	index      map[string]int
}

func Key(id string, version string) string {
	return fmt.Sprintf("%s:%s", id, version)
}

func NewDefinition(id, version, name string, mode ThreadMode, onComplete CompletionHandler, nodes []Node, events []Event, start int) *Definition {
	index := make(map[string]int, len(nodes))
	for i := range nodes {
		index[nodes[i].MetaId] = i
	}
	return &Definition{
		Id:         id,
		Version:    version,
		Name:       name,
		ThreadMode: mode,
		OnComplete: onComplete,
		Nodes:      nodes,
		Events:     events,
		Start:      start,
		index:      index,
	}
}

func (d *Definition) StreamId() string {
	return Key(d.Id, d.Version)
}

func (d *Definition) Node(metaId string) (*Node, bool) {
	i, ok := d.index[metaId]
	if !ok {
		return nil, false
	}
	return &d.Nodes[i], true
}

func (d *Definition) StartNode() *Node {
	return &d.Nodes[d.Start]
}

// Outgoing returns the node's events in evaluation order.
func (d *Definition) Outgoing(n *Node) []*Event {
	out := make([]*Event, 0, len(n.Out))
	for _, i := range n.Out {
		out = append(out, &d.Events[i])
	}
	return out
}

func (d *Definition) Target(e *Event) *Node {
	return &d.Nodes[e.To]
}
