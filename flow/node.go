package flow

import "strings"

type NodeKind string

const START NodeKind = "START"
const END NodeKind = "END"
const STATE NodeKind = "STATE"
const CONDITION NodeKind = "CONDITION"
const EVENT NodeKind = "EVENT"
const PARALLEL NodeKind = "PARALLEL"

func ToNodeKind(kind string) NodeKind {
	return NodeKind(strings.ToUpper(strings.TrimSpace(kind)))
}

type TriggerMode string

const AUTOMATIC TriggerMode = "AUTOMATIC"
const MANUAL TriggerMode = "MANUAL"

func ToTriggerMode(mode string) TriggerMode {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "manual":
		return MANUAL
	case "", "auto", "automatic":
		return AUTOMATIC
	}
	return TriggerMode(strings.ToUpper(mode))
}

// Jober is the automatic call made by a STATE node.
type Jober struct {
	Name       string
	Fitables   []string
	Properties map[string]any
}

// Task is the manual work item created by a STATE node.
type Task struct {
	TaskId     string
	Type       string
	Properties map[string]any
}

type Callback struct {
	Name         string
	Fitables     []string
	FilteredKeys []string
	Properties   map[string]any
}

type Filter struct {
	Type       string
	Properties map[string]any
}

type Node struct {
	Index       int
	MetaId      string
	Name        string
	Kind        NodeKind
	TriggerMode TriggerMode
	Jober       *Jober
	Task        *Task
	Callback    *Callback
	Filter      *Filter
	JoinNode    string
	// Out holds indexes into Definition.Events ordered by priority.
	Out []int
}

func (n *Node) IsAutomatic() bool {
	return n.TriggerMode != MANUAL
}
