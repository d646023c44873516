package model

// Graph is the registration document of a flow. Events are listed among the
// nodes with type "event".
type Graph struct {
	MetaId     string      `json:"metaId" validate:"required"`
	Version    string      `json:"version" validate:"required"`
	Name       string      `json:"name"`
	ThreadMode string      `json:"threadMode"`
	OnComplete string      `json:"onComplete"`
	Nodes      []GraphNode `json:"nodes" validate:"required,min=1,dive"`
}

type GraphNode struct {
	MetaId        string         `json:"metaId" validate:"required"`
	Type          string         `json:"type" validate:"required"`
	Name          string         `json:"name"`
	TriggerMode   string         `json:"triggerMode"`
	Jober         *JoberSpec     `json:"jober,omitempty"`
	Task          *TaskSpec      `json:"task,omitempty"`
	Callback      *CallbackSpec  `json:"callback,omitempty"`
	Filter        *FilterSpec    `json:"filter,omitempty"`
	JoinNode      string         `json:"joinNode,omitempty"`
	From          string         `json:"from,omitempty"`
	To            string         `json:"to,omitempty"`
	ConditionRule string         `json:"conditionRule,omitempty"`
	Priority      *int           `json:"priority,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
}

type JoberSpec struct {
	Name       string         `json:"name"`
	Fitables   []string       `json:"fitables"`
	Properties map[string]any `json:"properties,omitempty"`
}

type TaskSpec struct {
	TaskId     string         `json:"taskId"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

type CallbackSpec struct {
	Name         string         `json:"name"`
	Fitables     []string       `json:"fitables" validate:"required,min=1"`
	FilteredKeys []string       `json:"filteredKeys,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
}

type FilterSpec struct {
	Type       string         `json:"type" validate:"required"`
	Properties map[string]any `json:"properties,omitempty"`
}
