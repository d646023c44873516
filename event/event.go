package event

import "time"

type EventType string

const FLOW_CALLBACK EventType = "FLOW_CALLBACK"
const FLOW_TASK_CREATED EventType = "FLOW_TASK_CREATED"

type Event interface {
	Type() EventType
}

type CallbackData struct {
	ContextId    string         `json:"contextId"`
	BusinessData map[string]any `json:"businessData"`
}

// FlowCallbackEvent carries the filtered output of a completed node.
type FlowCallbackEvent struct {
	StreamId   string         `json:"streamId"`
	NodeId     string         `json:"nodeId"`
	Name       string         `json:"name"`
	Fitables   []string       `json:"fitables"`
	Properties map[string]any `json:"properties,omitempty"`
	Contexts   []CallbackData `json:"contexts"`
	At         time.Time      `json:"at"`
}

func (e FlowCallbackEvent) Type() EventType {
	return FLOW_CALLBACK
}

type FlowTaskCreatedEvent struct {
	StreamId  string    `json:"streamId"`
	NodeId    string    `json:"nodeId"`
	ContextId string    `json:"contextId"`
	SessionId string    `json:"sessionId"`
	TaskId    string    `json:"taskId"`
	TaskType  string    `json:"taskType"`
	At        time.Time `json:"at"`
}

func (e FlowTaskCreatedEvent) Type() EventType {
	return FLOW_TASK_CREATED
}
