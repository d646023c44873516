package model

import "time"

type FlowStatus string

const PENDING FlowStatus = "PENDING"
const RUNNING FlowStatus = "RUNNING"
const WAITING_MANUAL FlowStatus = "WAITING_MANUAL"
const ERROR FlowStatus = "ERROR"
const ARCHIVED FlowStatus = "ARCHIVED"
const COMPLETED FlowStatus = "COMPLETED"

func (s FlowStatus) IsTerminal() bool {
	return s == ARCHIVED || s == COMPLETED
}

// BusinessData is the payload the engine routes through a graph.
type BusinessData = map[string]any

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeId  string `json:"nodeId"`
}

type FlowContext[T any] struct {
	Id            string     `json:"id"`
	StreamId      string     `json:"streamId"`
	SessionId     string     `json:"sessionId"`
	BatchId       string     `json:"batchId,omitempty"`
	Position      string     `json:"position"`
	BusinessData  T          `json:"businessData"`
	Status        FlowStatus `json:"status"`
	RetryCount    int        `json:"retryCount"`
	NextRetryTime time.Time  `json:"nextRetryTime"`
	ParentId      string     `json:"parentId,omitempty"`
	ForkId        string     `json:"forkId,omitempty"`
	JoinNode      string     `json:"joinNode,omitempty"`
	Branch        int        `json:"branch,omitempty"`
	TaskId        string     `json:"taskId,omitempty"`
	TaskCompleted bool       `json:"taskCompleted,omitempty"`
	Error         *ErrorInfo `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// DataContext is the context shape stored and executed by the engine.
type DataContext = FlowContext[BusinessData]

func NewFlowContext[T any](id string, streamId string, sessionId string, data T) *FlowContext[T] {
	now := time.Now()
	return &FlowContext[T]{
		Id:           id,
		StreamId:     streamId,
		SessionId:    sessionId,
		BusinessData: data,
		Status:       PENDING,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (c *FlowContext[T]) SetStatus(status FlowStatus) {
	c.Status = status
	c.UpdatedAt = time.Now()
}

func (c *FlowContext[T]) Fail(code string, nodeId string, err error) {
	c.Error = &ErrorInfo{Code: code, Message: err.Error(), NodeId: nodeId}
	c.SetStatus(ERROR)
}
