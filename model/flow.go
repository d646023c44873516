package model

// FlowRunRequest is the body accepted when data is offered to a flow.
type FlowRunRequest struct {
	SessionId string         `json:"sessionId"`
	Data      []BusinessData `json:"data" validate:"required,min=1"`
}

type TaskCompleteRequest struct {
	Data BusinessData `json:"data"`
}
