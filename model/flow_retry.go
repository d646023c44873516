package model

import "time"

// FlowRetry tracks a failed context waiting to be re-injected at NodeId.
type FlowRetry struct {
	EntityId      string    `json:"entityId"`
	StreamId      string    `json:"streamId"`
	NodeId        string    `json:"nodeId"`
	RetryCount    int       `json:"retryCount"`
	NextRetryTime time.Time `json:"nextRetryTime"`
	LastError     string    `json:"lastError"`
	Version       int64     `json:"version"`
}
