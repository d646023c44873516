package analytics

import "fmt"

type DataCollectorConfig struct {
	FileName      string
	CollectorType DataCollectorType
}

type DataCollectorType string

const LOG_FILE_DATA_COLLECTOR DataCollectorType = "LOG_FILE_DATA_COLLECTOR"
const NOOP_DATA_COLLECTOR DataCollectorType = "NOOP_DATA_COLLECTOR"

// NodeDataCollector receives the outcome of every executed node.
type NodeDataCollector interface {
	RecordNodeSuccess(streamId string, contextId string, nodeId string, data map[string]any)
	RecordNodeFailure(streamId string, contextId string, nodeId string, reason string)
}

func NewDataCollector(config DataCollectorConfig) (NodeDataCollector, error) {
	switch config.CollectorType {
	case LOG_FILE_DATA_COLLECTOR:
		return NewLogFileDataCollector(config.FileName)
	case NOOP_DATA_COLLECTOR, "":
		return NoopDataCollector{}, nil
	}
	return nil, fmt.Errorf("unknown data collector %s", config.CollectorType)
}

type NoopDataCollector struct{}

func (NoopDataCollector) RecordNodeSuccess(streamId string, contextId string, nodeId string, data map[string]any) {
}

func (NoopDataCollector) RecordNodeFailure(streamId string, contextId string, nodeId string, reason string) {
}
