package analytics

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ NodeDataCollector = new(LogFileDataCollector)

// LogFileDataCollector appends one JSON line per node outcome to a file.
type LogFileDataCollector struct {
	log *zap.Logger
}

func NewLogFileDataCollector(fileName string) (*LogFileDataCollector, error) {
	conf := zap.NewProductionConfig()
	conf.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	conf.EncoderConfig.CallerKey = zapcore.OmitKey
	conf.EncoderConfig.StacktraceKey = zapcore.OmitKey
	conf.OutputPaths = []string{fileName}
	conf.ErrorOutputPaths = []string{"stderr"}
	conf.Sampling = nil
	l, err := conf.Build()
	if err != nil {
		return nil, err
	}
	return &LogFileDataCollector{log: l}, nil
}

func (c *LogFileDataCollector) RecordNodeSuccess(streamId string, contextId string, nodeId string, data map[string]any) {
	c.log.Info("node succeeded",
		zap.String("stream", streamId),
		zap.String("context", contextId),
		zap.String("node", nodeId),
		zap.Any("data", data))
}

func (c *LogFileDataCollector) RecordNodeFailure(streamId string, contextId string, nodeId string, reason string) {
	c.log.Info("node failed",
		zap.String("stream", streamId),
		zap.String("context", contextId),
		zap.String("node", nodeId),
		zap.String("reason", reason))
}

func (c *LogFileDataCollector) Close() error {
	return c.log.Sync()
}
