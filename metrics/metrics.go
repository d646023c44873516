package metrics

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	ContextsCompleted = stats.Int64("waterflow/contexts_completed", "contexts that reached an end node", stats.UnitDimensionless)
	ContextsFailed    = stats.Int64("waterflow/contexts_failed", "contexts parked in error without retry", stats.UnitDimensionless)
	RetriesScheduled  = stats.Int64("waterflow/retries_scheduled", "retry records written after a recoverable failure", stats.UnitDimensionless)
	EventsRejected    = stats.Int64("waterflow/events_rejected", "events rejected by a saturated event bus", stats.UnitDimensionless)
)

var KeyStream = tag.MustNewKey("stream")

var Views = []*view.View{
	countView(ContextsCompleted),
	countView(ContextsFailed),
	countView(RetriesScheduled),
	countView(EventsRejected),
}

func countView(m *stats.Int64Measure) *view.View {
	return &view.View{
		Name:        m.Name(),
		Description: m.Description(),
		Measure:     m,
		TagKeys:     []tag.Key{KeyStream},
		Aggregation: view.Count(),
	}
}

func Register() error {
	return view.Register(Views...)
}

func Record(streamId string, m *stats.Int64Measure) {
	ctx, err := tag.New(context.Background(), tag.Upsert(KeyStream, streamId))
	if err != nil {
		ctx = context.Background()
	}
	stats.Record(ctx, m.M(1))
}
