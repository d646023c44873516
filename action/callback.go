package action

import (
	"context"
	"fmt"
	"time"

	"github.com/wuayee/waterflow/event"
	"github.com/wuayee/waterflow/fitable"
	"github.com/wuayee/waterflow/flow"
	"github.com/wuayee/waterflow/logger"
	"github.com/wuayee/waterflow/model"
	"go.uber.org/zap"
)

// FilterKeys keeps only keys of data. Keys starting with $ are json paths and
// are stored under the path text. No keys means everything is kept.
func FilterKeys(data map[string]any, keys []string) map[string]any {
	out := make(map[string]any)
	if len(keys) == 0 {
		for k, v := range data {
			out[k] = v
		}
		return out
	}
	for _, k := range keys {
		if v, ok := Lookup(data, k); ok {
			out[k] = v
		}
	}
	return out
}

func NewCallbackEvent(streamId string, node *flow.Node, contexts []*model.DataContext) event.FlowCallbackEvent {
	cb := node.Callback
	data := make([]event.CallbackData, 0, len(contexts))
	for _, c := range contexts {
		data = append(data, event.CallbackData{
			ContextId:    c.Id,
			BusinessData: FilterKeys(c.BusinessData, cb.FilteredKeys),
		})
	}
	return event.FlowCallbackEvent{
		StreamId:   streamId,
		NodeId:     node.MetaId,
		Name:       cb.Name,
		Fitables:   cb.Fitables,
		Properties: cb.Properties,
		Contexts:   data,
		At:         time.Now(),
	}
}

// Forwarder returns the bus handler that hands callback data to the
// callback's fitables, one call per context and fitable.
func Forwarder(invoker fitable.Invoker) event.Handler {
	return func(ctx context.Context, ev event.Event) error {
		cb, ok := ev.(event.FlowCallbackEvent)
		if !ok {
			return fmt.Errorf("unexpected event %s for callback forwarder", ev.Type())
		}
		var firstErr error
		for _, c := range cb.Contexts {
			for _, target := range cb.Fitables {
				_, err := invoker.Invoke(ctx, target, fitable.Request{
					ContextId:    c.ContextId,
					NodeId:       cb.NodeId,
					BusinessData: c.BusinessData,
					Properties:   cb.Properties,
				})
				if err != nil {
					logger.Error("callback fitable failed", zap.String("stream", cb.StreamId), zap.String("node", cb.NodeId), zap.String("fitable", target), zap.Error(err))
					if firstErr == nil {
						firstErr = err
					}
				}
			}
		}
		return firstErr
	}
}
