package action

import (
	"context"

	"github.com/wuayee/waterflow/fitable"
	"github.com/wuayee/waterflow/flow"
	"github.com/wuayee/waterflow/model"
)

type JoberRunner struct {
	invoker fitable.Invoker
}

func NewJoberRunner(invoker fitable.Invoker) *JoberRunner {
	return &JoberRunner{invoker: invoker}
}

// Run calls the jober's fitables in order. Each fitable sees the output of
// the previous ones merged into the business data; the merged data is
// returned.
func (r *JoberRunner) Run(ctx context.Context, node *flow.Node, c *model.DataContext) (map[string]any, error) {
	data := make(map[string]any, len(c.BusinessData))
	for k, v := range c.BusinessData {
		data[k] = v
	}
	props := ResolveParams(data, node.Jober.Properties)
	for _, target := range node.Jober.Fitables {
		out, err := r.invoker.Invoke(ctx, target, fitable.Request{
			ContextId:    c.Id,
			NodeId:       node.MetaId,
			BusinessData: data,
			Properties:   props,
		})
		if err != nil {
			return nil, err
		}
		for k, v := range out {
			data[k] = v
		}
	}
	return data, nil
}
