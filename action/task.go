package action

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/wuayee/waterflow/fitable"
	"github.com/wuayee/waterflow/flow"
	"github.com/wuayee/waterflow/logger"
	"github.com/wuayee/waterflow/model"
	"go.uber.org/zap"
)

const TASK_CENTER = "task_center"
const SMART_FORM = "smart_form"

type UnsupportedOperatorError struct {
	TaskType string
}

func (e UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("unsupported task operator %s", e.TaskType)
}

func (e UnsupportedOperatorError) Recoverable() bool {
	return false
}

// Operator creates the external work item of a manual node and returns its id.
type Operator interface {
	Create(ctx context.Context, task *flow.Task, c *model.DataContext) (string, error)
}

type OperatorRegistry struct {
	mu        sync.RWMutex
	operators map[string]Operator
}

func NewOperatorRegistry() *OperatorRegistry {
	return &OperatorRegistry{
		operators: make(map[string]Operator),
	}
}

// NewDefaultOperatorRegistry registers the task center and smart form
// operators, both creating tasks through the given fitable targets.
func NewDefaultOperatorRegistry(invoker fitable.Invoker) *OperatorRegistry {
	r := NewOperatorRegistry()
	r.Register(TASK_CENTER, NewTaskCenterOperator(invoker, "task_center.create"))
	r.Register(SMART_FORM, NewSmartFormOperator(invoker, "smart_form.create"))
	return r
}

func (r *OperatorRegistry) Register(taskType string, op Operator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operators[strings.ToLower(taskType)] = op
}

func (r *OperatorRegistry) Get(taskType string) (Operator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.operators[strings.ToLower(taskType)]
	if !ok {
		return nil, UnsupportedOperatorError{TaskType: taskType}
	}
	return op, nil
}

type fitableOperator struct {
	name    string
	target  string
	invoker fitable.Invoker
	extra   map[string]any
}

func (o *fitableOperator) Create(ctx context.Context, task *flow.Task, c *model.DataContext) (string, error) {
	props := ResolveParams(c.BusinessData, task.Properties)
	for k, v := range o.extra {
		props[k] = v
	}
	props["taskId"] = task.TaskId
	out, err := o.invoker.Invoke(ctx, o.target, fitable.Request{
		ContextId:    c.Id,
		NodeId:       c.Position,
		BusinessData: c.BusinessData,
		Properties:   props,
	})
	if err != nil {
		return "", err
	}
	if id, ok := out["taskInstanceId"].(string); ok && id != "" {
		return id, nil
	}
	id := uuid.NewString()
	logger.Debug("task operator returned no instance id", zap.String("operator", o.name), zap.String("generated", id))
	return id, nil
}

func NewTaskCenterOperator(invoker fitable.Invoker, target string) Operator {
	return &fitableOperator{name: TASK_CENTER, target: target, invoker: invoker}
}

// NewSmartFormOperator creates form tasks; the form is rendered by the
// target from the task properties.
func NewSmartFormOperator(invoker fitable.Invoker, target string) Operator {
	return &fitableOperator{name: SMART_FORM, target: target, invoker: invoker, extra: map[string]any{"form": true}}
}
