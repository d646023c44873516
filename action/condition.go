package action

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// ConditionEvaluator runs event condition rules as javascript against the
// business data of a context. The data is visible both as businessData and
// as $. Compiled programs are cached per rule text.
type ConditionEvaluator struct {
	programs sync.Map
}

func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{}
}

func (c *ConditionEvaluator) Compile(rule string) error {
	if strings.TrimSpace(rule) == "" {
		return nil
	}
	_, err := c.program(rule)
	return err
}

func (c *ConditionEvaluator) program(rule string) (*goja.Program, error) {
	if p, ok := c.programs.Load(rule); ok {
		return p.(*goja.Program), nil
	}
	p, err := goja.Compile("condition", rule, true)
	if err != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", rule, err)
	}
	actual, _ := c.programs.LoadOrStore(rule, p)
	return actual.(*goja.Program), nil
}

// Evaluate reports whether rule holds for data. An empty rule always holds.
func (c *ConditionEvaluator) Evaluate(rule string, data map[string]any) (bool, error) {
	if strings.TrimSpace(rule) == "" {
		return true, nil
	}
	p, err := c.program(rule)
	if err != nil {
		return false, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return false, err
	}
	vm := goja.New()
	if _, err := vm.RunString(fmt.Sprintf("var businessData = %s;\nvar $ = businessData;\n", raw)); err != nil {
		return false, fmt.Errorf("error preparing condition data %w", err)
	}
	val, err := vm.RunProgram(p)
	if err != nil {
		return false, fmt.Errorf("error executing condition %q %w", rule, err)
	}
	return val.ToBoolean(), nil
}
