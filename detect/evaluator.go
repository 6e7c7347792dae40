package detect

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"bkaudit/core"

	"github.com/dlclark/regexp2"
)

// regexTimeout bounds a single regex match so a pathological pattern
// cannot stall an evaluation cycle.
const regexTimeout = 2 * time.Second

// Evaluator applies a strategy's filter conditions to events. Compiled
// regex patterns are cached per pattern string.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*regexp2.Regexp
}

// NewEvaluator creates an evaluator with an empty pattern cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*regexp2.Regexp)}
}

// Match reports whether the event satisfies the condition chain. Conditions
// are combined left to right through each condition's connector, matching
// how operators read the chain in the strategy form.
func (e *Evaluator) Match(conditions []core.FilterCondition, event *core.Event) (bool, error) {
	if len(conditions) == 0 {
		return false, nil
	}
	result, err := e.matchOne(&conditions[0], event)
	if err != nil {
		return false, err
	}
	for i := 1; i < len(conditions); i++ {
		c := &conditions[i]
		// Short-circuit where the connector makes the rest irrelevant.
		if c.Connector == core.ConnectorAnd && !result {
			continue
		}
		if c.Connector == core.ConnectorOr && result {
			continue
		}
		next, err := e.matchOne(c, event)
		if err != nil {
			return false, err
		}
		switch c.Connector {
		case core.ConnectorOr:
			result = result || next
		default:
			result = result && next
		}
	}
	return result, nil
}

func (e *Evaluator) matchOne(c *core.FilterCondition, event *core.Event) (bool, error) {
	raw, ok := event.Field(c.Field)
	if !ok {
		// Absent fields never match positively; exclusion operators treat
		// absence as "not containing".
		return c.Operator == core.OpNeq || c.Operator == core.OpExclude, nil
	}
	value := stringify(raw)

	switch c.Operator {
	case core.OpEq:
		return value == c.Value, nil
	case core.OpNeq:
		return value != c.Value, nil
	case core.OpInclude:
		return strings.Contains(value, c.Value), nil
	case core.OpExclude:
		return !strings.Contains(value, c.Value), nil
	case core.OpRegex:
		re, err := e.pattern(c.Value)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q for field %s: %w", c.Value, c.Field, err)
		}
		matched, err := re.MatchString(value)
		if err != nil {
			return false, fmt.Errorf("regex evaluation on field %s: %w", c.Field, err)
		}
		return matched, nil
	default:
		return false, fmt.Errorf("unknown filter operator %q", c.Operator)
	}
}

func (e *Evaluator) pattern(expr string) (*regexp2.Regexp, error) {
	e.mu.RLock()
	re, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp2.Compile(expr, regexp2.None)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = regexTimeout
	e.mu.Lock()
	e.cache[expr] = re
	e.mu.Unlock()
	return re, nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
